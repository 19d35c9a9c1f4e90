package holiday

import (
	"context"
	"log"
	"time"
)

// CustomStore はユーザー定義祝日レコードの読み取りを提供します。
type CustomStore interface {
	ListForUser(ctx context.Context, userID string) ([]CustomRecord, error)
}

// CustomResolver はユーザー定義の祝日レコードから月ごとのマーカーを解決します。
// 公開祝日と同様にベストエフォートで動作し、ストア障害時は空集合を返します。
type CustomResolver struct {
	store  CustomStore
	logger *log.Logger
}

// NewCustomResolver は CustomResolver を作成します。
func NewCustomResolver(store CustomStore, logger *log.Logger) *CustomResolver {
	return &CustomResolver{store: store, logger: logger}
}

// Resolve は対象ユーザーの祝日レコードを読み取り、対象年月に該当する
// マーカー集合を返します。日付が解析できないレコードは読み飛ばします。
func (r *CustomResolver) Resolve(ctx context.Context, userID string, year, month int) Markers {
	markers := make(Markers)
	if r.store == nil {
		return markers
	}

	records, err := r.store.ListForUser(ctx, userID)
	if err != nil {
		if r.logger != nil {
			r.logger.Printf("failed to list custom holidays user=%s: %v", userID, err)
		}
		return markers
	}

	for _, record := range records {
		date, ok := resolveRecordDate(record, year)
		if !ok {
			continue
		}
		if date.Year() != year || int(date.Month()) != month {
			continue
		}

		color := record.Color
		if color == "" {
			color = CustomColor
		}
		day := date.Day()
		markers[day] = Marker{
			Day:   day,
			Label: record.Name,
			Color: color,
		}
	}
	return markers
}

// resolveRecordDate はレコードが対象年に寄与する日付を求めます。
// 繰り返しなしのレコードは記録された日付そのもの、毎年繰り返すレコードは
// 対象年に同じ月日を合成した日付になります。合成日付が endDate を超えた
// 場合は寄与しません。
func resolveRecordDate(record CustomRecord, year int) (time.Time, bool) {
	original, err := time.Parse(DateLayout, record.Date)
	if err != nil {
		return time.Time{}, false
	}

	if record.Recurrence == nil || record.Recurrence.Frequency != FrequencyYearly {
		return original, true
	}

	synthetic := time.Date(year, original.Month(), original.Day(), 0, 0, 0, 0, time.UTC)
	if record.Recurrence.EndDate != "" {
		if end, err := time.Parse(DateLayout, record.Recurrence.EndDate); err == nil && synthetic.After(end) {
			return time.Time{}, false
		}
	}
	return synthetic, true
}
