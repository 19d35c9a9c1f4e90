// Package holiday は祝日マーカーの解決を提供します。
// 公開祝日データとユーザー定義の祝日レコードをそれぞれ解決し、
// 日番号をキーとするマーカー集合として統合します。
package holiday

const (
	// PublicColor は公開祝日マーカーの既定色です。
	PublicColor = "#dc2626"
	// CustomColor はユーザー定義祝日マーカーの既定色です。
	CustomColor = "#2563eb"
)

// DateLayout は祝日レコードの日付表現です。
const DateLayout = "2006-01-02"

// FrequencyYearly は毎年繰り返す祝日レコードの頻度値です。
const FrequencyYearly = "yearly"

// Marker は描画対象の祝日マーカー（1日分の注釈）を表します。
type Marker struct {
	Day   int    `json:"day"`
	Label string `json:"label"`
	Color string `json:"color"`
}

// Markers は日番号をキーとするマーカー集合です。
type Markers map[int]Marker

// Recurrence はユーザー定義祝日の繰り返し設定です。
type Recurrence struct {
	Frequency string `json:"frequency"`
	EndDate   string `json:"endDate,omitempty"`
}

// CustomRecord はユーザー定義の祝日レコードです（読み取り専用で扱います）。
type CustomRecord struct {
	Date       string      `json:"date"`
	Name       string      `json:"name"`
	Color      string      `json:"color,omitempty"`
	Recurrence *Recurrence `json:"recurrence,omitempty"`
}

// Merge は公開マーカーの上にユーザー定義マーカーを重ねた集合を返します。
// 同じ日番号に衝突した場合はユーザー定義側がラベル・色ともに優先されます。
func Merge(public, custom Markers) Markers {
	merged := make(Markers, len(public)+len(custom))
	for day, m := range public {
		merged[day] = m
	}
	for day, m := range custom {
		merged[day] = m
	}
	return merged
}
