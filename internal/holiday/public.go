package holiday

import (
	"log"
	"strings"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/au"
	"github.com/rickar/cal/v2/ca"
	"github.com/rickar/cal/v2/de"
	"github.com/rickar/cal/v2/es"
	"github.com/rickar/cal/v2/fr"
	"github.com/rickar/cal/v2/gb"
	"github.com/rickar/cal/v2/it"
	"github.com/rickar/cal/v2/jp"
	"github.com/rickar/cal/v2/nl"
	"github.com/rickar/cal/v2/us"
)

// countryHolidays は国コードと祝日定義の対応表です。
// AU はライブラリが州別リストしか持たないため、NSW の定義を代表として使います。
var countryHolidays = map[string][]*cal.Holiday{
	"AU": au.HolidaysNSW,
	"CA": ca.Holidays,
	"DE": de.Holidays,
	"ES": es.Holidays,
	"FR": fr.Holidays,
	"GB": gb.Holidays,
	"IT": it.Holidays,
	"JP": jp.Holidays,
	"NL": nl.Holidays,
	"US": us.Holidays,
}

// PublicResolver は公開祝日データから月ごとのマーカーを解決します。
// 祝日はあくまで補助情報であり、解決に失敗しても空集合を返すだけで
// エラーにはしません。
type PublicResolver struct {
	logger *log.Logger
}

// NewPublicResolver は PublicResolver を作成します。
func NewPublicResolver(logger *log.Logger) *PublicResolver {
	return &PublicResolver{logger: logger}
}

// Resolve は国コードと対象年から祝日を取得し、対象月に絞り込んで返します。
// 国コードは COUNTRY-SUBDIVISION[-REGION] 形式（最大3要素）を受け付けますが、
// 参照に使うのは先頭の国部分のみです。未対応の国は空集合になります。
func (r *PublicResolver) Resolve(country string, year, month int) Markers {
	markers := make(Markers)

	code := primaryCountryCode(country)
	if code == "" {
		return markers
	}

	defs, ok := countryHolidays[code]
	if !ok {
		if r.logger != nil {
			r.logger.Printf("public holidays unavailable for country=%s", code)
		}
		return markers
	}

	for _, h := range defs {
		actual, _ := h.Calc(year)
		if actual.IsZero() {
			continue
		}
		if actual.Year() != year || int(actual.Month()) != month {
			continue
		}
		day := actual.Day()
		markers[day] = Marker{
			Day:   day,
			Label: h.Name,
			Color: PublicColor,
		}
	}
	return markers
}

// primaryCountryCode はダッシュ区切りの国コード表現から国部分を取り出します。
func primaryCountryCode(country string) string {
	trimmed := strings.TrimSpace(country)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, "-", 3)
	return strings.ToUpper(parts[0])
}
