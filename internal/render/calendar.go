// Package render はカレンダー1か月分を固定サイズのPDFページとして描画します。
package render

import (
	"bytes"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/goodsign/monday"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/calendar-forge/internal/calendar"
	"github.com/yourusername/calendar-forge/internal/holiday"
)

// ページジオメトリ（A4横、ミリメートル）。
const (
	pageMargin    = 14.0
	titleY        = 22.0
	headingY      = 32.0
	metaTopY      = 38.0
	metaLineStep  = 4.0
	weekdayTopY   = 48.0
	weekdayHeight = 8.0
	gridTopY      = 56.0

	// drawRows は描画上のグリッド行数です。論理グリッドの行数とは独立に
	// 常にこの行数分の領域を確保します。
	drawRows = 6

	// maxLabelRunes は祝日ラベルを切り詰める文字数上限です。
	maxLabelRunes = 14
)

// Page は1ページ分の描画入力を表します。
type Page struct {
	Title     string
	Year      int
	Month     int
	StartDay  int
	Language  string
	MetaLines []string
	Grid      calendar.MonthGrid
	Holidays  holiday.Markers
}

// Renderer はカレンダーPDFの描画器です。
type Renderer struct {
	logger *log.Logger
}

// NewRenderer は Renderer を作成します。
func NewRenderer(logger *log.Logger) *Renderer {
	return &Renderer{logger: logger}
}

// Render はページを描画してPDFのバイト列を返します。
// 描画ライブラリのエラーはそのまま呼び出し元に伝播させます。
func (r *Renderer) Render(page Page) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	translate := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pageW, pageH := pdf.GetPageSize()
	gridW := pageW - 2*pageMargin
	cellW := gridW / calendar.Columns
	cellH := (pageH - pageMargin - gridTopY) / drawRows
	gridBottom := gridTopY + drawRows*cellH

	// 週末列は他の描画要素より先に塗る（後続の線や文字を隠さないため）
	pdf.SetFillColor(243, 244, 246)
	for _, col := range calendar.WeekendColumns(page.StartDay) {
		x := pageMargin + float64(col)*cellW
		pdf.Rect(x, weekdayTopY, cellW, gridBottom-weekdayTopY, "F")
	}

	r.drawHeader(pdf, translate, page)
	r.drawWeekdayRow(pdf, translate, page, cellW)
	r.drawGrid(pdf, translate, page, cellW, cellH)

	if pdf.Err() {
		return nil, pdf.Error()
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}

	// 出力が構造的に正しい1ページのPDFであることを確認する
	pages, err := pdfapi.PageCount(bytes.NewReader(buf.Bytes()), nil)
	if err != nil {
		return nil, fmt.Errorf("rendered document failed verification: %w", err)
	}
	if pages != 1 {
		return nil, fmt.Errorf("rendered document has %d pages, want 1", pages)
	}

	return buf.Bytes(), nil
}

func (r *Renderer) drawHeader(pdf *fpdf.Fpdf, translate func(string) string, page Page) {
	pdf.SetTextColor(17, 24, 39)
	pdf.SetFont("Helvetica", "B", 20)
	pdf.Text(pageMargin, titleY, translate(page.Title))

	pdf.SetFont("Helvetica", "", 13)
	pdf.SetTextColor(55, 65, 81)
	pdf.Text(pageMargin, headingY, translate(monthHeading(page.Year, page.Month, page.Language)))

	pdf.SetFont("Helvetica", "", 7.5)
	pdf.SetTextColor(107, 114, 128)
	for i, line := range page.MetaLines {
		pdf.Text(pageMargin, metaTopY+float64(i)*metaLineStep, translate(line))
	}
}

func (r *Renderer) drawWeekdayRow(pdf *fpdf.Fpdf, translate func(string) string, page Page, cellW float64) {
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetTextColor(55, 65, 81)
	pdf.SetDrawColor(209, 213, 219)
	pdf.SetLineWidth(0.3)

	labels := weekdayLabels(page.StartDay, page.Language)
	for col, label := range labels {
		x := pageMargin + float64(col)*cellW
		pdf.Rect(x, weekdayTopY, cellW, weekdayHeight, "D")
		text := translate(label)
		textW := pdf.GetStringWidth(text)
		pdf.Text(x+(cellW-textW)/2, weekdayTopY+weekdayHeight-2.5, text)
	}
}

func (r *Renderer) drawGrid(pdf *fpdf.Fpdf, translate func(string) string, page Page, cellW, cellH float64) {
	pdf.SetDrawColor(209, 213, 219)
	pdf.SetLineWidth(0.3)

	for row := 0; row < drawRows; row++ {
		for col := 0; col < calendar.Columns; col++ {
			x := pageMargin + float64(col)*cellW
			y := gridTopY + float64(row)*cellH
			pdf.Rect(x, y, cellW, cellH, "D")

			if row >= page.Grid.Rows() {
				continue
			}
			day := page.Grid[row][col]
			if day == 0 {
				continue
			}

			// 日番号はセル右上に右寄せで描く
			pdf.SetFont("Helvetica", "", 10)
			pdf.SetTextColor(17, 24, 39)
			num := strconv.Itoa(day)
			pdf.Text(x+cellW-2-pdf.GetStringWidth(num), y+5.5, num)

			marker, ok := page.Holidays[day]
			if !ok {
				continue
			}
			red, green, blue := parseHexColor(marker.Color)
			pdf.SetFillColor(red, green, blue)
			pdf.Circle(x+3.5, y+4.5, 1.6, "F")

			pdf.SetFont("Helvetica", "", 6)
			pdf.SetTextColor(red, green, blue)
			pdf.Text(x+2, y+cellH-2.5, translate(truncateLabel(marker.Label)))
		}
	}
}

// locales は言語コードと monday ロケールの対応表です。
var locales = map[string]monday.Locale{
	"de": monday.LocaleDeDE,
	"en": monday.LocaleEnUS,
	"es": monday.LocaleEsES,
	"fr": monday.LocaleFrFR,
	"it": monday.LocaleItIT,
	"ja": monday.LocaleJaJP,
	"nl": monday.LocaleNlNL,
	"pt": monday.LocalePtPT,
	"ru": monday.LocaleRuRU,
}

// monthHeading は「月名 年」の見出しを返します。ロケールが未対応の場合は
// 素の time.Format にフォールバックします。
func monthHeading(year, month int, language string) string {
	t := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	if locale, ok := locales[normalizeLanguage(language)]; ok {
		return monday.Format(t, "January 2006", locale)
	}
	return t.Format("January 2006")
}

// weekdayLabels は週開始曜日から始まる7つの曜日ラベルを返します。
func weekdayLabels(startDay int, language string) []string {
	locale, localized := locales[normalizeLanguage(language)]

	// 2023-01-01 は日曜なので、そこから曜日分ずらして参照日を作る
	sunday := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	labels := make([]string, calendar.Columns)
	for i := range labels {
		weekday := (startDay + i) % calendar.Columns
		ref := sunday.AddDate(0, 0, weekday)
		if localized {
			labels[i] = monday.Format(ref, "Mon", locale)
		} else {
			labels[i] = ref.Format("Mon")
		}
	}
	return labels
}

func normalizeLanguage(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if idx := strings.IndexAny(lang, "-_"); idx > 0 {
		lang = lang[:idx]
	}
	return lang
}

// truncateLabel はラベルを上限文字数で切り詰め、末尾の空白を取り除きます。
func truncateLabel(label string) string {
	runes := []rune(label)
	if len(runes) > maxLabelRunes {
		runes = runes[:maxLabelRunes]
	}
	return strings.TrimRight(string(runes), " ")
}

// parseHexColor は #rrggbb 形式の色をRGB成分に分解します。
// 解析できない場合は無彩色のグレーを返します。
func parseHexColor(value string) (int, int, int) {
	hex := strings.TrimPrefix(strings.TrimSpace(value), "#")
	if len(hex) != 6 {
		return 107, 114, 128
	}
	red, err1 := strconv.ParseUint(hex[0:2], 16, 8)
	green, err2 := strconv.ParseUint(hex[2:4], 16, 8)
	blue, err3 := strconv.ParseUint(hex[4:6], 16, 8)
	if err1 != nil || err2 != nil || err3 != nil {
		return 107, 114, 128
	}
	return int(red), int(green), int(blue)
}
