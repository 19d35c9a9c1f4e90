// Package calendar は月カレンダーの日付グリッド計算を提供します。
package calendar

import "time"

// Columns はグリッドの列数（1週間の日数）です。
const Columns = 7

// MinRows はグリッドの最小行数です。
const MinRows = 5

// MonthGrid は1か月分の日付グリッドを表します。
// 各セルは日番号（1〜月末日）を保持し、空セルは 0 です。
type MonthGrid [][]int

// Rows はグリッドの行数を返します。
func (g MonthGrid) Rows() int {
	return len(g)
}

// DaysInMonth は指定した年月の日数を返します（閏年を考慮します）。
func DaysInMonth(year, month int) int {
	// 翌月0日 = 当月末日
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FirstWeekday は指定した年月の1日の曜日を返します（0=日曜〜6=土曜）。
func FirstWeekday(year, month int) int {
	return int(time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).Weekday())
}

// Offset は週の開始曜日を startDay（0=日曜〜6=土曜）としたとき、
// 1日の前に並ぶ空セルの数を返します。
func Offset(year, month, startDay int) int {
	return ((FirstWeekday(year, month)-startDay)%Columns + Columns) % Columns
}

// BuildGrid は年・月・週開始曜日から日付グリッドを構築します。
// 行数は max(5, ceil((offset+日数)/7)) で、行優先で日番号を詰めます。
// 純粋関数であり副作用や外部参照を持ちません。
func BuildGrid(year, month, startDay int) MonthGrid {
	days := DaysInMonth(year, month)
	offset := Offset(year, month, startDay)

	rows := (offset + days + Columns - 1) / Columns
	if rows < MinRows {
		rows = MinRows
	}

	grid := make(MonthGrid, rows)
	day := 1
	for r := 0; r < rows; r++ {
		grid[r] = make([]int, Columns)
		for c := 0; c < Columns; c++ {
			cell := r*Columns + c
			if cell < offset || day > days {
				continue
			}
			grid[r][c] = day
			day++
		}
	}
	return grid
}

// WeekendColumns は週開始曜日を startDay としたとき、
// 土曜・日曜に対応する列インデックスを返します。
func WeekendColumns(startDay int) []int {
	cols := make([]int, 0, 2)
	for c := 0; c < Columns; c++ {
		weekday := (startDay + c) % Columns
		if weekday == 0 || weekday == 6 {
			cols = append(cols, c)
		}
	}
	return cols
}
