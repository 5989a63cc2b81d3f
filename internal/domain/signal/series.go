package signal

import (
	"math"
	"sort"
	"time"

	"momo/internal/domain/model"
)

// dayKey normalizes a timestamp to its trading date (UTC midnight).
func dayKey(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekFriday returns the Friday ending the week that contains d
// (weeks span Saturday..Friday, so d lands on the Friday at or after it).
func weekFriday(d time.Time) time.Time {
	offset := (int(time.Friday) - int(d.Weekday()) + 7) % 7
	return dayKey(d).AddDate(0, 0, offset)
}

// DailyMatrix is a dates × symbols grid of close prices. The date index
// is the sorted union of all per-symbol observation dates; cells with no
// observation hold NaN. Missing trading days are tolerated throughout:
// they simply never enter the index.
type DailyMatrix struct {
	dates   []time.Time
	dateIdx map[time.Time]int
	symbols []string
	cells   map[string][]float64
}

// NewDailyMatrix builds the grid from per-symbol close series. Symbol
// order is preserved as given; symbols without any data are dropped.
// Each series must be ordered by strictly increasing date.
func NewDailyMatrix(symbols []string, series map[string][]model.ClosePoint) *DailyMatrix {
	seen := make(map[time.Time]struct{})
	for _, sym := range symbols {
		for _, p := range series[sym] {
			seen[dayKey(p.Date)] = struct{}{}
		}
	}

	dates := make([]time.Time, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	dateIdx := make(map[time.Time]int, len(dates))
	for i, d := range dates {
		dateIdx[d] = i
	}

	m := &DailyMatrix{
		dates:   dates,
		dateIdx: dateIdx,
		cells:   make(map[string][]float64),
	}
	for _, sym := range symbols {
		pts := series[sym]
		if len(pts) == 0 {
			continue
		}
		row := make([]float64, len(dates))
		for i := range row {
			row[i] = math.NaN()
		}
		for _, p := range pts {
			row[dateIdx[dayKey(p.Date)]] = p.Close
		}
		m.symbols = append(m.symbols, sym)
		m.cells[sym] = row
	}
	return m
}

func (m *DailyMatrix) Symbols() []string { return m.symbols }

func (m *DailyMatrix) Len() int { return len(m.dates) }

func (m *DailyMatrix) Date(i int) time.Time { return m.dates[i] }

// DateIndex reports the row position of a trading date, if observed.
func (m *DailyMatrix) DateIndex(d time.Time) (int, bool) {
	i, ok := m.dateIdx[dayKey(d)]
	return i, ok
}

// PriceAt returns the close for symbol at row i; ok is false for NaN
// cells and unknown symbols.
func (m *DailyMatrix) PriceAt(sym string, i int) (float64, bool) {
	row, ok := m.cells[sym]
	if !ok || i < 0 || i >= len(row) || math.IsNaN(row[i]) {
		return 0, false
	}
	return row[i], true
}

// Price looks up the close for symbol on a calendar date.
func (m *DailyMatrix) Price(sym string, d time.Time) (float64, bool) {
	i, ok := m.DateIndex(d)
	if !ok {
		return 0, false
	}
	return m.PriceAt(sym, i)
}

// LastDateWithPrice returns the most recent date on which every given
// symbol has a close, used to price the latest allocation.
func (m *DailyMatrix) LastDateWithPrice(symbols []string) (time.Time, bool) {
	for i := len(m.dates) - 1; i >= 0; i-- {
		all := true
		for _, sym := range symbols {
			if _, ok := m.PriceAt(sym, i); !ok {
				all = false
				break
			}
		}
		if all {
			return m.dates[i], true
		}
	}
	return time.Time{}, false
}

// WeeklyMatrix holds week-ending-Friday closes: the last observation of
// each week per symbol. Weeks where no symbol traded are absent rather
// than zero-filled; a symbol without an observation in an otherwise
// present week holds NaN.
type WeeklyMatrix struct {
	weeks   []time.Time
	symbols []string
	closes  map[string][]float64
}

// Weekly resamples the daily grid to week-ending-Friday rows.
func (m *DailyMatrix) Weekly() *WeeklyMatrix {
	weekIdx := make(map[time.Time]int)
	var weeks []time.Time
	for _, d := range m.dates {
		w := weekFriday(d)
		if _, ok := weekIdx[w]; !ok {
			weekIdx[w] = len(weeks)
			weeks = append(weeks, w)
		}
	}

	wm := &WeeklyMatrix{
		weeks:   weeks,
		symbols: m.symbols,
		closes:  make(map[string][]float64, len(m.symbols)),
	}
	for _, sym := range m.symbols {
		row := make([]float64, len(weeks))
		for i := range row {
			row[i] = math.NaN()
		}
		// daily rows are date-ordered, so the last write per week wins
		for i, d := range m.dates {
			if v := m.cells[sym][i]; !math.IsNaN(v) {
				row[weekIdx[weekFriday(d)]] = v
			}
		}
		wm.closes[sym] = row
	}
	return wm
}

func (w *WeeklyMatrix) Symbols() []string { return w.symbols }

func (w *WeeklyMatrix) Len() int { return len(w.weeks) }

func (w *WeeklyMatrix) Week(i int) time.Time { return w.weeks[i] }

// CloseAt returns the weekly close for symbol at week row i.
func (w *WeeklyMatrix) CloseAt(sym string, i int) (float64, bool) {
	row, ok := w.closes[sym]
	if !ok || i < 0 || i >= len(row) || math.IsNaN(row[i]) {
		return 0, false
	}
	return row[i], true
}
