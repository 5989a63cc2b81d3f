package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"momo/internal/domain/signal"
)

// Summary aggregates run-level performance figures.
type Summary struct {
	Weeks       int
	CashWeeks   int
	SpanYears   float64
	CAGR        float64
	MaxDrawdown float64 // negative fraction, e.g. -0.18
	FinalIndex  float64
}

// Summarize computes CAGR and max drawdown from the cumulative index.
func (r *Result) Summarize() Summary {
	s := Summary{Weeks: len(r.Weeks), FinalIndex: 1}
	if len(r.Weeks) == 0 {
		return s
	}

	cum := r.Cumulative()
	s.FinalIndex = cum[len(cum)-1]

	for _, w := range r.Weeks {
		if w.Cash {
			s.CashWeeks++
		}
	}

	span := r.Weeks[len(r.Weeks)-1].EntryDate.Sub(r.Weeks[0].EntryDate)
	s.SpanYears = span.Hours() / 24 / 365
	if s.SpanYears > 0 && s.FinalIndex > 0 {
		s.CAGR = math.Pow(s.FinalIndex, 1/s.SpanYears) - 1
	}

	peak := cum[0]
	for _, v := range cum {
		if v > peak {
			peak = v
		}
		if dd := v/peak - 1; dd < s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}
	return s
}

// AllocationRow is one line of the buy table for the latest signal.
type AllocationRow struct {
	Symbol         string
	Price          float64
	DesiredWeight  float64 // percent
	AchievedWeight float64 // percent, after integer share rounding
	Qty            int
	Value          float64
}

// AllocationTable turns the signal weights into integer share counts
// for a given total capital, priced at the most recent date on which
// every selected instrument has a close. Rows come back sorted by
// desired weight, largest first.
func AllocationTable(alloc signal.Allocation, daily *signal.DailyMatrix, totalCapital float64) ([]AllocationRow, error) {
	if alloc.Cash || len(alloc.Entries) == 0 {
		return nil, fmt.Errorf("no allocation to price (cash signal)")
	}

	symbols := make([]string, 0, len(alloc.Entries))
	for _, e := range alloc.Entries {
		symbols = append(symbols, e.Symbol)
	}
	priceDate, ok := daily.LastDateWithPrice(symbols)
	if !ok {
		return nil, fmt.Errorf("no common pricing date for %d selected instruments", len(symbols))
	}

	rows := make([]AllocationRow, 0, len(alloc.Entries))
	var used float64
	for _, e := range alloc.Entries {
		price, _ := daily.Price(e.Symbol, priceDate)
		if price <= 0 {
			return nil, fmt.Errorf("%s: non-positive price %.2f on %s", e.Symbol, price, priceDate.Format("2006-01-02"))
		}
		qty := int(math.Round(e.Weight * totalCapital / price))
		value := float64(qty) * price
		used += value
		rows = append(rows, AllocationRow{
			Symbol:        e.Symbol,
			Price:         price,
			DesiredWeight: e.Weight * 100,
			Qty:           qty,
			Value:         value,
		})
	}
	if used > 0 {
		for i := range rows {
			rows[i].AchievedWeight = rows[i].Value / used * 100
		}
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].DesiredWeight > rows[j].DesiredWeight })
	return rows, nil
}

// RenderSummary formats the run summary for the console report.
func RenderSummary(s Summary, signalDate time.Time) []string {
	return []string{
		fmt.Sprintf("weeks simulated: %d (cash: %d)", s.Weeks, s.CashWeeks),
		fmt.Sprintf("CAGR (%.2f yrs): %.2f%%", s.SpanYears, s.CAGR*100),
		fmt.Sprintf("max drawdown: %.2f%%", s.MaxDrawdown*100),
		fmt.Sprintf("final index: %.4f", s.FinalIndex),
		fmt.Sprintf("signal date: %s", signalDate.Format("2006-01-02")),
	}
}
