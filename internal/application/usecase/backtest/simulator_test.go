package backtest

import (
	"math"
	"strings"
	"testing"
	"time"

	"momo/internal/domain/model"
	"momo/internal/domain/signal"
)

var testStart = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC) // a Friday

// dailyFromWeeks builds a one-symbol daily matrix with a close on each
// week's Friday and on the following Monday. skipMondays suppresses the
// Monday row of the given week indices.
func dailyFromWeeks(sym string, fridays, mondays []float64, skipMondays ...int) *signal.DailyMatrix {
	skip := make(map[int]bool)
	for _, i := range skipMondays {
		skip[i] = true
	}
	var pts []model.ClosePoint
	for k := range fridays {
		friday := testStart.AddDate(0, 0, 7*k)
		pts = append(pts, model.ClosePoint{Date: friday, Close: fridays[k]})
		if !skip[k] {
			pts = append(pts, model.ClosePoint{Date: friday.AddDate(0, 0, 3), Close: mondays[k]})
		}
	}
	return signal.NewDailyMatrix([]string{sym}, map[string][]model.ClosePoint{sym: pts})
}

var (
	testFridays = []float64{100, 120, 126, 151.2, 160, 170, 180}
	testMondays = []float64{101, 121, 127, 152.2, 161, 171, 181}
)

func TestSimulatorRealizesForwardReturns(t *testing.T) {
	daily := dailyFromWeeks("A", testFridays, testMondays)
	sim := &Simulator{Lookback: 2, TopN: 1, CashThreshold: -1e9}

	res := sim.Run(daily)
	if len(res.Weeks) != 2 {
		t.Fatalf("expected 2 realized weeks, got %d", len(res.Weeks))
	}

	// week i=2: entry Monday close 127, five rows forward lands on the
	// Friday close 170
	w := res.Weeks[0]
	if w.Cash {
		t.Fatal("expected invested week")
	}
	want := 170.0/127.0 - 1
	if math.Abs(w.Return-want) > 1e-12 {
		t.Errorf("return: expected %v, got %v", want, w.Return)
	}
	if got := w.Alloc.Weight("A"); got != 1.0 {
		t.Errorf("single-instrument weight should be 1.0, got %v", got)
	}

	want = 180.0/152.2 - 1
	if got := res.Weeks[1].Return; math.Abs(got-want) > 1e-12 {
		t.Errorf("second return: expected %v, got %v", want, got)
	}
}

func TestSimulatorSkipsMissingRealizationDate(t *testing.T) {
	daily := dailyFromWeeks("A", testFridays, testMondays, 2) // drop Monday of week 2
	sim := &Simulator{Lookback: 2, TopN: 1, CashThreshold: -1e9}

	res := sim.Run(daily)
	if len(res.Weeks) != 1 {
		t.Fatalf("step without a realization row must be skipped, got %d weeks", len(res.Weeks))
	}
	if got := res.Weeks[0].SignalDate; !got.Equal(testStart.AddDate(0, 0, 21)) {
		t.Errorf("surviving week should be the i=3 signal, got %v", got)
	}
}

func TestSimulatorCashWeeks(t *testing.T) {
	daily := dailyFromWeeks("A", testFridays, testMondays)
	sim := &Simulator{Lookback: 2, TopN: 1, CashThreshold: 1e9}

	res := sim.Run(daily)
	if len(res.Weeks) != 5 {
		t.Fatalf("expected 5 cash weeks (i=2..6), got %d", len(res.Weeks))
	}
	for _, w := range res.Weeks {
		if !w.Cash {
			t.Errorf("week %v should be cash", w.SignalDate)
		}
		if w.Return != 0 {
			t.Errorf("cash week must record zero return, got %v", w.Return)
		}
		if len(w.Alloc.Entries) != 0 {
			t.Errorf("cash week must carry no weights")
		}
	}
}

func TestCumulativeCompounds(t *testing.T) {
	res := &Result{Weeks: []Week{
		{Return: 0.10},
		{Return: 0, Cash: true},
		{Return: -0.05},
	}}
	cum := res.Cumulative()

	if math.Abs(cum[0]-1.10) > 1e-12 {
		t.Errorf("cum[0]: expected 1.10, got %v", cum[0])
	}
	for i := 1; i < len(cum); i++ {
		want := cum[i-1] * (1 + res.Weeks[i].Return)
		if math.Abs(cum[i]-want) > 1e-12 {
			t.Errorf("cum[%d]: expected %v, got %v", i, want, cum[i])
		}
	}
	if cum[len(cum)-1] <= 0 {
		t.Error("cumulative index must stay positive for returns above -100%")
	}
}

func TestSummarize(t *testing.T) {
	weeks := make([]Week, 0, 53)
	for i := 0; i < 53; i++ {
		w := Week{
			EntryDate: testStart.AddDate(0, 0, 7*i),
			Return:    0.01,
		}
		if i == 10 {
			w.Return = -0.20
			w.Cash = false
		}
		weeks = append(weeks, w)
	}
	weeks[5].Cash = true
	weeks[5].Return = 0

	s := (&Result{Weeks: weeks}).Summarize()
	if s.Weeks != 53 || s.CashWeeks != 1 {
		t.Errorf("counts: got weeks=%d cash=%d", s.Weeks, s.CashWeeks)
	}
	if s.MaxDrawdown > -0.19 || s.MaxDrawdown < -0.21 {
		t.Errorf("max drawdown should be about -20%%, got %v", s.MaxDrawdown)
	}
	if s.SpanYears < 0.9 || s.SpanYears > 1.1 {
		t.Errorf("span should be about a year, got %v", s.SpanYears)
	}
	if s.CAGR <= 0 {
		t.Errorf("mostly positive returns should yield positive CAGR, got %v", s.CAGR)
	}
	t.Logf("cagr=%.4f maxDD=%.4f final=%.4f", s.CAGR, s.MaxDrawdown, s.FinalIndex)
}

func TestLatestSignal(t *testing.T) {
	daily := dailyFromWeeks("A", testFridays, testMondays)
	sim := &Simulator{Lookback: 2, TopN: 1, CashThreshold: -1e9}

	alloc, date, ok := sim.LatestSignal(daily)
	if !ok {
		t.Fatal("expected a latest signal")
	}
	if alloc.Cash {
		t.Fatal("expected invested signal")
	}
	// final weekly row is the bucket of the last Monday observation
	if date.Before(testStart.AddDate(0, 0, 42)) {
		t.Errorf("signal date too early: %v", date)
	}

	short := dailyFromWeeks("A", testFridays[:1], testMondays[:1])
	if _, _, ok := sim.LatestSignal(short); ok {
		t.Error("insufficient history must yield no signal")
	}
}

func TestAllocationTable(t *testing.T) {
	daily := signal.NewDailyMatrix([]string{"A", "B"}, map[string][]model.ClosePoint{
		"A": {{Date: testStart, Close: 200}},
		"B": {{Date: testStart, Close: 50}},
	})
	alloc := signal.Allocation{Entries: []signal.WeightEntry{
		{Symbol: "A", Score: 2, Weight: 2.0 / 3.0},
		{Symbol: "B", Score: 1, Weight: 1.0 / 3.0},
	}}

	rows, err := AllocationTable(alloc, daily, 30000)
	if err != nil {
		t.Fatalf("allocation table failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Symbol != "A" {
		t.Errorf("rows should be sorted by weight, got %s first", rows[0].Symbol)
	}
	// A: 20000/200 = 100 shares, B: 10000/50 = 200 shares
	if rows[0].Qty != 100 || rows[1].Qty != 200 {
		t.Errorf("qty: expected 100/200, got %d/%d", rows[0].Qty, rows[1].Qty)
	}

	var achieved float64
	for _, r := range rows {
		achieved += r.AchievedWeight
	}
	if math.Abs(achieved-100) > 1e-9 {
		t.Errorf("achieved weights should sum to 100%%, got %v", achieved)
	}

	if _, err := AllocationTable(signal.Allocation{Cash: true}, daily, 30000); err == nil {
		t.Error("cash signal must not produce a table")
	}
}

func TestAllocationTableRejectsNonPositivePrice(t *testing.T) {
	// a literal 0.0 close counts as "priced" for date selection but
	// cannot be sized; the table must refuse rather than divide by it
	daily := signal.NewDailyMatrix([]string{"A", "B"}, map[string][]model.ClosePoint{
		"A": {{Date: testStart, Close: 200}},
		"B": {{Date: testStart, Close: 0}},
	})
	alloc := signal.Allocation{Entries: []signal.WeightEntry{
		{Symbol: "A", Score: 2, Weight: 0.5},
		{Symbol: "B", Score: 1, Weight: 0.5},
	}}

	_, err := AllocationTable(alloc, daily, 30000)
	if err == nil {
		t.Fatal("expected error for zero close price")
	}
	if !strings.Contains(err.Error(), "B") {
		t.Errorf("error should name the offending symbol, got %v", err)
	}
}
