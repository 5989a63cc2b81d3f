package backtest

import (
	"time"

	"github.com/rs/zerolog/log"

	"momo/internal/domain/signal"
)

const forwardRows = 5 // one simulated week of trading days

// Week is one simulation step: the signal week, the resulting
// allocation (nil entries for cash weeks) and the realized one-week
// forward return. Records are immutable once appended.
type Week struct {
	SignalDate time.Time
	EntryDate  time.Time
	Return     float64
	Cash       bool
	Alloc      signal.Allocation
}

// Result owns the ordered week sequence of a single run.
type Result struct {
	Weeks []Week
}

// Cumulative derives the compounded return index over the run.
func (r *Result) Cumulative() []float64 {
	out := make([]float64, len(r.Weeks))
	acc := 1.0
	for i, w := range r.Weeks {
		acc *= 1 + w.Return
		out[i] = acc
	}
	return out
}

// Simulator replays the weekly scoring over historical daily closes.
type Simulator struct {
	Lookback      int
	TopN          int
	CashThreshold float64
}

// Run walks every usable week: score it, pick weights, then realize
// the allocation at the first trading day three calendar days after
// the signal Friday and mark to market five trading rows later.
//
// A step whose realization date is absent from the daily index, whose
// forward row falls off the end of history, or whose selected
// instruments are missing a price at either end is skipped outright:
// no record is appended. Recording phantom zero-return weeks would
// silently inflate the cumulative index.
func (s *Simulator) Run(daily *signal.DailyMatrix) *Result {
	weekly := daily.Weekly()
	scores := weekly.Scores(s.Lookback)

	res := &Result{}
	for i := s.Lookback; i < scores.Len(); i++ {
		signalDate := scores.Week(i)
		entryDate := signalDate.AddDate(0, 0, 3) // following Monday

		idx, ok := daily.DateIndex(entryDate)
		if !ok {
			log.Debug().Time("entry", entryDate).Msg("no price row on realization date, step skipped")
			continue
		}

		alloc := scores.SelectWeights(i, s.TopN, s.CashThreshold)
		if alloc.Cash {
			res.Weeks = append(res.Weeks, Week{
				SignalDate: signalDate,
				EntryDate:  entryDate,
				Cash:       true,
				Alloc:      alloc,
			})
			continue
		}

		if idx+forwardRows >= daily.Len() {
			log.Debug().Time("entry", entryDate).Msg("insufficient forward history, step skipped")
			continue
		}

		ret, ok := realize(daily, alloc, idx)
		if !ok {
			log.Debug().Time("entry", entryDate).Msg("selected instrument missing price, step skipped")
			continue
		}

		res.Weeks = append(res.Weeks, Week{
			SignalDate: signalDate,
			EntryDate:  entryDate,
			Return:     ret,
			Alloc:      alloc,
		})
	}
	return res
}

func realize(daily *signal.DailyMatrix, alloc signal.Allocation, idx int) (float64, bool) {
	var ret float64
	for _, e := range alloc.Entries {
		entry, ok := daily.PriceAt(e.Symbol, idx)
		if !ok || entry == 0 {
			return 0, false
		}
		fwd, ok := daily.PriceAt(e.Symbol, idx+forwardRows)
		if !ok {
			return 0, false
		}
		ret += e.Weight * (fwd/entry - 1)
	}
	return ret, true
}

// LatestSignal scores the final weekly row and returns its allocation:
// the live rebalancing signal. It is computed outside the simulation
// because the final week never has forward history to realize against.
func (s *Simulator) LatestSignal(daily *signal.DailyMatrix) (signal.Allocation, time.Time, bool) {
	scores := daily.Weekly().Scores(s.Lookback)
	last := scores.Len() - 1
	if last < s.Lookback {
		return signal.Allocation{}, time.Time{}, false
	}
	return scores.SelectWeights(last, s.TopN, s.CashThreshold), scores.Week(last), true
}
