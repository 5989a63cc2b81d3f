package signal

import (
	"math"
	"sort"
	"time"
)

// ScoreMatrix holds per-week momentum/volatility scores aligned to the
// weekly matrix it was derived from. NaN cells mean "undefined": the
// symbol had insufficient history or zero volatility for that week and
// must be excluded from ranking, never scored as zero.
type ScoreMatrix struct {
	weeks   []time.Time
	symbols []string
	scores  map[string][]float64
}

// Scores computes score = momentum / volatility per symbol per week.
// Momentum is the percentage change over lookback weekly rows;
// volatility the sample standard deviation of the weekly returns over
// the same window. Gaps (NaN closes) propagate into undefined scores.
func (w *WeeklyMatrix) Scores(lookback int) *ScoreMatrix {
	n := w.Len()
	sm := &ScoreMatrix{
		weeks:   w.weeks,
		symbols: w.symbols,
		scores:  make(map[string][]float64, len(w.symbols)),
	}

	for _, sym := range w.symbols {
		closes := w.closes[sym]

		rets := make([]float64, n)
		for i := range rets {
			rets[i] = math.NaN()
			if i == 0 {
				continue
			}
			if cur, prev := closes[i], closes[i-1]; !math.IsNaN(cur) && !math.IsNaN(prev) && prev != 0 {
				rets[i] = cur/prev - 1
			}
		}

		row := make([]float64, n)
		for i := range row {
			row[i] = math.NaN()
			if i < lookback {
				continue
			}
			cur, base := closes[i], closes[i-lookback]
			if math.IsNaN(cur) || math.IsNaN(base) || base == 0 {
				continue
			}
			momentum := cur/base - 1

			vol, ok := sampleStd(rets[i-lookback+1 : i+1])
			if !ok || vol == 0 {
				continue
			}
			row[i] = momentum / vol
		}
		sm.scores[sym] = row
	}
	return sm
}

// sampleStd is the ddof=1 standard deviation; ok is false when any
// value is NaN or fewer than two values are present.
func sampleStd(vals []float64) (float64, bool) {
	if len(vals) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range vals {
		if math.IsNaN(v) {
			return 0, false
		}
		sum += v
	}
	mean := sum / float64(len(vals))
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)-1)), true
}

func (s *ScoreMatrix) Len() int { return len(s.weeks) }

func (s *ScoreMatrix) Week(i int) time.Time { return s.weeks[i] }

func (s *ScoreMatrix) Symbols() []string { return s.symbols }

// ScoreAt returns the score of symbol at week row i; ok is false when
// the score is undefined.
func (s *ScoreMatrix) ScoreAt(sym string, i int) (float64, bool) {
	row, ok := s.scores[sym]
	if !ok || i < 0 || i >= len(row) || math.IsNaN(row[i]) {
		return 0, false
	}
	return row[i], true
}

// WeightEntry is one selected instrument with its score and the
// score-proportional weight assigned to it.
type WeightEntry struct {
	Symbol string
	Score  float64
	Weight float64
}

// Allocation is the outcome of one week's selection: either a weight
// vector over the chosen instruments or a cash week with no entries.
type Allocation struct {
	Entries  []WeightEntry
	AvgScore float64
	Cash     bool
}

// Weight reports the weight assigned to a symbol, zero if unselected.
func (a Allocation) Weight(sym string) float64 {
	for _, e := range a.Entries {
		if e.Symbol == sym {
			return e.Weight
		}
	}
	return 0
}

// SelectWeights picks the target allocation for week row i. Instruments
// with undefined scores are dropped; the remaining are ranked by
// descending score (stable, so matrix order breaks ties) and the top N
// kept. If the mean of the kept scores is below cashThreshold, or
// nothing has a defined score, the week is cash. Otherwise weights are
// proportional to score: weight = score / sum(selected scores).
func (s *ScoreMatrix) SelectWeights(i, topN int, cashThreshold float64) Allocation {
	ranked := make([]WeightEntry, 0, len(s.symbols))
	for _, sym := range s.symbols {
		if v, ok := s.ScoreAt(sym, i); ok {
			ranked = append(ranked, WeightEntry{Symbol: sym, Score: v})
		}
	}
	if len(ranked) == 0 {
		return Allocation{Cash: true}
	}

	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].Score > ranked[b].Score })
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}

	var sum float64
	for _, e := range ranked {
		sum += e.Score
	}
	avg := sum / float64(len(ranked))
	if avg < cashThreshold {
		return Allocation{AvgScore: avg, Cash: true}
	}

	for j := range ranked {
		ranked[j].Weight = ranked[j].Score / sum
	}
	return Allocation{Entries: ranked, AvgScore: avg}
}
