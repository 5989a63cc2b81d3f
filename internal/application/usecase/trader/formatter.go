package trader

import (
	"fmt"

	"momo/internal/application/service"
	"momo/internal/domain/model"
)

// Human-readable lines for the console sink, one per lifecycle event.

func entryLine(c model.Candidate, qty int) string {
	prev := "NA"
	if c.HasPrev {
		prev = fmt.Sprintf("%.2f", c.VWAPPrev)
	}
	return fmt.Sprintf("ENTRY %s | qty %d | price ₹%.2f | vwap ₹%.2f | vwap-prev %s | chg %.2f%% | vol %d | score %.2f",
		c.Symbol, qty, c.LastPrice, c.VWAP, prev, c.PctChange, c.Volume, c.Score)
}

func exitLine(p model.Position, price float64, pair service.VWAPPair, stop, pnl float64) string {
	vwap := "NA"
	if pair.HasNow {
		vwap = fmt.Sprintf("%.2f", pair.Now)
	}
	return fmt.Sprintf("EXIT %s | ltp ₹%.2f | vwap %s | stop ₹%.2f | pnl ₹%.2f",
		p.Symbol, price, vwap, stop, pnl)
}

func holdLine(p model.Position, price float64, pair service.VWAPPair) string {
	trend := "NA"
	if pair.HasNow && pair.HasPrev {
		switch {
		case pair.Now > pair.Prev:
			trend = "rising"
		case pair.Now < pair.Prev:
			trend = "falling"
		default:
			trend = "flat"
		}
	}
	return fmt.Sprintf("HOLD %s | entry ₹%.2f | ltp ₹%.2f | pnl ₹%.2f | vwap trend %s",
		p.Symbol, p.EntryPrice, price, p.UnrealizedPnL(price), trend)
}

func summaryLines(open, closed int, unrealized, realized, capital float64) []string {
	pct := func(v float64) float64 {
		if capital == 0 {
			return 0
		}
		return v / capital * 100
	}
	total := realized + unrealized
	return []string{
		fmt.Sprintf("open positions: %d | realized trades: %d", open, closed),
		fmt.Sprintf("unrealized P&L: ₹%.2f (%.2f%%)", unrealized, pct(unrealized)),
		fmt.Sprintf("realized P&L:   ₹%.2f (%.2f%%)", realized, pct(realized)),
		fmt.Sprintf("total P&L:      ₹%.2f (%.2f%%)", total, pct(total)),
	}
}
