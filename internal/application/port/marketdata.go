package port

import (
	"context"
	"errors"
	"time"

	"momo/internal/domain/model"
)

// ErrSessionExpired marks a provider failure caused by invalid or
// expired credentials. Unlike transient errors it cannot heal on
// retry: callers must persist state and stop so the operator can
// re-authenticate.
var ErrSessionExpired = errors.New("session expired")

// QuoteProvider serves live quotes for the trading universe. Partial
// responses are allowed: symbols missing from the result are silently
// skipped by callers. Callers chunk large universes themselves.
type QuoteProvider interface {
	// BatchQuote returns open/last/volume per symbol.
	BatchQuote(ctx context.Context, symbols []string) (map[string]model.Quote, error)

	// LTP returns just the last traded price per symbol.
	LTP(ctx context.Context, symbols []string) (map[string]float64, error)
}

// BarProvider serves historical candles by instrument token.
type BarProvider interface {
	// MinuteBars returns minute-resolution bars in [from, to], ordered
	// by timestamp.
	MinuteBars(ctx context.Context, token string, from, to time.Time) ([]model.Bar, error)

	// DayBars returns daily bars in [from, to], ordered by timestamp.
	DayBars(ctx context.Context, token string, from, to time.Time) ([]model.Bar, error)
}

// InstrumentResolver maps a trading symbol to the provider's
// instrument token.
type InstrumentResolver interface {
	Token(symbol string) (string, bool)
}

// TickStream is an optional streaming source of last-traded prices.
type TickStream interface {
	Name() string
	Subscribe(ctx context.Context, tokens []string) (<-chan model.Tick, error)
}
