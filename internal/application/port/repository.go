package port

import (
	"context"
	"time"

	"momo/internal/domain/model"
)

// EventRepo records trade activity for external consumers. Writes are
// best-effort from the trading loop's perspective: failures are logged
// and the cycle continues.
type EventRepo interface {
	// Price operations
	UpsertLatestPrice(ctx context.Context, symbol string, price float64, ts int64) error

	// Trade event operations (kind is model.EventEntry / model.EventExit)
	InsertTradeEvent(ctx context.Context, ts int64, symbol, kind, payload string) error

	// Cycle snapshot operations
	InsertSnapshot(ctx context.Context, ts int64, payload string) error

	// Connection management
	Close() error
}

// PriceHistory stores the daily closes the rebalancing backtest runs on.
type PriceHistory interface {
	UpsertDailyClose(ctx context.Context, symbol string, date time.Time, close float64) error
	DailyCloses(ctx context.Context, symbols []string, from, to time.Time) (map[string][]model.ClosePoint, error)
	Close() error
}
