package trader

import (
	"context"

	"momo/internal/application/port"
)

// noopRepo 没有启用任何事件后端时的占位实现
type noopRepo struct{}

func NewNoopRepo() port.EventRepo { return &noopRepo{} }

func (n *noopRepo) UpsertLatestPrice(ctx context.Context, symbol string, price float64, ts int64) error {
	return nil
}

func (n *noopRepo) InsertTradeEvent(ctx context.Context, ts int64, symbol, kind, payload string) error {
	return nil
}

func (n *noopRepo) InsertSnapshot(ctx context.Context, ts int64, payload string) error {
	return nil
}

func (n *noopRepo) Close() error { return nil }
