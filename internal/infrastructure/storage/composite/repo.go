package composite

import (
	"context"

	"momo/internal/application/port"
)

type Repo struct {
	repos []port.EventRepo
}

func New(repos ...port.EventRepo) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.EventRepo, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

func (r *Repo) UpsertLatestPrice(ctx context.Context, symbol string, price float64, ts int64) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.UpsertLatestPrice(ctx, symbol, price, ts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) InsertTradeEvent(ctx context.Context, ts int64, symbol, kind, payload string) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.InsertTradeEvent(ctx, ts, symbol, kind, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) InsertSnapshot(ctx context.Context, ts int64, payload string) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.InsertSnapshot(ctx, ts, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Close() error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.EventRepo = (*Repo)(nil)
