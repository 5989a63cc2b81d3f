package port

import (
	"context"

	"momo/internal/domain/model"
)

// StateStore persists the trade state across restarts. Save must be
// atomic from a reader's perspective: a crash mid-write can never leave
// a partially written snapshot behind. Load returns the empty state
// (not an error) when nothing was ever saved; corrupt or unreadable
// data is an error the caller treats as fatal.
type StateStore interface {
	Save(ctx context.Context, st model.TradeState) error
	Load(ctx context.Context) (model.TradeState, error)
}
