// Package pool maintains per-window exposure totals. Totals are applied
// inside the stake admission transaction only and are never decremented:
// they track admitted exposure, not settlement outcome.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

// DefaultWindow groups trades into one-minute pools by expiry.
const DefaultWindow = time.Minute

// Accumulator derives pool scopes and applies stake exposure.
type Accumulator struct {
	store  store.Store
	window time.Duration
}

// NewAccumulator creates an accumulator. window <= 0 uses DefaultWindow.
func NewAccumulator(st store.Store, window time.Duration) *Accumulator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Accumulator{store: st, window: window}
}

// Scope returns the pool key for a trade expiring at expiry: the start of
// its window in UTC, RFC 3339.
func (a *Accumulator) Scope(expiry time.Time) string {
	return expiry.UTC().Truncate(a.window).Format(time.RFC3339)
}

// Apply adds the trade's stake to its pool. Must be called inside the
// transaction that admits the trade.
func (a *Accumulator) Apply(ctx context.Context, tx store.Tx, trade *model.Trade) error {
	if trade.PoolScope == "" {
		return fmt.Errorf("pool: trade %s has no scope", trade.ID)
	}
	return tx.AddPoolExposure(ctx, trade.PoolScope, trade.Direction, decimal.NewFromInt(trade.Amount))
}

// Totals returns the up/down treasuries for scope. A scope with no admitted
// trades reports zero on both sides.
func (a *Accumulator) Totals(ctx context.Context, scope string) (model.Pool, error) {
	p, err := a.store.GetPool(ctx, scope)
	if errors.Is(err, store.ErrNotFound) {
		return model.Pool{Scope: scope, UpTreasury: decimal.Zero, DownTreasury: decimal.Zero}, nil
	}
	if err != nil {
		return model.Pool{}, err
	}
	return *p, nil
}
