// Package round keeps per-window OHLC price rounds for charting and lets
// an operator override them. Rounds never feed settlement: overriding a
// round leaves every trade untouched.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/oracle"
	"github.com/atmx/updown-engine/internal/store"
)

// ErrInvalidOverride is returned for an override that would leave the
// round inconsistent.
var ErrInvalidOverride = errors.New("round: invalid override")

// Tracker samples prices into rounds.
type Tracker struct {
	store   store.Store
	window  time.Duration
	oracle  oracle.Oracle
	chainID string
	pub     events.Publisher
	logger  *slog.Logger
}

// NewTracker creates a tracker with rounds of length window. orc may be
// nil when only Sample and Override are used.
func NewTracker(st store.Store, window time.Duration, orc oracle.Oracle, chainID string, pub events.Publisher, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = time.Minute
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, window: window, oracle: orc, chainID: chainID, pub: pub, logger: logger}
}

// ID returns the ID of the round containing at.
func (t *Tracker) ID(at time.Time) string {
	return at.UTC().Truncate(t.window).Format(time.RFC3339)
}

// Sample folds price into the round containing at. Overridden rounds are
// left as the operator set them.
func (t *Tracker) Sample(ctx context.Context, price decimal.Decimal, at time.Time) (*model.Round, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("round: non-positive price %s", price)
	}
	id := t.ID(at)

	var (
		round   *model.Round
		changed bool
	)
	err := t.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetRoundForUpdate(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			r = &model.Round{
				ID:        id,
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
				StartedAt: at.UTC().Truncate(t.window),
			}
		case err != nil:
			return err
		case r.Overridden:
			round = r
			return nil
		default:
			r.High = decimal.Max(r.High, price)
			r.Low = decimal.Min(r.Low, price)
			r.Close = price
		}
		round, changed = r, true
		return tx.UpsertRound(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		t.pub.Publish(ctx, model.EventRoundUpdated, round)
	}
	return round, nil
}

// SampleOracle samples the tracker's oracle into the round containing at.
func (t *Tracker) SampleOracle(ctx context.Context, at time.Time) error {
	if t.oracle == nil {
		return nil
	}
	price, err := t.oracle.CurrentPrice(ctx, t.chainID)
	if err != nil {
		return err
	}
	_, err = t.Sample(ctx, price, at)
	return err
}

// OverrideRequest forces some or all of a round's values. Nil fields keep
// their current value.
type OverrideRequest struct {
	Open          *decimal.Decimal `json:"open,omitempty"`
	High          *decimal.Decimal `json:"high,omitempty"`
	Low           *decimal.Decimal `json:"low,omitempty"`
	Close         *decimal.Decimal `json:"close,omitempty"`
	ForcedOutcome model.Direction  `json:"forced_outcome,omitempty"`
}

// Override applies req to round id, creating the round if it has never
// been sampled. The round is marked overridden and later samples skip it.
func (t *Tracker) Override(ctx context.Context, id string, req OverrideRequest) (*model.Round, error) {
	startedAt, err := time.Parse(time.RFC3339, id)
	if err != nil {
		return nil, fmt.Errorf("%w: round id %q is not an RFC 3339 window start", ErrInvalidOverride, id)
	}
	if req.ForcedOutcome != "" && !req.ForcedOutcome.Valid() {
		return nil, fmt.Errorf("%w: forced outcome must be up or down", ErrInvalidOverride)
	}

	var round *model.Round
	err = t.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetRoundForUpdate(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			r = &model.Round{ID: id, StartedAt: startedAt.UTC()}
		} else if err != nil {
			return err
		}

		for _, f := range []struct {
			dst *decimal.Decimal
			src *decimal.Decimal
		}{{&r.Open, req.Open}, {&r.High, req.High}, {&r.Low, req.Low}, {&r.Close, req.Close}} {
			if f.src != nil {
				*f.dst = *f.src
			}
		}
		if req.ForcedOutcome != "" {
			r.ForcedOutcome = req.ForcedOutcome
		}
		if err := checkOHLC(r); err != nil {
			return err
		}
		r.Overridden = true

		round = r
		return tx.UpsertRound(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	t.logger.Warn("round overridden", "round_id", id, "forced_outcome", round.ForcedOutcome)
	t.pub.Publish(ctx, model.EventRoundUpdated, round)
	return round, nil
}

func checkOHLC(r *model.Round) error {
	for name, v := range map[string]decimal.Decimal{"open": r.Open, "high": r.High, "low": r.Low, "close": r.Close} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s is negative", ErrInvalidOverride, name)
		}
	}
	if r.High.LessThan(r.Low) {
		return fmt.Errorf("%w: high %s below low %s", ErrInvalidOverride, r.High, r.Low)
	}
	for _, v := range []decimal.Decimal{r.Open, r.Close} {
		if v.GreaterThan(r.High) || v.LessThan(r.Low) {
			return fmt.Errorf("%w: %s outside [%s, %s]", ErrInvalidOverride, v, r.Low, r.High)
		}
	}
	return nil
}
