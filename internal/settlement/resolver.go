// Package settlement resolves expired trades against the price oracle and
// drives the periodic settlement loop.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/oracle"
	"github.com/atmx/updown-engine/internal/store"
)

// DefaultPayoutMultiplier is the gross return on a winning stake.
var DefaultPayoutMultiplier = decimal.RequireFromString("1.8")

// Config tunes resolution.
type Config struct {
	PayoutMultiplier decimal.Decimal
	// DemoCeiling bounds demo balances when CapDemoPayouts is set.
	DemoCeiling    decimal.Decimal
	CapDemoPayouts bool
	// ChainID selects the oracle feed.
	ChainID    string
	TxAttempts int
}

// Outcome describes one call to Resolve.
type Outcome struct {
	TradeID     string          `json:"trade_id"`
	UserID      string          `json:"user_id"`
	Result      model.Result    `json:"result"`
	StartPrice  decimal.Decimal `json:"start_price"`
	SettlePrice decimal.Decimal `json:"settle_price"`
	// Payout is the amount actually credited.
	Payout decimal.Decimal `json:"payout"`
	// Balance is the user's balance after the credit; set on wins only.
	Balance decimal.Decimal `json:"balance"`
	// AlreadySettled is true when the trade had been resolved before this
	// call. Nothing was written.
	AlreadySettled bool `json:"already_settled"`
}

// Resolver settles single trades. Safe for concurrent use: two resolutions
// of the same trade serialize on the trade lock and the second one observes
// the first one's result.
type Resolver struct {
	store  store.Store
	oracle oracle.Oracle
	pub    events.Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver. A nil publisher discards events.
func NewResolver(st store.Store, orc oracle.Oracle, pub events.Publisher, cfg Config, logger *slog.Logger) *Resolver {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.PayoutMultiplier.IsPositive() {
		cfg.PayoutMultiplier = DefaultPayoutMultiplier
	}
	if cfg.TxAttempts <= 0 {
		cfg.TxAttempts = store.DefaultTxAttempts
	}
	return &Resolver{
		store:  st,
		oracle: orc,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Decide returns the result of a trade settled at price. The price must
// strictly clear the start price in the chosen direction; a tie loses.
func Decide(dir model.Direction, start, price decimal.Decimal) model.Result {
	switch {
	case dir == model.DirectionUp && price.GreaterThan(start):
		return model.ResultWin
	case dir == model.DirectionDown && price.LessThan(start):
		return model.ResultWin
	}
	return model.ResultLoss
}

// Resolve settles the trade if it is still pending. Calling it again for a
// settled trade returns Outcome.AlreadySettled and no error. When the oracle
// is unavailable the error wraps oracle.ErrOracleUnavailable and the trade
// stays pending.
func (r *Resolver) Resolve(ctx context.Context, tradeID string) (Outcome, error) {
	start := time.Now()

	var out Outcome
	err := store.Transact(ctx, r.store, r.cfg.TxAttempts, func(tx store.Tx) error {
		out = Outcome{TradeID: tradeID}

		trade, err := tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return fmt.Errorf("load trade: %w", err)
		}
		out.UserID = trade.UserID
		if trade.Settled() {
			out.Result = trade.Result
			out.Payout = trade.Payout
			out.AlreadySettled = true
			return nil
		}

		price, err := r.oracle.CurrentPrice(ctx, r.cfg.ChainID)
		if err != nil {
			return fmt.Errorf("fetch price: %w", err)
		}
		if !trade.StartPrice.Valid {
			trade.StartPrice = decimal.NewNullDecimal(price)
		}
		now := r.now()
		result := Decide(trade.Direction, trade.StartPrice.Decimal, price)

		trade.Result = result
		trade.SettlePrice = decimal.NewNullDecimal(price)
		trade.Payout = decimal.Zero
		trade.SettledAt = &now

		out.Result = result
		out.StartPrice = trade.StartPrice.Decimal
		out.SettlePrice = price
		out.Payout = decimal.Zero

		if result == model.ResultWin {
			credit, balance, err := r.credit(ctx, tx, trade, now)
			if err != nil {
				return err
			}
			trade.Payout = credit
			out.Payout = credit
			out.Balance = balance
		}

		if err := tx.SettleTrade(ctx, trade); err != nil {
			return fmt.Errorf("settle trade: %w", err)
		}

		user, err := tx.GetUserForUpdate(ctx, trade.UserID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		return tx.AppendAudit(ctx, &model.AuditEntry{
			ID:            uuid.New().String(),
			UserID:        trade.UserID,
			TradeID:       trade.ID,
			EventType:     model.AuditSettlement,
			Amount:        decimal.Zero,
			BeforeBalance: user.Balance,
			AfterBalance:  user.Balance,
			Metadata: map[string]string{
				"result":       string(result),
				"direction":    string(trade.Direction),
				"start_price":  trade.StartPrice.Decimal.String(),
				"settle_price": price.String(),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		metrics.SettlementFailures.WithLabelValues(failureReason(err)).Inc()
		return Outcome{TradeID: tradeID}, err
	}
	if out.AlreadySettled {
		return out, nil
	}

	metrics.SettlementsTotal.WithLabelValues(string(out.Result)).Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	r.logger.Info("trade settled",
		"trade_id", out.TradeID,
		"user_id", out.UserID,
		"result", out.Result,
		"start_price", out.StartPrice,
		"settle_price", out.SettlePrice,
		"payout", out.Payout,
	)

	r.pub.Publish(ctx, model.EventTradeSettled, model.SettlementEvent{TradeID: out.TradeID, UserID: out.UserID, Result: out.Result})
	if out.Result == model.ResultWin {
		r.pub.Publish(ctx, model.EventBalanceUpdated, model.BalanceEvent{UserID: out.UserID, Balance: out.Balance})
	}
	return out, nil
}

// credit pays out a winning trade and appends its payout entry. It returns
// the amount credited, which is below the gross payout only for demo
// accounts capped at the ceiling.
func (r *Resolver) credit(ctx context.Context, tx store.Tx, trade *model.Trade, now time.Time) (decimal.Decimal, decimal.Decimal, error) {
	user, err := tx.GetUserForUpdate(ctx, trade.UserID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("load user: %w", err)
	}

	gross := decimal.NewFromInt(trade.Amount).Mul(r.cfg.PayoutMultiplier)
	credit := gross
	if user.AccountType == model.AccountDemo && r.cfg.CapDemoPayouts && r.cfg.DemoCeiling.IsPositive() {
		room := r.cfg.DemoCeiling.Sub(user.Balance)
		if room.IsNegative() {
			room = decimal.Zero
		}
		credit = decimal.Min(credit, room)
	}

	before, after, err := tx.AdjustBalance(ctx, user.ID, credit)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("credit payout: %w", err)
	}
	if err := tx.AppendAudit(ctx, &model.AuditEntry{
		ID:            uuid.New().String(),
		UserID:        user.ID,
		TradeID:       trade.ID,
		EventType:     model.AuditPayout,
		Amount:        credit,
		BeforeBalance: before,
		AfterBalance:  after,
		Metadata: map[string]string{
			"gross_payout": gross.String(),
			"multiplier":   r.cfg.PayoutMultiplier.String(),
		},
		CreatedAt: now,
	}); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("append payout audit: %w", err)
	}
	return credit, after, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, store.ErrTxConflict):
		return "conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
