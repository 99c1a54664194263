// Package stake admits new trades: it validates a request, debits the
// stake, records the trade, updates its pool and appends the audit entry,
// all in one ledger transaction.
package stake

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
	"github.com/atmx/updown-engine/internal/pool"
	"github.com/atmx/updown-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when the balance is below the stake.
	ErrInsufficientFunds = errors.New("stake: insufficient funds")
	// ErrDemoCeilingExceeded is returned when a demo account stakes more
	// than the demo ceiling, or already holds more than it.
	ErrDemoCeilingExceeded = errors.New("stake: demo ceiling exceeded")
)

// DefaultDemoCeiling caps demo stakes and demo balances.
var DefaultDemoCeiling = decimal.NewFromInt(1000)

// Request asks to place a stake.
type Request struct {
	UserID    string          `json:"user_id" validate:"nonzero"`
	Amount    int64           `json:"amount" validate:"min=1"`
	Direction model.Direction `json:"direction"`
	// StrikePrice, when positive, fixes the start price at admission.
	StrikePrice decimal.Decimal `json:"strike_price"`
	Expiry      time.Time       `json:"expiry"`
}

// Config tunes admission.
type Config struct {
	DemoCeiling decimal.Decimal
	MaxHorizon  time.Duration
	TxAttempts  int
}

// Controller admits stakes.
type Controller struct {
	store  store.Store
	pools  *pool.Accumulator
	pub    events.Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	prices  oracle.Oracle
	chainID string
}

// NewController creates an admission controller. A nil publisher discards
// events.
func NewController(st store.Store, pools *pool.Accumulator, pub events.Publisher, cfg Config, logger *slog.Logger) *Controller {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DemoCeiling.IsZero() {
		cfg.DemoCeiling = DefaultDemoCeiling
	}
	if cfg.TxAttempts <= 0 {
		cfg.TxAttempts = store.DefaultTxAttempts
	}
	return &Controller{
		store:  st,
		pools:  pools,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the admission clock.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// WithOracle makes admission fix the start price of stakes placed without
// a strike price from the current oracle price. Without it the start price
// is captured at settlement.
func (c *Controller) WithOracle(orc oracle.Oracle, chainID string) *Controller {
	c.prices = orc
	c.chainID = chainID
	return c
}

// PlaceStake validates req and admits it atomically. On success the
// returned trade is pending and the user's balance has been debited by
// exactly req.Amount.
func (c *Controller) PlaceStake(ctx context.Context, req Request) (*model.Trade, error) {
	start := time.Now()
	now := c.now()

	if err := Validate(req, now, c.cfg.MaxHorizon); err != nil {
		metrics.StakesTotal.WithLabelValues(string(req.Direction), "invalid").Inc()
		return nil, err
	}

	amount := decimal.NewFromInt(req.Amount)
	trade := &model.Trade{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		Amount:      req.Amount,
		Direction:   req.Direction,
		StrikePrice: req.StrikePrice,
		Expiry:      req.Expiry.UTC(),
		Result:      model.ResultPending,
		Payout:      decimal.Zero,
		PoolScope:   c.pools.Scope(req.Expiry),
		CreatedAt:   now,
	}
	switch {
	case req.StrikePrice.IsPositive():
		trade.StartPrice = decimal.NewNullDecimal(req.StrikePrice)
	case c.prices != nil:
		price, err := c.prices.CurrentPrice(ctx, c.chainID)
		if err != nil {
			metrics.StakesTotal.WithLabelValues(string(req.Direction), outcomeLabel(err)).Inc()
			return nil, fmt.Errorf("fetch start price: %w", err)
		}
		trade.StartPrice = decimal.NewNullDecimal(price)
	}

	var balance decimal.Decimal
	err := store.Transact(ctx, c.store, c.cfg.TxAttempts, func(tx store.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if user.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		if user.AccountType == model.AccountDemo &&
			(amount.GreaterThan(c.cfg.DemoCeiling) || user.Balance.GreaterThan(c.cfg.DemoCeiling)) {
			return ErrDemoCeilingExceeded
		}

		before, after, err := tx.AdjustBalance(ctx, user.ID, amount.Neg())
		if err != nil {
			if errors.Is(err, store.ErrNegativeBalance) {
				return ErrInsufficientFunds
			}
			return fmt.Errorf("debit stake: %w", err)
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if err := c.pools.Apply(ctx, tx, trade); err != nil {
			return fmt.Errorf("apply pool: %w", err)
		}
		if err := tx.AppendAudit(ctx, &model.AuditEntry{
			ID:            uuid.New().String(),
			UserID:        user.ID,
			TradeID:       trade.ID,
			EventType:     model.AuditStake,
			Amount:        amount.Neg(),
			BeforeBalance: before,
			AfterBalance:  after,
			Metadata: map[string]string{
				"direction":  string(trade.Direction),
				"expiry":     trade.Expiry.Format(time.RFC3339),
				"pool_scope": trade.PoolScope,
			},
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		balance = after
		return nil
	})
	if err != nil {
		metrics.StakesTotal.WithLabelValues(string(req.Direction), outcomeLabel(err)).Inc()
		return nil, err
	}

	metrics.StakesTotal.WithLabelValues(string(trade.Direction), "accepted").Inc()
	metrics.PoolExposure.WithLabelValues(string(trade.Direction)).Add(float64(trade.Amount))
	metrics.AdmissionLatency.Observe(time.Since(start).Seconds())

	c.logger.Info("stake admitted",
		"trade_id", trade.ID,
		"user_id", trade.UserID,
		"amount", trade.Amount,
		"direction", trade.Direction,
		"expiry", trade.Expiry,
	)

	c.pub.Publish(ctx, model.EventTradePlaced, model.NewTradeEvent(trade))
	c.pub.Publish(ctx, model.EventBalanceUpdated, model.BalanceEvent{UserID: trade.UserID, Balance: balance})
	return trade, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDemoCeilingExceeded):
		return "demo_ceiling"
	case errors.Is(err, store.ErrNotFound):
		return "unknown_user"
	case errors.Is(err, oracle.ErrOracleUnavailable):
		return "oracle_unavailable"
	}
	return "error"
}
