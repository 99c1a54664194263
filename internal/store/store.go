// Package store defines the Ledger Store for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and local development).
//
// Every balance, trade, pool, and audit mutation happens inside InTx. A
// transaction either applies all of its writes or none of them.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// InTx runs fn inside one atomic transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged, except
	// that storage serialization failures are reported as ErrTxConflict.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Users ---

	// CreateUser persists a new user with its opening balance.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Trades ---

	// GetTrade retrieves a trade by ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByUser returns a user's trades, newest first.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// ListExpiredPending returns pending trades with expiry <= now, oldest
	// expiry first. limit <= 0 means no limit.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Trade, error)

	// --- Immutable audit log ---

	// ListAuditByUser returns all audit entries for a user in write order.
	ListAuditByUser(ctx context.Context, userID string) ([]model.AuditEntry, error)

	// ListAuditByTrade returns all audit entries tied to a trade.
	ListAuditByTrade(ctx context.Context, tradeID string) ([]model.AuditEntry, error)

	// --- Pools and rounds ---

	// GetPool returns the exposure totals for a scope.
	GetPool(ctx context.Context, scope string) (*model.Pool, error)

	// GetRound retrieves a round by ID.
	GetRound(ctx context.Context, id string) (*model.Round, error)
}

// Tx is the set of operations available inside a transaction. Reads through
// Tx observe the transaction's own writes and lock the rows they return.
type Tx interface {
	// GetUserForUpdate reads a user and locks it until the transaction ends.
	GetUserForUpdate(ctx context.Context, id string) (*model.User, error)

	// AdjustBalance adds delta to the user's balance and returns the balance
	// before and after. It fails with ErrNegativeBalance instead of letting
	// the balance drop below zero.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (before, after decimal.Decimal, err error)

	// GetTradeForUpdate reads a trade and locks it until the transaction ends.
	GetTradeForUpdate(ctx context.Context, id string) (*model.Trade, error)

	// InsertTrade persists a new pending trade.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// SettleTrade writes the result, prices, payout and settlement time of
	// a trade that is still pending. Returns ErrAlreadySettled otherwise.
	SettleTrade(ctx context.Context, trade *model.Trade) error

	// AddPoolExposure adds amount to the scope's treasury for dir.
	AddPoolExposure(ctx context.Context, scope string, dir model.Direction, amount decimal.Decimal) error

	// AppendAudit appends an immutable audit entry.
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error

	// ListAuditByUser returns the user's audit entries in write order,
	// including entries appended earlier in this transaction. Read after
	// GetUserForUpdate it is consistent with the locked balance.
	ListAuditByUser(ctx context.Context, userID string) ([]model.AuditEntry, error)

	// GetRoundForUpdate reads a round and locks it until the transaction ends.
	GetRoundForUpdate(ctx context.Context, id string) (*model.Round, error)

	// UpsertRound creates or replaces a round.
	UpsertRound(ctx context.Context, round *model.Round) error
}
