// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType distinguishes funded accounts from simulated play.
type AccountType string

const (
	AccountReal AccountType = "real"
	AccountDemo AccountType = "demo"
)

// Direction is the side a stake predicts relative to its start price.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// Result is the settlement state of a trade. The only legal transitions
// are pending → win and pending → loss.
type Result string

const (
	ResultPending Result = "pending"
	ResultWin     Result = "win"
	ResultLoss    Result = "loss"
)

// AuditEventType classifies an audit entry.
type AuditEventType string

const (
	AuditStake      AuditEventType = "stake"
	AuditPayout     AuditEventType = "payout"
	AuditSettlement AuditEventType = "settlement"
)

// User holds the authoritative balance. Balance is mutated only through
// transactional balance deltas, never assigned from client input.
type User struct {
	ID             string          `json:"id" db:"id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	AccountType    AccountType     `json:"account_type" db:"account_type"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Trade is a directional stake with a fixed amount and expiry.
type Trade struct {
	ID          string              `json:"id" db:"id"`
	UserID      string              `json:"user_id" db:"user_id"`
	Amount      int64               `json:"amount" db:"amount"`
	Direction   Direction           `json:"direction" db:"direction"`
	StrikePrice decimal.Decimal     `json:"strike_price" db:"strike_price"`
	StartPrice  decimal.NullDecimal `json:"start_price" db:"start_price"`   // captured lazily at settlement
	SettlePrice decimal.NullDecimal `json:"settle_price" db:"settle_price"` // oracle price used to resolve
	Expiry      time.Time           `json:"expiry" db:"expiry"`
	Result      Result              `json:"result" db:"result"`
	Payout      decimal.Decimal     `json:"payout" db:"payout"`
	PoolScope   string              `json:"pool_scope" db:"pool_scope"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
	SettledAt   *time.Time          `json:"settled_at,omitempty" db:"settled_at"`
}

// Settled reports whether the trade has left the pending state.
func (t *Trade) Settled() bool {
	return t.Result != ResultPending
}

// Round is a price window used for charting and admin overrides. It is not
// consulted by settlement math.
type Round struct {
	ID            string          `json:"id" db:"id"`
	Open          decimal.Decimal `json:"open" db:"open"`
	High          decimal.Decimal `json:"high" db:"high"`
	Low           decimal.Decimal `json:"low" db:"low"`
	Close         decimal.Decimal `json:"close" db:"close"`
	StartedAt     time.Time       `json:"started_at" db:"started_at"`
	Overridden    bool            `json:"overridden" db:"overridden"`
	ForcedOutcome Direction       `json:"forced_outcome,omitempty" db:"forced_outcome"`
}

// Pool tracks admitted exposure by direction for one scope. Totals only
// ever grow.
type Pool struct {
	Scope        string          `json:"scope" db:"scope"`
	UpTreasury   decimal.Decimal `json:"up_treasury" db:"up_treasury"`
	DownTreasury decimal.Decimal `json:"down_treasury" db:"down_treasury"`
}

// Total returns the combined exposure of both sides.
func (p Pool) Total() decimal.Decimal {
	return p.UpTreasury.Add(p.DownTreasury)
}

// AuditEntry is an immutable record of a balance-affecting event.
// Amount is the signed balance delta (AfterBalance - BeforeBalance).
type AuditEntry struct {
	ID            string            `json:"id" db:"id"`
	UserID        string            `json:"user_id" db:"user_id"`
	TradeID       string            `json:"trade_id" db:"trade_id"`
	EventType     AuditEventType    `json:"event_type" db:"event_type"`
	Amount        decimal.Decimal   `json:"amount" db:"amount"`
	BeforeBalance decimal.Decimal   `json:"before_balance" db:"before_balance"`
	AfterBalance  decimal.Decimal   `json:"after_balance" db:"after_balance"`
	Metadata      map[string]string `json:"metadata" db:"metadata"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}
