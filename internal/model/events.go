package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types published to the broadcaster.
const (
	EventTradePlaced    = "trade_placed"
	EventTradeSettled   = "trade_settled"
	EventBalanceUpdated = "balance_updated"
	EventRoundUpdated   = "round_updated"
)

// TradeEvent is the wire shape of a trade handed to the transport layer.
type TradeEvent struct {
	ID         string              `json:"id"`
	UserID     string              `json:"userId"`
	Amount     int64               `json:"amount"`
	Direction  Direction           `json:"direction"`
	Result     Result              `json:"result"`
	StartPrice decimal.NullDecimal `json:"startPrice"`
	Expiry     time.Time           `json:"expiry"`
}

// NewTradeEvent projects a trade onto its wire shape.
func NewTradeEvent(t *Trade) TradeEvent {
	return TradeEvent{
		ID:         t.ID,
		UserID:     t.UserID,
		Amount:     t.Amount,
		Direction:  t.Direction,
		Result:     t.Result,
		StartPrice: t.StartPrice,
		Expiry:     t.Expiry,
	}
}

// BalanceEvent notifies listeners of a user's new balance.
type BalanceEvent struct {
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

// SettlementEvent notifies listeners that a trade was resolved.
type SettlementEvent struct {
	TradeID string `json:"tradeId"`
	UserID  string `json:"userId"`
	Result  Result `json:"result"`
}
