// Package audit reconciles balances against the append-only audit trail.
package audit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

// ErrBalanceMismatch is returned when a balance cannot be derived from its
// audit history.
var ErrBalanceMismatch = errors.New("audit: balance mismatch")

// Report summarizes one user's reconciliation.
type Report struct {
	UserID   string          `json:"user_id"`
	Initial  decimal.Decimal `json:"initial_balance"`
	Expected decimal.Decimal `json:"expected_balance"`
	Actual   decimal.Decimal `json:"actual_balance"`
	Entries  int             `json:"entries"`
	OK       bool            `json:"ok"`
	Problem  string          `json:"problem,omitempty"`
}

// Replay returns initial plus the sum of every entry's signed amount.
func Replay(initial decimal.Decimal, entries []model.AuditEntry) decimal.Decimal {
	balance := initial
	for _, e := range entries {
		balance = balance.Add(e.Amount)
	}
	return balance
}

// Verify checks that entries, in write order, form an unbroken chain from
// the user's initial balance to the current one: each entry starts where
// the previous ended and moves the balance by exactly its amount.
func Verify(user *model.User, entries []model.AuditEntry) error {
	prev := user.InitialBalance
	for i, e := range entries {
		if e.UserID != user.ID {
			return fmt.Errorf("%w: entry %s belongs to user %s", ErrBalanceMismatch, e.ID, e.UserID)
		}
		if !e.BeforeBalance.Equal(prev) {
			return fmt.Errorf("%w: entry %d (%s) starts at %s, previous ended at %s",
				ErrBalanceMismatch, i, e.ID, e.BeforeBalance, prev)
		}
		if !e.BeforeBalance.Add(e.Amount).Equal(e.AfterBalance) {
			return fmt.Errorf("%w: entry %d (%s) moves %s by %s to %s",
				ErrBalanceMismatch, i, e.ID, e.BeforeBalance, e.Amount, e.AfterBalance)
		}
		prev = e.AfterBalance
	}

	expected := Replay(user.InitialBalance, entries)
	if !expected.Equal(user.Balance) {
		return fmt.Errorf("%w: replay gives %s, balance is %s", ErrBalanceMismatch, expected, user.Balance)
	}
	return nil
}

// Reconcile runs Verify and packages the outcome as a Report.
func Reconcile(user *model.User, entries []model.AuditEntry) Report {
	r := Report{
		UserID:   user.ID,
		Initial:  user.InitialBalance,
		Expected: Replay(user.InitialBalance, entries),
		Actual:   user.Balance,
		Entries:  len(entries),
		OK:       true,
	}
	if err := Verify(user, entries); err != nil {
		r.OK = false
		r.Problem = err.Error()
	}
	return r
}
