package store

import (
	"context"
	"errors"
	"time"
)

// DefaultTxAttempts bounds how many times Transact re-runs a conflicting
// transaction.
const DefaultTxAttempts = 5

// Transact runs fn in a transaction, retrying the whole transaction when the
// store reports ErrTxConflict. fn must not keep state across attempts.
func Transact(ctx context.Context, s Store, attempts int, fn func(tx Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := 5 * time.Millisecond

	var err error
	for i := 0; i < attempts; i++ {
		err = s.InTx(ctx, fn)
		if !errors.Is(err, ErrTxConflict) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
