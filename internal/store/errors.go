package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned when inserting a record whose key exists.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrTxConflict is returned when the storage layer aborted a transaction
	// because of a concurrent writer. Nothing was applied; the caller may
	// retry the whole transaction.
	ErrTxConflict = errors.New("store: transaction conflict")

	// ErrAlreadySettled is returned by SettleTrade when the trade has
	// already left the pending state.
	ErrAlreadySettled = errors.New("store: trade already settled")

	// ErrNegativeBalance is returned when a balance delta would leave the
	// balance below zero.
	ErrNegativeBalance = errors.New("store: balance would go negative")
)
