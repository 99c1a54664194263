// Package oracle provides the reference price used to settle trades.
//
// Sources return ErrOracleUnavailable (possibly wrapped) when they cannot
// produce a price. Callers treat that as retryable, never fatal.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrOracleUnavailable is returned when no current price can be obtained.
var ErrOracleUnavailable = errors.New("oracle: price unavailable")

// Oracle returns the current reference price for an asset. chainID selects
// the price feed; an empty chainID means the default feed.
type Oracle interface {
	CurrentPrice(ctx context.Context, chainID string) (decimal.Decimal, error)
}

// Static is a settable price source used for tests, local development and
// as the last link of a fallback chain.
type Static struct {
	mu    sync.RWMutex
	price decimal.Decimal
	err   error
}

// NewStatic creates a static source that returns price. A zero price makes
// the source report ErrOracleUnavailable.
func NewStatic(price decimal.Decimal) *Static {
	return &Static{price: price}
}

// Set changes the price returned by subsequent calls.
func (s *Static) Set(price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
}

// Fail makes subsequent calls return err wrapped in ErrOracleUnavailable.
// Pass nil to recover.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) CurrentPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrOracleUnavailable, s.err)
	}
	if !s.price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no static price configured", ErrOracleUnavailable)
	}
	return s.price, nil
}

// Fallback tries each source in order and returns the first price.
type Fallback struct {
	sources []Oracle
	logger  *slog.Logger
}

// NewFallback chains sources; the first one is the primary.
func NewFallback(logger *slog.Logger, sources ...Oracle) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{sources: sources, logger: logger}
}

func (f *Fallback) CurrentPrice(ctx context.Context, chainID string) (decimal.Decimal, error) {
	var errs []error
	for i, src := range f.sources {
		price, err := src.CurrentPrice(ctx, chainID)
		if err == nil {
			if i > 0 {
				f.logger.Warn("oracle fallback used", "source", i, "chain_id", chainID)
			}
			return price, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no sources configured", ErrOracleUnavailable)
	}
	return decimal.Zero, fmt.Errorf("%w: %v", ErrOracleUnavailable, errors.Join(errs...))
}
