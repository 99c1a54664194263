package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Stream keeps the latest price from a websocket ticker feed. The feed is
// expected to push JSON objects carrying the last price under PriceField,
// either as a string or a number (Binance's "@ticker" stream uses "c").
type Stream struct {
	URL        string
	ChainID    string
	PriceField string
	StaleAfter time.Duration

	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.RWMutex
	price   decimal.Decimal
	updated time.Time
}

// NewStream creates a stream source for one feed. It serves requests for
// chainID, or for any chain when chainID is empty.
func NewStream(logger *slog.Logger, url, chainID, priceField string, staleAfter time.Duration) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if priceField == "" {
		priceField = "c"
	}
	return &Stream{
		URL:        url,
		ChainID:    chainID,
		PriceField: priceField,
		StaleAfter: staleAfter,
		logger:     logger,
		dialer:     websocket.DefaultDialer,
	}
}

func (s *Stream) CurrentPrice(_ context.Context, chainID string) (decimal.Decimal, error) {
	if s.ChainID != "" && chainID != "" && chainID != s.ChainID {
		return decimal.Zero, fmt.Errorf("%w: stream serves chain %s, not %s", ErrOracleUnavailable, s.ChainID, chainID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.updated.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: no tick received yet", ErrOracleUnavailable)
	}
	if s.StaleAfter > 0 && time.Since(s.updated) > s.StaleAfter {
		return decimal.Zero, fmt.Errorf("%w: last tick %s ago", ErrOracleUnavailable, time.Since(s.updated).Round(time.Millisecond))
	}
	return s.price, nil
}

// Run connects to the feed and keeps the latest price until ctx is done,
// reconnecting with capped exponential backoff.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		s.logger.Info("oracle stream connecting", "url", s.URL, "backoff", backoff)
		conn, _, err := s.dialer.DialContext(ctx, s.URL, nil)
		if err != nil {
			s.logger.Error("oracle stream dial failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 16*time.Second {
				backoff = 16 * time.Second
			}
			continue
		}

		backoff = time.Second
		s.logger.Info("oracle stream connected", "url", s.URL)
		s.readLoop(ctx, conn)
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("oracle stream read failed", "err", err)
			}
			return
		}
		price, err := s.parse(message)
		if err != nil {
			s.logger.Warn("oracle stream message skipped", "err", err)
			continue
		}
		s.update(price, time.Now())
	}
}

func (s *Stream) parse(message []byte) (decimal.Decimal, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(message, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode tick: %w", err)
	}
	raw, ok := payload[s.PriceField]
	if !ok {
		return decimal.Zero, fmt.Errorf("tick has no %q field", s.PriceField)
	}

	var price decimal.Decimal
	if err := price.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, fmt.Errorf("parse price %s: %w", raw, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", price)
	}
	return price, nil
}

func (s *Stream) update(price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.updated = at
}
