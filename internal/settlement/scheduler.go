package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

// TradeResolver settles one trade.
type TradeResolver interface {
	Resolve(ctx context.Context, tradeID string) (Outcome, error)
}

// RoundSampler records the current price into the active round.
type RoundSampler interface {
	SampleOracle(ctx context.Context, at time.Time) error
}

// SchedulerConfig tunes the settlement loop.
type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
	// MaxAttempts is the number of consecutive failures after which a trade
	// is dead-lettered. Zero retries forever.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:    5 * time.Second,
		BatchSize:   500,
		Workers:     16,
		MaxAttempts: 20,
		RetryBase:   5 * time.Second,
		RetryMax:    5 * time.Minute,
	}
}

type retryState struct {
	expiry   time.Time
	attempts int
	nextAt   time.Time
	dead     bool
	lastErr  string
}

// DeadLetter describes a trade the scheduler stopped retrying.
type DeadLetter struct {
	TradeID  string `json:"trade_id"`
	Attempts int    `json:"attempts"`
	LastErr  string `json:"last_error"`
}

// Scheduler periodically resolves expired pending trades.
type Scheduler struct {
	store    store.Store
	resolver TradeResolver
	rounds   RoundSampler
	cfg      SchedulerConfig
	workers  *ants.Pool
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	retry map[string]*retryState
}

// NewScheduler creates a scheduler. Zero config fields take the defaults.
func NewScheduler(st store.Store, resolver TradeResolver, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	if logger == nil {
		logger = slog.Default()
	}

	workers, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("settlement: create worker pool: %w", err)
	}
	return &Scheduler{
		store:    st,
		resolver: resolver,
		cfg:      cfg,
		workers:  workers,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		retry:    make(map[string]*retryState),
	}, nil
}

// WithRoundSampler makes every tick sample the oracle into the current
// round before settling.
func (s *Scheduler) WithRoundSampler(rs RoundSampler) *Scheduler {
	s.rounds = rs
	return s
}

// WithClock overrides the scheduler clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks every Interval until ctx is cancelled. A tick in progress
// finishes its batch before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("settlement scheduler started", "interval", s.cfg.Interval, "workers", s.cfg.Workers)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("settlement scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("settlement tick failed", "err", err)
			}
		}
	}
}

// Tick resolves one batch of expired pending trades, oldest expiry first,
// and waits for the batch. It returns how many trades were dispatched.
// Individual resolution failures are logged, never returned.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()

	if s.rounds != nil {
		if err := s.rounds.SampleOracle(ctx, now); err != nil {
			s.logger.Warn("round sample failed", "err", err)
		}
	}

	limit := s.cfg.BatchSize
	if limit > 0 {
		limit += s.parked()
	}
	trades, err := s.store.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired trades: %w", err)
	}
	metrics.PendingExpired.Set(float64(len(trades)))
	s.prune(trades, limit <= 0 || len(trades) < limit)

	// In-flight resolutions outlive cancellation of the tick.
	rctx := context.WithoutCancel(ctx)

	var (
		wg         sync.WaitGroup
		dispatched int
	)
	for _, t := range trades {
		if s.cfg.BatchSize > 0 && dispatched >= s.cfg.BatchSize {
			break
		}
		if !s.due(t.ID, now) {
			continue
		}
		trade := t
		wg.Add(1)
		if err := s.workers.Submit(func() {
			defer wg.Done()
			s.resolveOne(rctx, &trade)
		}); err != nil {
			wg.Done()
			s.logger.Error("settlement dispatch failed", "trade_id", trade.ID, "err", err)
			continue
		}
		dispatched++
	}
	wg.Wait()
	return dispatched, nil
}

func (s *Scheduler) resolveOne(ctx context.Context, t *model.Trade) {
	out, err := s.resolver.Resolve(ctx, t.ID)
	if err != nil {
		s.fail(t, err)
		return
	}
	s.mu.Lock()
	delete(s.retry, t.ID)
	s.mu.Unlock()

	if out.AlreadySettled {
		s.logger.Debug("trade already settled", "trade_id", t.ID)
	}
}

func (s *Scheduler) fail(t *model.Trade, err error) {
	s.mu.Lock()
	st, ok := s.retry[t.ID]
	if !ok {
		st = &retryState{expiry: t.Expiry}
		s.retry[t.ID] = st
	}
	st.attempts++
	st.lastErr = err.Error()
	if s.cfg.MaxAttempts > 0 && st.attempts >= s.cfg.MaxAttempts {
		st.dead = true
	} else {
		st.nextAt = s.now().Add(s.backoff(st.attempts))
	}
	attempts, dead, next := st.attempts, st.dead, st.nextAt
	s.mu.Unlock()

	if dead {
		metrics.DeadLetteredTrades.Inc()
		s.logger.Error("trade dead-lettered",
			"trade_id", t.ID,
			"user_id", t.UserID,
			"expiry", t.Expiry,
			"attempts", attempts,
			"err", err,
		)
		return
	}
	s.logger.Warn("trade settlement failed",
		"trade_id", t.ID,
		"attempts", attempts,
		"retry_at", next,
		"err", err,
	)
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempts && d < s.cfg.RetryMax; i++ {
		d *= 2
	}
	return min(d, s.cfg.RetryMax)
}

func (s *Scheduler) due(tradeID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retry[tradeID]
	if !ok {
		return true
	}
	return !st.dead && !now.Before(st.nextAt)
}

// prune drops retry state for trades that left the pending set without this
// scheduler, e.g. settled by another instance. scanned is ordered by
// (expiry, id); when the scan was cut short, only entries ordered before
// its last trade are known to be gone.
func (s *Scheduler) prune(scanned []model.Trade, complete bool) {
	seen := make(map[string]struct{}, len(scanned))
	for _, t := range scanned {
		seen[t.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.retry {
		if _, ok := seen[id]; ok {
			continue
		}
		if !complete {
			last := scanned[len(scanned)-1]
			if !st.expiry.Before(last.Expiry) && !(st.expiry.Equal(last.Expiry) && id < last.ID) {
				continue
			}
		}
		delete(s.retry, id)
	}
}

// parked counts trades that a tick will skip.
func (s *Scheduler) parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retry)
}

// ClearDeadLetter forgets the failure history of a trade so the next tick
// retries it. It reports whether the trade had been dead-lettered.
func (s *Scheduler) ClearDeadLetter(tradeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retry[tradeID]
	delete(s.retry, tradeID)
	return ok && st.dead
}

// DeadLetters lists the trades the scheduler has stopped retrying.
func (s *Scheduler) DeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeadLetter
	for id, st := range s.retry {
		if st.dead {
			out = append(out, DeadLetter{TradeID: id, Attempts: st.attempts, LastErr: st.lastErr})
		}
	}
	return out
}

// Close releases the worker pool.
func (s *Scheduler) Close() {
	s.workers.Release()
}
