// Package events fans settlement-engine notifications out to listeners.
//
// Publishing is fire-and-forget: a Publisher never returns an error and
// never blocks on a slow sink. Delivery failures are logged and counted,
// and they never affect the ledger transaction that produced the event.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
)

// DefaultDeliveryTimeout bounds a single sink delivery.
const DefaultDeliveryTimeout = 5 * time.Second

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any)
}

// Envelope is one event as handed to sinks.
type Envelope struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"-"`
	// Key partitions the event stream, usually by user ID.
	Key string `json:"-"`
}

// Sink is one delivery target.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// maxLaneBacklog bounds the events waiting behind one key on one sink.
const maxLaneBacklog = 1024

// ErrLaneFull is reported when a key's backlog on a sink is full.
var ErrLaneFull = errors.New("events: delivery backlog full")

// Broadcaster delivers every published event to all of its sinks on a
// bounded worker pool. Events with the same key reach a given sink in
// publish order; different keys are delivered concurrently.
type Broadcaster struct {
	sinks   []Sink
	pool    *ants.Pool
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	lanes map[laneKey]*lane
}

type laneKey struct {
	sink int
	key  string
}

type pending struct {
	ctx context.Context
	env Envelope
}

// lane holds the events queued behind the one being delivered.
type lane struct {
	queue []pending
}

// NewBroadcaster creates a broadcaster with workers delivery goroutines.
// When every worker is busy new deliveries are dropped, not queued.
func NewBroadcaster(logger *slog.Logger, workers int, sinks ...Sink) (*Broadcaster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 64
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("events: create pool: %w", err)
	}
	return &Broadcaster{
		sinks:   sinks,
		pool:    pool,
		timeout: DefaultDeliveryTimeout,
		logger:  logger,
		lanes:   make(map[laneKey]*lane),
	}, nil
}

func (b *Broadcaster) Publish(ctx context.Context, eventType string, payload any) {
	env := Envelope{
		Type: eventType,
		Data: payload,
		At:   time.Now().UTC(),
		Key:  partitionKey(payload),
	}
	ctx = context.WithoutCancel(ctx)

	for i, sink := range b.sinks {
		b.enqueue(laneKey{sink: i, key: env.Key}, sink, pending{ctx: ctx, env: env})
	}
}

// enqueue appends p to its lane, starting a drain task if the lane is idle.
func (b *Broadcaster) enqueue(k laneKey, sink Sink, p pending) {
	b.mu.Lock()
	if l, busy := b.lanes[k]; busy {
		if len(l.queue) >= maxLaneBacklog {
			b.mu.Unlock()
			b.dropped(sink, p.env, ErrLaneFull)
			return
		}
		l.queue = append(l.queue, p)
		b.mu.Unlock()
		return
	}
	b.lanes[k] = &lane{}
	b.mu.Unlock()

	if err := b.pool.Submit(func() { b.drain(k, sink, p) }); err != nil {
		b.mu.Lock()
		queued := b.lanes[k].queue
		delete(b.lanes, k)
		b.mu.Unlock()

		b.dropped(sink, p.env, err)
		for _, q := range queued {
			b.dropped(sink, q.env, err)
		}
	}
}

// drain delivers p and then everything queued behind it, in order.
func (b *Broadcaster) drain(k laneKey, sink Sink, p pending) {
	for {
		b.deliver(p.ctx, sink, p.env)

		b.mu.Lock()
		l := b.lanes[k]
		if len(l.queue) == 0 {
			delete(b.lanes, k)
			b.mu.Unlock()
			return
		}
		p = l.queue[0]
		l.queue = l.queue[1:]
		b.mu.Unlock()
	}
}

func (b *Broadcaster) dropped(sink Sink, env Envelope, err error) {
	metrics.EventPublishFailures.WithLabelValues(sink.Name()).Inc()
	b.logger.Warn("event dropped", "sink", sink.Name(), "type", env.Type, "key", env.Key, "err", err)
}

func (b *Broadcaster) deliver(ctx context.Context, sink Sink, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventPublishFailures.WithLabelValues(sink.Name()).Inc()
			b.logger.Error("event sink panicked", "sink", sink.Name(), "type", env.Type, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := sink.Deliver(ctx, env); err != nil {
		metrics.EventPublishFailures.WithLabelValues(sink.Name()).Inc()
		b.logger.Warn("event delivery failed", "sink", sink.Name(), "type", env.Type, "err", err)
	}
}

// Close waits up to timeout for in-flight deliveries and stops the pool.
func (b *Broadcaster) Close(timeout time.Duration) error {
	if err := b.pool.ReleaseTimeout(timeout); err != nil && !errors.Is(err, ants.ErrPoolClosed) {
		return fmt.Errorf("events: release pool: %w", err)
	}
	return nil
}

func partitionKey(payload any) string {
	switch p := payload.(type) {
	case model.TradeEvent:
		return p.UserID
	case model.BalanceEvent:
		return p.UserID
	case model.SettlementEvent:
		return p.UserID
	case *model.Round:
		return p.ID
	case model.Round:
		return p.ID
	}
	return ""
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) {}

// Recorder keeps published events in memory, synchronously. Useful in
// tests and for local debugging.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(_ context.Context, eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Envelope{Type: eventType, Data: payload, At: time.Now().UTC(), Key: partitionKey(payload)})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
