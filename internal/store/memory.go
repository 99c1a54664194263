package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A transaction holds the write lock for its whole lifetime, so
// transactions are fully serialized. Writes are staged on the transaction
// and applied only when fn returns nil.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*model.User
	trades map[string]*model.Trade
	pools  map[string]*model.Pool
	rounds map[string]*model.Round
	audit  []model.AuditEntry

	// pending holds pending trades ordered by (expiry, id).
	pending *skiplist.SkipList
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*model.User),
		trades:  make(map[string]*model.Trade),
		pools:   make(map[string]*model.Pool),
		rounds:  make(map[string]*model.Round),
		pending: skiplist.New(expiryOrder{}),
	}
}

// expiryKey orders pending trades by expiry, then by ID for stability.
type expiryKey struct {
	at int64
	id string
}

// expiryOrder implements skiplist.Comparable for expiryKey.
type expiryOrder struct{}

func (expiryOrder) Compare(l, r interface{}) int {
	lk, rk := l.(expiryKey), r.(expiryKey)
	switch {
	case lk.at < rk.at:
		return -1
	case lk.at > rk.at:
		return 1
	case lk.id < rk.id:
		return -1
	case lk.id > rk.id:
		return 1
	}
	return 0
}

func (expiryOrder) CalcScore(key interface{}) float64 {
	return float64(key.(expiryKey).at)
}

func keyOf(t *model.Trade) expiryKey {
	return expiryKey{at: t.Expiry.UnixNano(), id: t.ID}
}

func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:      s,
		users:  make(map[string]*model.User),
		trades: make(map[string]*model.Trade),
		pools:  make(map[string]*model.Pool),
		rounds: make(map[string]*model.Round),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicateKey)
	}
	// Store a copy to avoid external mutation.
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListExpiredPending walks the expiry index from the front, so the cost is
// proportional to the number of expired trades rather than all trades.
func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.UnixNano()
	var result []model.Trade
	for elem := s.pending.Front(); elem != nil; elem = elem.Next() {
		if elem.Key().(expiryKey).at > cutoff {
			break
		}
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, *s.trades[elem.Value.(string)])
	}
	return result, nil
}

func (s *MemoryStore) ListAuditByUser(_ context.Context, userID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for _, e := range s.audit {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListAuditByTrade(_ context.Context, tradeID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for _, e := range s.audit {
		if e.TradeID == tradeID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPool(_ context.Context, scope string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[scope]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", scope, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

// memTx stages writes until commit. It is only used while the store's
// write lock is held, so it reads the base maps directly.
type memTx struct {
	s      *MemoryStore
	users  map[string]*model.User
	trades map[string]*model.Trade
	pools  map[string]*model.Pool
	rounds map[string]*model.Round
	audit  []model.AuditEntry
}

func (tx *memTx) user(id string) (*model.User, bool) {
	if u, ok := tx.users[id]; ok {
		return u, true
	}
	u, ok := tx.s.users[id]
	if !ok {
		return nil, false
	}
	copy := *u
	tx.users[id] = &copy
	return &copy, true
}

func (tx *memTx) trade(id string) (*model.Trade, bool) {
	if t, ok := tx.trades[id]; ok {
		return t, true
	}
	t, ok := tx.s.trades[id]
	if !ok {
		return nil, false
	}
	copy := *t
	tx.trades[id] = &copy
	return &copy, true
}

func (tx *memTx) GetUserForUpdate(_ context.Context, id string) (*model.User, error) {
	u, ok := tx.user(id)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (tx *memTx) AdjustBalance(_ context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	u, ok := tx.user(userID)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	before := u.Balance
	after := before.Add(delta)
	if after.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrNegativeBalance
	}
	u.Balance = after
	return before, after, nil
}

func (tx *memTx) GetTradeForUpdate(_ context.Context, id string) (*model.Trade, error) {
	t, ok := tx.trade(id)
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	if _, ok := tx.trade(t.ID); ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrDuplicateKey)
	}
	if _, ok := tx.user(t.UserID); !ok {
		return fmt.Errorf("user %s: %w", t.UserID, ErrNotFound)
	}
	copy := *t
	tx.trades[t.ID] = &copy
	return nil
}

func (tx *memTx) SettleTrade(_ context.Context, t *model.Trade) error {
	cur, ok := tx.trade(t.ID)
	if !ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}
	if cur.Settled() {
		return ErrAlreadySettled
	}
	cur.Result = t.Result
	cur.StartPrice = t.StartPrice
	cur.SettlePrice = t.SettlePrice
	cur.Payout = t.Payout
	cur.SettledAt = t.SettledAt
	return nil
}

func (tx *memTx) AddPoolExposure(_ context.Context, scope string, dir model.Direction, amount decimal.Decimal) error {
	p, ok := tx.pools[scope]
	if !ok {
		p = &model.Pool{Scope: scope}
		if base, exists := tx.s.pools[scope]; exists {
			*p = *base
		}
		tx.pools[scope] = p
	}
	switch dir {
	case model.DirectionUp:
		p.UpTreasury = p.UpTreasury.Add(amount)
	case model.DirectionDown:
		p.DownTreasury = p.DownTreasury.Add(amount)
	default:
		return fmt.Errorf("pool %s: unknown direction %q", scope, dir)
	}
	return nil
}

func (tx *memTx) AppendAudit(_ context.Context, e *model.AuditEntry) error {
	copy := *e
	copy.Metadata = maps.Clone(e.Metadata)
	tx.audit = append(tx.audit, copy)
	return nil
}

func (tx *memTx) ListAuditByUser(_ context.Context, userID string) ([]model.AuditEntry, error) {
	var result []model.AuditEntry
	for _, entries := range [][]model.AuditEntry{tx.s.audit, tx.audit} {
		for _, e := range entries {
			if e.UserID == userID {
				result = append(result, e)
			}
		}
	}
	return result, nil
}

func (tx *memTx) GetRoundForUpdate(_ context.Context, id string) (*model.Round, error) {
	if r, ok := tx.rounds[id]; ok {
		copy := *r
		return &copy, nil
	}
	r, ok := tx.s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (tx *memTx) UpsertRound(_ context.Context, r *model.Round) error {
	copy := *r
	tx.rounds[r.ID] = &copy
	return nil
}

// commit applies staged writes to the store. Caller holds s.mu.
func (tx *memTx) commit() {
	s := tx.s
	for id, u := range tx.users {
		s.users[id] = u
	}
	for id, t := range tx.trades {
		s.trades[id] = t
		if t.Settled() {
			s.pending.Remove(keyOf(t))
		} else {
			s.pending.Set(keyOf(t), id)
		}
	}
	for scope, p := range tx.pools {
		s.pools[scope] = p
	}
	for id, r := range tx.rounds {
		s.rounds[id] = r
	}
	s.audit = append(s.audit, tx.audit...)
}
