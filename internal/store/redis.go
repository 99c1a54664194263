package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for users, trades and pools. Transactions go to the primary store;
// keys touched by a transaction are invalidated after it commits.
//
// Every invalidation bumps a per-key generation. A read-through fill only
// writes the cache if the generation it saw before reading the primary is
// still current, so a read that raced a commit cannot re-cache the old row.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (write to primary, invalidate cache after commit) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tracked := &trackingTx{}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		tracked.Tx = tx
		tracked.keys = tracked.keys[:0]
		return fn(tracked)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, tracked.keys...)
	return nil
}

// trackingTx records the cache keys a transaction writes.
type trackingTx struct {
	Tx
	keys []string
}

func (t *trackingTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	t.keys = append(t.keys, userKey(userID))
	return t.Tx.AdjustBalance(ctx, userID, delta)
}

func (t *trackingTx) InsertTrade(ctx context.Context, trade *model.Trade) error {
	t.keys = append(t.keys, tradeKey(trade.ID))
	return t.Tx.InsertTrade(ctx, trade)
}

func (t *trackingTx) SettleTrade(ctx context.Context, trade *model.Trade) error {
	t.keys = append(t.keys, tradeKey(trade.ID))
	return t.Tx.SettleTrade(ctx, trade)
}

func (t *trackingTx) AddPoolExposure(ctx context.Context, scope string, dir model.Direction, amount decimal.Decimal) error {
	t.keys = append(t.keys, poolKey(scope))
	return t.Tx.AddPoolExposure(ctx, scope, dir, amount)
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.invalidate(ctx, userKey(u.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.cached(ctx, userKey(id), &u) {
		return &u, nil
	}
	gen := s.generation(ctx, userKey(id))
	user, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, userKey(id), gen, user)
	return user, nil
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	var t model.Trade
	if s.cached(ctx, tradeKey(id), &t) {
		return &t, nil
	}
	gen := s.generation(ctx, tradeKey(id))
	trade, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, tradeKey(id), gen, trade)
	return trade, nil
}

func (s *CachedStore) GetPool(ctx context.Context, scope string) (*model.Pool, error) {
	var p model.Pool
	if s.cached(ctx, poolKey(scope), &p) {
		return &p, nil
	}
	gen := s.generation(ctx, poolKey(scope))
	pool, err := s.primary.GetPool(ctx, scope)
	if err != nil {
		return nil, err
	}
	s.put(ctx, poolKey(scope), gen, pool)
	return pool, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Trade, error) {
	return s.primary.ListExpiredPending(ctx, now, limit)
}

func (s *CachedStore) ListAuditByUser(ctx context.Context, userID string) ([]model.AuditEntry, error) {
	return s.primary.ListAuditByUser(ctx, userID)
}

func (s *CachedStore) ListAuditByTrade(ctx context.Context, tradeID string) ([]model.AuditEntry, error) {
	return s.primary.ListAuditByTrade(ctx, tradeID)
}

func (s *CachedStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	return s.primary.GetRound(ctx, id)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// errStaleFill aborts a cache fill whose key was invalidated meanwhile.
var errStaleFill = errors.New("cache: key invalidated during fill")

// generation returns the invalidation counter of key. A missing counter
// reads as 0.
func (s *CachedStore) generation(ctx context.Context, key string) int64 {
	gen, err := s.rdb.Get(ctx, genKey(key)).Int64()
	if err != nil {
		return 0
	}
	return gen
}

// put caches v under key unless key was invalidated after gen was read.
func (s *CachedStore) put(ctx context.Context, key string, gen int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey(key)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey(key))
	if err != nil && !errors.Is(err, errStaleFill) && !errors.Is(err, redis.TxFailedErr) {
		slog.Warn("cache fill failed", "key", key, "err", err)
	}
}

// invalidate bumps the generation of each key and drops its cached value.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.Incr(ctx, genKey(key))
			p.Expire(ctx, genKey(key), s.genTTL())
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// genTTL keeps generations well past the life of any value they guard.
func (s *CachedStore) genTTL() time.Duration {
	return max(2*s.ttl, time.Hour)
}

func userKey(id string) string { return fmt.Sprintf("user:%s", id) }
func tradeKey(id string) string { return fmt.Sprintf("trade:%s", id) }
func poolKey(scope string) string { return fmt.Sprintf("pool:%s", scope) }
func genKey(key string) string { return "gen:" + key }
