package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

var errBoom = errors.New("boom")

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var base = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func mustUser(t *testing.T, st store.Store, id string, balance int64) {
	t.Helper()
	require.NoError(t, st.CreateUser(context.Background(), &model.User{
		ID:             id,
		Balance:        d(balance),
		InitialBalance: d(balance),
		AccountType:    model.AccountReal,
		CreatedAt:      base,
	}))
}

func pendingTrade(id, userID string, expiry time.Time) *model.Trade {
	return &model.Trade{
		ID:          id,
		UserID:      userID,
		Amount:      10,
		Direction:   model.DirectionUp,
		StrikePrice: decimal.Zero,
		Expiry:      expiry,
		Result:      model.ResultPending,
		Payout:      decimal.Zero,
		PoolScope:   expiry.Truncate(time.Minute).Format(time.RFC3339),
		CreatedAt:   base,
	}
}

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("users", func(t *testing.T) {
		st := newStore(t)
		mustUser(t, st, "u1", 1000)

		u, err := st.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, u.Balance.Equal(d(1000)))
		assert.Equal(t, model.AccountReal, u.AccountType)

		err = st.CreateUser(ctx, &model.User{ID: "u1", Balance: d(1), InitialBalance: d(1), AccountType: model.AccountReal})
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		_, err = st.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("rollback discards every write", func(t *testing.T) {
		st := newStore(t)
		mustUser(t, st, "u1", 1000)

		err := st.InTx(ctx, func(tx store.Tx) error {
			if _, _, err := tx.AdjustBalance(ctx, "u1", d(-100)); err != nil {
				return err
			}
			if err := tx.InsertTrade(ctx, pendingTrade("t1", "u1", base)); err != nil {
				return err
			}
			if err := tx.AddPoolExposure(ctx, "scope", model.DirectionUp, d(100)); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, &model.AuditEntry{ID: "a1", UserID: "u1", TradeID: "t1", EventType: model.AuditStake, Amount: d(-100), BeforeBalance: d(1000), AfterBalance: d(900)}); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		u, err := st.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, u.Balance.Equal(d(1000)))
		_, err = st.GetTrade(ctx, "t1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.GetPool(ctx, "scope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		entries, err := st.ListAuditByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("balance never goes negative", func(t *testing.T) {
		st := newStore(t)
		mustUser(t, st, "u1", 50)

		err := st.InTx(ctx, func(tx store.Tx) error {
			_, _, err := tx.AdjustBalance(ctx, "u1", d(-51))
			return err
		})
		require.ErrorIs(t, err, store.ErrNegativeBalance)

		var before, after decimal.Decimal
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			var err error
			before, after, err = tx.AdjustBalance(ctx, "u1", d(-50))
			return err
		}))
		assert.True(t, before.Equal(d(50)))
		assert.True(t, after.IsZero())
	})

	t.Run("expired pending trades oldest first", func(t *testing.T) {
		st := newStore(t)
		mustUser(t, st, "u1", 1000)
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			for i, off := range []time.Duration{3 * time.Second, -time.Second, -3 * time.Second, -2 * time.Second, 0} {
				if err := tx.InsertTrade(ctx, pendingTrade(fmt.Sprintf("t%d", i), "u1", base.Add(off))); err != nil {
					return err
				}
			}
			return nil
		}))

		got, err := st.ListExpiredPending(ctx, base, 0)
		require.NoError(t, err)
		var ids []string
		for _, tr := range got {
			ids = append(ids, tr.ID)
		}
		assert.Equal(t, []string{"t2", "t3", "t1", "t4"}, ids)

		limited, err := st.ListExpiredPending(ctx, base, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "t2", limited[0].ID)

		// Settled trades leave the scan.
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			tr, err := tx.GetTradeForUpdate(ctx, "t2")
			if err != nil {
				return err
			}
			now := base
			tr.Result = model.ResultLoss
			tr.StartPrice = decimal.NewNullDecimal(d(100))
			tr.SettlePrice = decimal.NewNullDecimal(d(100))
			tr.SettledAt = &now
			return tx.SettleTrade(ctx, tr)
		}))
		got, err = st.ListExpiredPending(ctx, base, 0)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("settle is write-once", func(t *testing.T) {
		st := newStore(t)
		mustUser(t, st, "u1", 1000)
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			return tx.InsertTrade(ctx, pendingTrade("t1", "u1", base))
		}))

		settle := func(result model.Result) error {
			return st.InTx(ctx, func(tx store.Tx) error {
				tr, err := tx.GetTradeForUpdate(ctx, "t1")
				if err != nil {
					return err
				}
				now := base.Add(time.Minute)
				tr.Result = result
				tr.SettlePrice = decimal.NewNullDecimal(d(2000))
				tr.StartPrice = decimal.NewNullDecimal(d(1990))
				tr.Payout = d(18)
				tr.SettledAt = &now
				return tx.SettleTrade(ctx, tr)
			})
		}
		require.NoError(t, settle(model.ResultWin))
		require.ErrorIs(t, settle(model.ResultLoss), store.ErrAlreadySettled)

		tr, err := st.GetTrade(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.ResultWin, tr.Result)
		assert.True(t, tr.Payout.Equal(d(18)))
		assert.True(t, tr.SettlePrice.Decimal.Equal(d(2000)))
		require.NotNil(t, tr.SettledAt)
	})

	t.Run("pool exposure is additive", func(t *testing.T) {
		st := newStore(t)
		for _, step := range []struct {
			dir model.Direction
			amt int64
		}{{model.DirectionUp, 100}, {model.DirectionDown, 40}, {model.DirectionUp, 25}} {
			require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
				return tx.AddPoolExposure(ctx, "s1", step.dir, d(step.amt))
			}))
		}
		p, err := st.GetPool(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, p.UpTreasury.Equal(d(125)))
		assert.True(t, p.DownTreasury.Equal(d(40)))
	})

	t.Run("audit keeps write order", func(t *testing.T) {
		st := newStore(t)
		mustUser(t, st, "u1", 1000)
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			for i, kind := range []model.AuditEventType{model.AuditStake, model.AuditPayout, model.AuditSettlement} {
				if err := tx.AppendAudit(ctx, &model.AuditEntry{
					ID:            fmt.Sprintf("a%d", i),
					UserID:        "u1",
					TradeID:       "t1",
					EventType:     kind,
					Amount:        decimal.Zero,
					BeforeBalance: d(1000),
					AfterBalance:  d(1000),
					Metadata:      map[string]string{"n": fmt.Sprint(i)},
					CreatedAt:     base,
				}); err != nil {
					return err
				}
			}
			return nil
		}))
		entries, err := st.ListAuditByTrade(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, model.AuditStake, entries[0].EventType)
		assert.Equal(t, model.AuditSettlement, entries[2].EventType)
		assert.Equal(t, "2", entries[2].Metadata["n"])

		// Inside a transaction the history includes the tx's own entries.
		require.ErrorIs(t, st.InTx(ctx, func(tx store.Tx) error {
			if _, err := tx.GetUserForUpdate(ctx, "u1"); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, &model.AuditEntry{
				ID: "a3", UserID: "u1", TradeID: "t2", EventType: model.AuditStake,
				Amount: d(-5), BeforeBalance: d(1000), AfterBalance: d(995), CreatedAt: base,
			}); err != nil {
				return err
			}
			got, err := tx.ListAuditByUser(ctx, "u1")
			if err != nil {
				return err
			}
			if len(got) != 4 || got[3].ID != "a3" {
				return fmt.Errorf("tx audit view: got %d entries", len(got))
			}
			return errBoom
		}), errBoom)
		entries, err = st.ListAuditByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("rounds", func(t *testing.T) {
		st := newStore(t)
		id := base.Format(time.RFC3339)
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			_, err := tx.GetRoundForUpdate(ctx, id)
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("expected not found, got %v", err)
			}
			return tx.UpsertRound(ctx, &model.Round{ID: id, Open: d(1), High: d(3), Low: d(1), Close: d(2), StartedAt: base})
		}))
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			r, err := tx.GetRoundForUpdate(ctx, id)
			if err != nil {
				return err
			}
			r.Close = d(3)
			r.Overridden = true
			return tx.UpsertRound(ctx, r)
		}))
		r, err := st.GetRound(ctx, id)
		require.NoError(t, err)
		assert.True(t, r.Close.Equal(d(3)))
		assert.True(t, r.Overridden)
	})

	t.Run("concurrent debits serialize per user", func(t *testing.T) {
		st := newStore(t)
		mustUser(t, st, "racer", 1000)

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Transact(ctx, st, store.DefaultTxAttempts, func(tx store.Tx) error {
					u, err := tx.GetUserForUpdate(ctx, "racer")
					if err != nil {
						return err
					}
					if u.Balance.LessThan(d(150)) {
						return errBoom
					}
					_, _, err = tx.AdjustBalance(ctx, "racer", d(-150))
					return err
				})
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 6, ok)
		u, err := st.GetUser(ctx, "racer")
		require.NoError(t, err)
		assert.True(t, u.Balance.Equal(d(100)), "balance = %s", u.Balance)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) store.Store { return store.NewMemoryStore() })
}

func TestMemoryStore_ReadsDontSeeStagedWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	mustUser(t, ms, "u1", 1000)
	ctx := context.Background()

	err := ms.InTx(ctx, func(tx store.Tx) error {
		_, after, err := tx.AdjustBalance(ctx, "u1", d(-300))
		require.NoError(t, err)
		assert.True(t, after.Equal(d(700)))

		u, err := tx.GetUserForUpdate(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, u.Balance.Equal(d(700)), "tx reads its own writes")
		return nil
	})
	require.NoError(t, err)

	u, err := ms.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(700)))
}

type conflictStore struct {
	store.Store
	failures int
	calls    int
}

func (c *conflictStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	c.calls++
	if c.calls <= c.failures {
		return fmt.Errorf("commit: %w", store.ErrTxConflict)
	}
	return c.Store.InTx(ctx, fn)
}

func TestTransact_RetriesConflicts(t *testing.T) {
	cs := &conflictStore{Store: store.NewMemoryStore(), failures: 2}
	err := store.Transact(context.Background(), cs, 5, func(store.Tx) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, cs.calls)
}

func TestTransact_GivesUp(t *testing.T) {
	cs := &conflictStore{Store: store.NewMemoryStore(), failures: 10}
	err := store.Transact(context.Background(), cs, 3, func(store.Tx) error { return nil })
	require.ErrorIs(t, err, store.ErrTxConflict)
	assert.Equal(t, 3, cs.calls)
}

func TestTransact_DoesNotRetryOtherErrors(t *testing.T) {
	cs := &conflictStore{Store: store.NewMemoryStore()}
	err := store.Transact(context.Background(), cs, 5, func(store.Tx) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, cs.calls)
}
