package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestCachedStore(t *testing.T) {
	rdb := setupRedis(t)

	runStoreContract(t, func(t *testing.T) store.Store {
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		return store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	})
}

func TestCachedStore_InvalidatesOnCommit(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	primary := store.NewMemoryStore()
	cs := store.NewCachedStore(primary, rdb, time.Minute)
	mustUser(t, cs, "u1", 500)

	u, err := cs.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(500)))
	n, err := rdb.Exists(ctx, "user:u1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, cs.InTx(ctx, func(tx store.Tx) error {
		_, _, err := tx.AdjustBalance(ctx, "u1", d(-200))
		return err
	}))

	n, err = rdb.Exists(ctx, "user:u1").Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	u, err = cs.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(300)))
}

func TestCachedStore_RollbackKeepsCache(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	mustUser(t, cs, "u1", 500)

	_, err := cs.GetUser(ctx, "u1")
	require.NoError(t, err)

	err = cs.InTx(ctx, func(tx store.Tx) error {
		if _, _, err := tx.AdjustBalance(ctx, "u1", d(-100)); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	u, err := cs.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(500)))
}

// commitDuringRead commits a debit through the cache after the primary read
// but before the caller fills the cache.
type commitDuringRead struct {
	*store.MemoryStore
	once   sync.Once
	commit func()
}

func (s *commitDuringRead) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.MemoryStore.GetUser(ctx, id)
	s.once.Do(s.commit)
	return u, err
}

func TestCachedStore_RacingReadDoesNotRecacheOldRow(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	primary := &commitDuringRead{MemoryStore: store.NewMemoryStore()}
	cs := store.NewCachedStore(primary, rdb, time.Minute)
	mustUser(t, cs, "u1", 500)

	primary.commit = func() {
		require.NoError(t, cs.InTx(ctx, func(tx store.Tx) error {
			_, _, err := tx.AdjustBalance(ctx, "u1", d(-200))
			return err
		}))
	}

	u, err := cs.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(500)), "read started before the commit")

	n, err := rdb.Exists(ctx, "user:u1").Result()
	require.NoError(t, err)
	assert.Zero(t, n, "the pre-commit row must not be cached")

	u, err = cs.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d(300)))
}
