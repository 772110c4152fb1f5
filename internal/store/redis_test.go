package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerperp/engine/internal/model"
)

// newTestRedis connects to REDIS_URL or skips.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestCachedStore_InvalidatesOnCommit(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	rdb.Del(ctx, vaultKey(1))

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		return tx.PutVault(&model.Vault{ID: 1, Owner: alice, CollateralAmount: d("1")})
	}))

	v, err := s.GetVault(ctx, 1)
	require.NoError(t, err)
	assert.True(t, v.CollateralAmount.Equal(d("1")))
	assert.EqualValues(t, 1, rdb.Exists(ctx, vaultKey(1)).Val(), "read should populate the cache")

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		return tx.PutVault(&model.Vault{ID: 1, Owner: alice, CollateralAmount: d("2")})
	}))
	assert.EqualValues(t, 0, rdb.Exists(ctx, vaultKey(1)).Val(), "commit should invalidate")

	v, err = s.GetVault(ctx, 1)
	require.NoError(t, err)
	assert.True(t, v.CollateralAmount.Equal(d("2")))
}

func TestCachedStore_KeepsCacheOnRollback(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	rdb.Del(ctx, vaultKey(2))

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		return tx.PutVault(&model.Vault{ID: 2, Owner: alice, CollateralAmount: d("1")})
	}))
	_, err := s.GetVault(ctx, 2)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Atomic(ctx, func(tx Tx) error {
		_ = tx.PutVault(&model.Vault{ID: 2, Owner: alice, CollateralAmount: d("9")})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := s.GetVault(ctx, 2)
	require.NoError(t, err)
	assert.True(t, v.CollateralAmount.Equal(d("1")))
}
