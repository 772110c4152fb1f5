package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/powerperp/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for vault reads. Transactions go to the primary store; vaults they
// write are invalidated once the commit succeeds.
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

// --- Write path (commit to primary, invalidate cache) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	var touched map[uint64]struct{}
	err := s.primary.Atomic(ctx, func(tx Tx) error {
		// Reset on every attempt so a retried callback starts clean.
		tracker := &touchTracker{Tx: tx, vaults: make(map[uint64]struct{})}
		touched = tracker.vaults
		return fn(tracker)
	})
	if err != nil {
		return err
	}
	for id := range touched {
		s.rdb.Del(ctx, vaultKey(id))
	}
	return nil
}

// touchTracker records vault ids written through it.
type touchTracker struct {
	Tx
	vaults map[uint64]struct{}
}

func (t *touchTracker) PutVault(v *model.Vault) error {
	if err := t.Tx.PutVault(v); err != nil {
		return err
	}
	t.vaults[v.ID] = struct{}{}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetVault(ctx context.Context, id uint64) (*model.Vault, error) {
	data, err := s.rdb.Get(ctx, vaultKey(id)).Bytes()
	if err == nil {
		var v model.Vault
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := s.primary.GetVault(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheVault(ctx, v)
	return v, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.primary.View(ctx, fn)
}

func (s *CachedStore) ListEvents(ctx context.Context, vaultID uint64, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, vaultID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheVault(ctx context.Context, v *model.Vault) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, vaultKey(v.ID), data, s.ttl)
	}
}

func vaultKey(id uint64) string { return fmt.Sprintf("vault:%d", id) }
