package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libranexus/lending/pkg/redis"
)

// Store is the subset of Redis used for marking work as done.
type Store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Manager claims (scope, id) pairs with SETNX so that a piece of work runs at most
// once per TTL window. Keys follow lending:idempotency:<scope>:<id>.
type Manager struct {
	store Store
	ttl   time.Duration
}

func NewManager(store Store, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{store: store, ttl: ttl}, nil
}

// Claim returns true when the caller is the first to claim id within scope.
func (m *Manager) Claim(ctx context.Context, scope, id string) (bool, error) {
	ok, err := m.store.SetNX(ctx, key(scope, id), time.Now().UTC().Format(time.RFC3339), m.ttl)
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", scope, id, err)
	}
	return ok, nil
}

// Release forgets a claim so the work can be attempted again.
func (m *Manager) Release(ctx context.Context, scope, id string) error {
	if err := m.store.Del(ctx, key(scope, id)); err != nil {
		return fmt.Errorf("release %s/%s: %w", scope, id, err)
	}
	return nil
}

func key(scope, id string) string {
	return redis.Key("idempotency", scope, id)
}
