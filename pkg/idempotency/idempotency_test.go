package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{keys: map[string]time.Duration{}}
}

func (s *memoryStore) SetNX(_ context.Context, key string, _ any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = ttl
	return true, nil
}

func (s *memoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.keys, k)
	}
	return nil
}

func TestClaimOnlyOnce(t *testing.T) {
	store := newMemoryStore()
	m, err := NewManager(store, 48*time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := m.Claim(ctx, "loan-overdue", "7:2026-03-01")
	require.NoError(t, err)
	second, err := m.Claim(ctx, "loan-overdue", "7:2026-03-01")
	require.NoError(t, err)
	nextDay, err := m.Claim(ctx, "loan-overdue", "7:2026-03-02")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.True(t, nextDay)
	assert.Equal(t, 48*time.Hour, store.keys["lending:idempotency:loan-overdue:7:2026-03-01"])
}

func TestReleaseAllowsReclaim(t *testing.T) {
	m, err := NewManager(newMemoryStore(), time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Claim(ctx, "s", "1")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "s", "1"))

	again, err := m.Claim(ctx, "s", "1")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestClaimPropagatesStoreErrors(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("redis down")
	m, err := NewManager(store, time.Hour)
	require.NoError(t, err)

	_, err = m.Claim(context.Background(), "s", "1")
	assert.ErrorContains(t, err, "redis down")
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(nil, time.Hour)
	assert.Error(t, err)
	_, err = NewManager(newMemoryStore(), -time.Second)
	assert.Error(t, err)
}
