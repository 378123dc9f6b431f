package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/lending/pkg/config"
)

func TestOptionsFromConfig(t *testing.T) {
	opts, err := optionsFromConfig(config.RedisConfig{
		URL:         "redis://:secret@cache:6380/2",
		PoolSize:    7,
		DialTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
}

func TestOptionsFromConfigRequiresURL(t *testing.T) {
	_, err := optionsFromConfig(config.RedisConfig{})
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "lending:idempotency:loan-overdue:42:2026-01-02", Key("idempotency", "loan-overdue", "42:2026-01-02"))
	assert.Equal(t, "lending:worker:lock", Key(":worker:", "", "lock"))
}
