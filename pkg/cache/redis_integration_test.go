//go:build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisPersister_Integration(t *testing.T) {
	addr := os.Getenv("TATARU_REDIS_ADDR")
	if addr == "" {
		t.Skip("TATARU_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	cfg := DefaultRedisConfig()
	cfg.Addr = addr
	cfg.Key = "tataru:test:" + t.Name()

	p, err := NewRedisPersister(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.client.Del(context.Background(), cfg.Key).Err()
		_ = p.Close()
	})

	t.Run("Load missing key", func(t *testing.T) {
		entries, err := p.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Save and Load", func(t *testing.T) {
		want := []Entry{{"a", "1"}, {"b", "2"}}
		require.NoError(t, p.Save(ctx, want))

		got, err := p.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}
