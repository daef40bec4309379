package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pkg/batch"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "Youdao", cfg.Translation.Engine)
	assert.Equal(t, BackendFile, cfg.Cache.Backend)
	assert.Equal(t, 10000, cfg.Cache.MaxSize)
	assert.Equal(t, 500, cfg.Cache.SessionMaxSize)
	assert.Equal(t, 30*time.Second, cfg.Translation.Timeout)

	engineCfg := cfg.Batching.EngineConfig()
	require.NotNil(t, engineCfg)
	assert.Equal(t, 30*time.Millisecond, engineCfg.Window)
	assert.Equal(t, []string{"Baidu", "Youdao", "Papago", "DeepL"}, engineCfg.Batchable)
	assert.Equal(t, batch.Retranslate, engineCfg.MismatchPolicy)

	assert.Equal(t, 100*time.Millisecond, cfg.Batching.DialogueConfig().Window)
	assert.Nil(t, cfg.Middleware.Chaos.Middleware(), "chaos is off by default")
}

func TestLoad(t *testing.T) {
	t.Setenv("TATARU_JWT_SECRET", "s3cret")

	data := `
translation:
  engine: DeepL
  engine_alternate: Papago
  auto_change: true
  from: English
  to: Japanese
  multiline_batching: true
  timeout: 500ms
  engine_timeouts:
    GPT: 5m
cache:
  backend: sqlite
  sqlite_path: /tmp/cache.db
  max_size: 200
  cleanup_interval: 1m
batching:
  engine:
    enabled: false
  dialogue:
    window: 250ms
middleware:
  rate_limits:
    DeepL: {rate: 2, burst: 1}
server:
  listen: ":6000"
  jwt_secret: ${TATARU_JWT_SECRET}
  api_keys:
    local: [admin]
engines:
  dictionaries:
    - name: Phrasebook
      path: phrases.json
  remotes:
    - name: Upstream
      addr: localhost:50051
      engine: Baidu
`
	path := filepath.Join(t.TempDir(), "tataru.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	tr := cfg.Translation
	assert.Equal(t, "DeepL", tr.Engine)
	assert.Equal(t, "Papago", tr.EngineAlternate)
	assert.True(t, tr.AutoChange)
	assert.True(t, tr.MultilineBatching)
	assert.Equal(t, []string{"DeepL", "Papago"}, tr.Engines())

	timeout, overrides := tr.Timeouts()
	assert.Equal(t, time.Second, timeout)
	assert.Equal(t, 120*time.Second, overrides["GPT"])

	assert.Equal(t, BackendSQLite, cfg.Cache.Backend)
	store := cfg.Cache.StoreConfig()
	assert.Equal(t, 200, store.MaxSize)
	assert.Equal(t, time.Minute, store.CleanupInterval)
	// Unset values keep their defaults
	assert.Equal(t, 500, store.SessionMaxSize)

	assert.Nil(t, cfg.Batching.EngineConfig())
	assert.Equal(t, 250*time.Millisecond, cfg.Batching.DialogueConfig().Window)

	assert.Equal(t, 2.0, cfg.Middleware.RateLimits["DeepL"].Rate)
	assert.Equal(t, 3, cfg.Middleware.Retry.MaxAttempts)

	assert.Equal(t, ":6000", cfg.Server.Listen)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, []string{"admin"}, cfg.Server.APIKeys["local"])

	require.Len(t, cfg.Engines.Dictionaries, 1)
	require.Len(t, cfg.Engines.Remotes, 1)
	assert.Equal(t, "Baidu", cfg.Engines.Remotes[0].Engine)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "translation: ["},
		{"unknown backend", "cache: {backend: memcached}"},
		{"unknown policy", "batching: {engine: {mismatch_policy: guess}}"},
		{"empty engine", "translation: {engine: ''}"},
		{"remote without addr", "engines: {remotes: [{name: Upstream}]}"},
		{"unknown chaos code", "middleware: {chaos: {enabled: true, error_codes: [BROKEN]}}"},
		{"chaos probability", "middleware: {chaos: {enabled: true, error_probability: 1.5}}"},
		{"chaos latency range", "middleware: {chaos: {enabled: true, latency_min: 1s, latency_max: 1ms}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParseChaos(t *testing.T) {
	cfg, err := Parse([]byte(`
middleware:
  chaos:
    enabled: true
    engines: [Baidu]
    error_codes: [resource_exhausted, UNAVAILABLE]
    error_probability: 1
`))
	require.NoError(t, err)

	chaosCfg := cfg.Middleware.Chaos
	got, err := chaosCfg.Codes()
	require.NoError(t, err)
	assert.Equal(t, []codes.Code{codes.ResourceExhausted, codes.Unavailable}, got)

	mw := chaosCfg.Middleware()
	require.NotNil(t, mw)

	var calls int
	next := func(ctx context.Context, req *tataru.Request) (string, error) {
		calls++
		return "你好", nil
	}

	_, err = mw(context.Background(), &tataru.Request{Engine: "Baidu", Text: "Hello"}, next)
	code := status.Code(err)
	if code != codes.ResourceExhausted && code != codes.Unavailable {
		t.Errorf("Expected an injected error, got %v", err)
	}
	assert.Zero(t, calls)

	out, err := mw(context.Background(), &tataru.Request{Engine: "Youdao", Text: "Hello"}, next)
	require.NoError(t, err)
	assert.Equal(t, "你好", out)
	assert.Equal(t, 1, calls)
}

func TestChaosDefaultCode(t *testing.T) {
	got, err := ChaosConfig{}.Codes()
	require.NoError(t, err)
	assert.Equal(t, []codes.Code{codes.Unavailable}, got)
}

func TestParseMismatchPolicy(t *testing.T) {
	p, err := ParseMismatchPolicy("Proportional")
	require.NoError(t, err)
	assert.Equal(t, batch.Proportional, p)

	p, err = ParseMismatchPolicy("")
	require.NoError(t, err)
	assert.Equal(t, batch.Retranslate, p)
}
