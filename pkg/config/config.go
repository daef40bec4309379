// Package config loads the YAML configuration of the translation assistant
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/chaos"
	"github.com/tataru-assistant/tataru/middleware"
	"github.com/tataru-assistant/tataru/pkg/batch"
	"github.com/tataru-assistant/tataru/pkg/cache"
	"github.com/tataru-assistant/tataru/pkg/engine"
	"github.com/tataru-assistant/tataru/pkg/tracing"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"
)

// Cache backends
const (
	BackendNone   = "none"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the root of the configuration file
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Translation TranslationConfig `yaml:"translation"`
	Cache       CacheConfig       `yaml:"cache"`
	Batching    BatchingConfig    `yaml:"batching"`
	Middleware  MiddlewareConfig  `yaml:"middleware"`
	Server      ServerConfig      `yaml:"server"`
	Tracing     tracing.Config    `yaml:"tracing"`
	Engines     EnginesConfig     `yaml:"engines"`
}

// LogConfig selects the zap logger
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// TranslationConfig is the user's translation setting plus engine call timeouts
type TranslationConfig struct {
	tataru.Config  `yaml:",inline"`
	Timeout        time.Duration            `yaml:"timeout"`
	EngineTimeouts map[string]time.Duration `yaml:"engine_timeouts"`
}

// CacheConfig configures the translation cache and its persistence
type CacheConfig struct {
	Backend          string        `yaml:"backend"`
	Path             string        `yaml:"path"`
	SQLitePath       string        `yaml:"sqlite_path"`
	Redis            RedisConfig   `yaml:"redis"`
	MaxSize          int           `yaml:"max_size"`
	SessionMaxSize   int           `yaml:"session_max_size"`
	PromoteThreshold int           `yaml:"promote_threshold"`
	DemoteThreshold  int           `yaml:"demote_threshold"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
	MaxPreloadLength int           `yaml:"max_preload_length"`
	Preload          string        `yaml:"preload"` // Common phrases dictionary loaded at startup
}

// RedisConfig is the YAML form of cache.RedisConfig
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BatchingConfig configures both batchers
type BatchingConfig struct {
	Engine   EngineBatchConfig   `yaml:"engine"`
	Dialogue DialogueBatchConfig `yaml:"dialogue"`
}

// EngineBatchConfig is the YAML form of batch.EngineConfig
type EngineBatchConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Window         time.Duration `yaml:"window"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxBatchLength int           `yaml:"max_batch_length"`
	Batchable      []string      `yaml:"batchable"`
	MismatchPolicy string        `yaml:"mismatch_policy"`
}

// DialogueBatchConfig is the YAML form of batch.DialogueConfig
type DialogueBatchConfig struct {
	Window       time.Duration `yaml:"window"`
	MaxBatchSize int           `yaml:"max_batch_size"`
}

// MiddlewareConfig configures the engine middleware chain
type MiddlewareConfig struct {
	RateLimit     middleware.Limit            `yaml:"rate_limit"`
	RateLimits    map[string]middleware.Limit `yaml:"rate_limits"`
	Retry         RetryConfig                 `yaml:"retry"`
	Breaker       BreakerConfig               `yaml:"breaker"`
	SlowThreshold time.Duration               `yaml:"slow_threshold"`
	Chaos         ChaosConfig                 `yaml:"chaos"`
}

// RetryConfig configures retries of transient engine failures
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// BreakerConfig configures the per-engine circuit breakers
type BreakerConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold"`
	MinRequests      uint32        `yaml:"min_requests"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ChaosConfig injects faults into engine calls. It is off unless enabled.
type ChaosConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Engines            []string      `yaml:"engines"` // Empty targets every engine
	LatencyMin         time.Duration `yaml:"latency_min"`
	LatencyMax         time.Duration `yaml:"latency_max"`
	LatencyProbability float64       `yaml:"latency_probability"`
	ErrorCodes         []string      `yaml:"error_codes"` // gRPC code names such as UNAVAILABLE
	ErrorProbability   float64       `yaml:"error_probability"`
	Timeout            time.Duration `yaml:"timeout"`
	TimeoutProbability float64       `yaml:"timeout_probability"`
	GarbleProbability  float64       `yaml:"garble_probability"`
}

// ServerConfig configures the gRPC and metrics listeners
type ServerConfig struct {
	Listen        string              `yaml:"listen"`
	MetricsListen string              `yaml:"metrics_listen"`
	JWTSecret     string              `yaml:"jwt_secret"`
	APIKeys       map[string][]string `yaml:"api_keys"` // key → roles
}

// EnginesConfig lists the engines to register
type EnginesConfig struct {
	Dictionaries []DictionaryConfig    `yaml:"dictionaries"`
	Remotes      []engine.RemoteConfig `yaml:"remotes"`
}

// DictionaryConfig registers an offline dictionary engine
type DictionaryConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Default returns the built-in configuration
func Default() *Config {
	store := cache.DefaultConfig()
	engineBatch := batch.DefaultEngineConfig()
	dialogue := batch.DefaultDialogueConfig()
	redis := cache.DefaultRedisConfig()

	return &Config{
		Log: LogConfig{Level: "info"},
		Translation: TranslationConfig{
			Config: tataru.Config{
				Engine:          "Youdao",
				EngineAlternate: "Baidu",
				AutoChange:      true,
				From:            "Japanese",
				To:              "Traditional-Chinese",
			},
			Timeout: middleware.DefaultTimeout,
		},
		Cache: CacheConfig{
			Backend:    BackendFile,
			Path:       "translation-cache.json",
			SQLitePath: "translation-cache.db",
			Redis: RedisConfig{
				Addr:    redis.Addr,
				Key:     redis.Key,
				Timeout: redis.Timeout,
			},
			MaxSize:          store.MaxSize,
			SessionMaxSize:   store.SessionMaxSize,
			PromoteThreshold: store.PromoteThreshold,
			DemoteThreshold:  store.DemoteThreshold,
			CleanupInterval:  store.CleanupInterval,
			AutosaveInterval: store.AutosaveInterval,
			MaxPreloadLength: store.MaxPreloadLength,
		},
		Batching: BatchingConfig{
			Engine: EngineBatchConfig{
				Enabled:        true,
				Window:         engineBatch.Window,
				MaxBatchSize:   engineBatch.MaxBatchSize,
				MaxBatchLength: engineBatch.MaxBatchLength,
				Batchable:      engineBatch.Batchable,
				MismatchPolicy: engineBatch.MismatchPolicy.String(),
			},
			Dialogue: DialogueBatchConfig{
				Window:       dialogue.Window,
				MaxBatchSize: dialogue.MaxBatchSize,
			},
		},
		Middleware: MiddlewareConfig{
			RateLimit: middleware.Limit{Rate: 10, Burst: 5},
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 0.6,
				MinRequests:      10,
				Timeout:          30 * time.Second,
			},
			SlowThreshold: 5 * time.Second,
		},
		Server: ServerConfig{
			Listen:        ":50051",
			MetricsListen: ":9090",
		},
		Tracing: *tracing.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. ${VAR} references are expanded
// from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be corrected silently
func (c *Config) Validate() error {
	var errs []error

	if c.Translation.Engine == "" {
		errs = append(errs, errors.New("translation.engine is required"))
	}

	switch c.Cache.Backend {
	case BackendNone, BackendFile, BackendRedis, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.MaxSize <= 0 {
		errs = append(errs, errors.New("cache.max_size must be positive"))
	}
	if c.Cache.SessionMaxSize < 0 {
		errs = append(errs, errors.New("cache.session_max_size must not be negative"))
	}

	if _, err := ParseMismatchPolicy(c.Batching.Engine.MismatchPolicy); err != nil {
		errs = append(errs, err)
	}

	if c.Middleware.Chaos.Enabled {
		errs = append(errs, c.Middleware.Chaos.validate())
	}

	for i, d := range c.Engines.Dictionaries {
		if d.Name == "" || d.Path == "" {
			errs = append(errs, fmt.Errorf("engines.dictionaries[%d]: name and path are required", i))
		}
	}
	for i, r := range c.Engines.Remotes {
		if r.Name == "" || r.Addr == "" {
			errs = append(errs, fmt.Errorf("engines.remotes[%d]: name and addr are required", i))
		}
	}

	return errors.Join(errs...)
}

// ParseMismatchPolicy parses a batch.MismatchPolicy by name. The empty name is Retranslate.
func ParseMismatchPolicy(name string) (batch.MismatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", batch.Retranslate.String():
		return batch.Retranslate, nil
	case batch.Proportional.String():
		return batch.Proportional, nil
	}
	return batch.Retranslate, fmt.Errorf("batching.engine.mismatch_policy: unknown policy %q", name)
}

// StoreConfig returns the cache.Store configuration
func (c CacheConfig) StoreConfig() *cache.Config {
	return &cache.Config{
		MaxSize:          c.MaxSize,
		SessionMaxSize:   c.SessionMaxSize,
		PromoteThreshold: c.PromoteThreshold,
		DemoteThreshold:  c.DemoteThreshold,
		CleanupInterval:  c.CleanupInterval,
		AutosaveInterval: c.AutosaveInterval,
		MaxPreloadLength: c.MaxPreloadLength,
	}
}

// RedisConfig returns the Redis persister configuration
func (c CacheConfig) RedisConfig() *cache.RedisConfig {
	return &cache.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Key:      c.Redis.Key,
		Timeout:  c.Redis.Timeout,
	}
}

// EngineConfig returns the engine batcher configuration, or nil when engine batching is off
func (c BatchingConfig) EngineConfig() *batch.EngineConfig {
	if !c.Engine.Enabled {
		return nil
	}

	cfg := batch.DefaultEngineConfig()
	cfg.Window = c.Engine.Window
	cfg.MaxBatchSize = c.Engine.MaxBatchSize
	cfg.MaxBatchLength = c.Engine.MaxBatchLength
	cfg.Batchable = c.Engine.Batchable
	cfg.MismatchPolicy, _ = ParseMismatchPolicy(c.Engine.MismatchPolicy)
	return cfg
}

// DialogueConfig returns the dialogue batcher configuration
func (c BatchingConfig) DialogueConfig() *batch.DialogueConfig {
	cfg := batch.DefaultDialogueConfig()
	cfg.Window = c.Dialogue.Window
	cfg.MaxBatchSize = c.Dialogue.MaxBatchSize
	return cfg
}

// Timeouts returns the default engine call timeout and the per-engine
// overrides, clamped to the supported range
func (c TranslationConfig) Timeouts() (time.Duration, map[string]time.Duration) {
	overrides := make(map[string]time.Duration, len(c.EngineTimeouts))
	for name, d := range c.EngineTimeouts {
		overrides[name] = middleware.ClampTimeout(d)
	}
	return middleware.ClampTimeout(c.Timeout), overrides
}

// Codes parses the injected error codes. No codes means Unavailable.
func (c ChaosConfig) Codes() ([]codes.Code, error) {
	if len(c.ErrorCodes) == 0 {
		return []codes.Code{codes.Unavailable}, nil
	}

	out := make([]codes.Code, 0, len(c.ErrorCodes))
	for _, name := range c.ErrorCodes {
		var code codes.Code
		quoted := `"` + strings.ToUpper(strings.TrimSpace(name)) + `"`
		if err := code.UnmarshalJSON([]byte(quoted)); err != nil {
			return nil, fmt.Errorf("middleware.chaos.error_codes: unknown code %q", name)
		}
		out = append(out, code)
	}
	return out, nil
}

func (c ChaosConfig) validate() error {
	var errs []error
	if _, err := c.Codes(); err != nil {
		errs = append(errs, err)
	}
	for name, p := range map[string]float64{
		"latency_probability": c.LatencyProbability,
		"error_probability":   c.ErrorProbability,
		"timeout_probability": c.TimeoutProbability,
		"garble_probability":  c.GarbleProbability,
	} {
		if p < 0 || p > 1 {
			errs = append(errs, fmt.Errorf("middleware.chaos.%s must be between 0 and 1", name))
		}
	}
	if c.LatencyMax < c.LatencyMin {
		errs = append(errs, errors.New("middleware.chaos.latency_max must not be below latency_min"))
	}
	return errors.Join(errs...)
}

// Middleware returns the fault injector, or nil when chaos is disabled
func (c ChaosConfig) Middleware() tataru.Middleware {
	if !c.Enabled {
		return nil
	}

	var opts []chaos.ChaosOption
	if c.LatencyProbability > 0 {
		opts = append(opts, chaos.WithLatency(c.LatencyMin, c.LatencyMax, c.LatencyProbability))
	}
	if c.ErrorProbability > 0 {
		errorCodes, _ := c.Codes()
		opts = append(opts, chaos.WithErrors(errorCodes, c.ErrorProbability))
	}
	if c.TimeoutProbability > 0 {
		opts = append(opts, chaos.WithTimeout(c.Timeout, c.TimeoutProbability))
	}
	if c.GarbleProbability > 0 {
		opts = append(opts, chaos.WithGarble(c.GarbleProbability))
	}

	mw := chaos.New(opts...)
	if len(c.Engines) > 0 {
		mw = chaos.ForEngines(c.Engines, mw)
	}
	return mw
}
