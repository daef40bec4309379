package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/middleware"
	"github.com/tataru-assistant/tataru/pipeline"
	"github.com/tataru-assistant/tataru/pkg/batch"
	"github.com/tataru-assistant/tataru/pkg/cache"
	"github.com/tataru-assistant/tataru/pkg/config"
	"github.com/tataru-assistant/tataru/pkg/engine"
	"github.com/tataru-assistant/tataru/pkg/inflight"
	"github.com/tataru-assistant/tataru/pkg/metrics"
	"go.uber.org/zap"
)

// app holds the components built from a configuration
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.PrometheusCollector
	pipeline *pipeline.Pipeline
	breakers *middleware.Breakers
	closers  []func() error
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zcfg.Level = level
	}

	return zcfg.Build()
}

// newPersister opens the snapshot backend selected by cfg.Backend.
// The none backend returns a nil persister.
func newPersister(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (cache.Persister, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return cache.NewFilePersister(cfg.Path), nil
	case config.BackendRedis:
		return cache.NewRedisPersister(ctx, cfg.RedisConfig(), logger)
	case config.BackendSQLite:
		return cache.NewSQLitePersister(cfg.SQLitePath)
	case config.BackendNone, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

// openStore builds the cache and restores the persisted snapshot
func openStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (*cache.Store, error) {
	persister, err := newPersister(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []cache.Option{cache.WithLogger(logger)}
	if persister != nil {
		opts = append(opts, cache.WithPersister(persister))
	}

	store, err := cache.NewStore(cfg.StoreConfig(), opts...)
	if err != nil {
		if persister != nil {
			_ = persister.Close()
		}
		return nil, err
	}

	// A broken snapshot leaves the cache empty
	_ = store.Load(ctx)

	return store, nil
}

// newStore opens the cache and preloads the common phrase dictionary
func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*cache.Store, error) {
	store, err := openStore(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Preload != "" {
		pairs, err := cache.LoadDictionary(cfg.Cache.Preload)
		if err != nil {
			logger.Warn("failed to load preload dictionary", zap.String("path", cfg.Cache.Preload), zap.Error(err))
		} else {
			store.Preload(pairs, cfg.Translation.Engine, cfg.Translation.To)
		}
	}

	return store, nil
}

// newRegistry registers the dictionary and remote engines of cfg. The
// returned closers disconnect the remote engines.
func newRegistry(ctx context.Context, cfg config.EnginesConfig) (*engine.Registry, []func() error, error) {
	registry := engine.NewRegistry()
	var closers []func() error

	fail := func(err error) (*engine.Registry, []func() error, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, nil, err
	}

	for _, d := range cfg.Dictionaries {
		pairs, err := cache.LoadDictionary(d.Path)
		if err != nil {
			return fail(fmt.Errorf("engine %s: %w", d.Name, err))
		}
		entries := make(map[string]string, len(pairs))
		for _, p := range pairs {
			entries[p.Source] = p.Translation
		}
		registry.Register(engine.NewDictionary(d.Name, entries))
	}

	for i := range cfg.Remotes {
		remote, err := engine.DialRemote(ctx, &cfg.Remotes[i])
		if err != nil {
			return fail(fmt.Errorf("engine %s: %w", cfg.Remotes[i].Name, err))
		}
		registry.Register(remote)
		closers = append(closers, remote.Close)
	}

	return registry, closers, nil
}

// newChain assembles the middleware wrapped around every engine call.
// Outermost first: logging, slow call warnings, metrics, tracing, the
// circuit breaker, retries, rate limiting, the call timeout and, when
// enabled, fault injection.
func newChain(cfg *config.Config, logger *zap.Logger, collector metrics.MetricsCollector, breakers *middleware.Breakers) *tataru.Chain {
	mw := cfg.Middleware
	timeout, engineTimeouts := cfg.Translation.Timeouts()

	retry := middleware.NewRetry(
		middleware.WithMaxAttempts(mw.Retry.MaxAttempts),
		middleware.WithInitialBackoff(mw.Retry.InitialBackoff),
		middleware.WithMaxBackoff(mw.Retry.MaxBackoff),
		middleware.WithOnRetry(func(engine string, attempt int, err error, next time.Duration) {
			logger.Debug("retrying engine call",
				zap.String("engine", engine),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)

	chain := tataru.NewChain(
		middleware.Logging(middleware.WithLogger(logger)),
	)
	if mw.SlowThreshold > 0 {
		chain.Append(middleware.PerformanceLog(logger, mw.SlowThreshold))
	}
	if collector != nil {
		chain.Append(middleware.Metrics(collector))
	}
	if cfg.Tracing.Enabled {
		chain.Append(middleware.Tracing(middleware.WithRecordErrors(), middleware.WithRecordEvents()))
	}
	chain.Append(
		breakers.Middleware(),
		retry.Middleware(),
		middleware.NewPerEngineRateLimiter(mw.RateLimit, mw.RateLimits).Middleware(),
		middleware.TimeoutPerEngine(timeout, engineTimeouts),
	)
	if faults := mw.Chaos.Middleware(); faults != nil {
		logger.Warn("chaos fault injection enabled", zap.Strings("engines", mw.Chaos.Engines))
		chain.Append(faults)
	}
	return chain
}

func newBreakers(cfg config.BreakerConfig, logger *zap.Logger) *middleware.Breakers {
	return middleware.NewBreakers(
		middleware.WithFailureThreshold(cfg.FailureThreshold),
		middleware.WithMinRequests(cfg.MinRequests),
		middleware.WithTimeout(cfg.Timeout),
		middleware.WithOnStateChange(func(from, to middleware.State) {
			logger.Warn("engine circuit breaker changed state",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}),
	)
}

// newApp builds the translation pipeline described by cfg
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	collector, err := metrics.NewPrometheusCollector()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: collector}

	registry, closers, err := newRegistry(ctx, cfg.Engines)
	if err != nil {
		return nil, err
	}
	a.closers = closers
	if len(registry.Names()) == 0 {
		logger.Warn("no engines configured, every uncached line will fail")
	}

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		a.closeEngines()
		return nil, err
	}

	dedup := inflight.New()
	dialogue := batch.NewDialogueBatcher(cfg.Batching.DialogueConfig(), batch.WithDialogueLogger(logger))

	var batcher *batch.EngineBatcher
	if ec := cfg.Batching.EngineConfig(); ec != nil {
		batcher = batch.NewEngineBatcher(ec, batch.WithEngineLogger(logger))
	}

	sources := []error{
		collector.RegisterCache(store),
		collector.RegisterInflight(dedup),
		collector.RegisterDialogueBatcher(dialogue),
	}
	if batcher != nil {
		sources = append(sources, collector.RegisterEngineBatcher(batcher))
	}
	if err := errors.Join(sources...); err != nil {
		logger.Warn("failed to register component metrics", zap.Error(err))
	}

	a.breakers = newBreakers(cfg.Middleware.Breaker, logger)

	a.pipeline, err = pipeline.New(registry,
		pipeline.WithStore(store),
		pipeline.WithInflight(dedup),
		pipeline.WithDialogueBatcher(dialogue),
		pipeline.WithEngineBatcher(batcher),
		pipeline.WithChain(newChain(cfg, logger, collector, a.breakers)),
		pipeline.WithNotifier(func(msg string) {
			logger.Info(msg)
		}),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(collector),
	)
	if err != nil {
		_ = store.Close()
		a.closeEngines()
		return nil, err
	}

	return a, nil
}

func (a *app) closeEngines() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("failed to close engine", zap.Error(err))
		}
	}
	a.closers = nil
}

// Close stops the pipeline, saves the cache and disconnects remote engines
func (a *app) Close(ctx context.Context) error {
	err := a.pipeline.Close(ctx)
	a.closeEngines()
	_ = a.logger.Sync()
	return err
}
