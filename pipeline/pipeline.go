// Package pipeline turns captured game text into translations.
//
// A request passes a cache lookup, in-flight deduplication and, for dialogue,
// the line batcher before it reaches the engine fallback chain. Each engine
// call goes through the engine batcher when the engine qualifies, then the
// middleware chain, then the engine itself.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/middleware"
	"github.com/tataru-assistant/tataru/pkg/batch"
	"github.com/tataru-assistant/tataru/pkg/cache"
	"github.com/tataru-assistant/tataru/pkg/engine"
	"github.com/tataru-assistant/tataru/pkg/inflight"
	"github.com/tataru-assistant/tataru/pkg/metrics"
	"github.com/tataru-assistant/tataru/pkg/textproc"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Notifier receives user-facing notices such as engine switches
type Notifier func(msg string)

// Option configures a Pipeline
type Option func(*Pipeline)

// WithStore sets the translation cache
func WithStore(store *cache.Store) Option {
	return func(p *Pipeline) {
		p.store = store
	}
}

// WithKeyBuilder sets the key builder used for cache and dedup keys
func WithKeyBuilder(kb *cache.KeyBuilder) Option {
	return func(p *Pipeline) {
		if kb != nil {
			p.keys = kb
		}
	}
}

// WithInflight sets the deduplication registry
func WithInflight(r *inflight.Registry) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.inflight = r
		}
	}
}

// WithDialogueBatcher sets the dialogue line batcher. A nil batcher disables dialogue batching.
func WithDialogueBatcher(b *batch.DialogueBatcher) Option {
	return func(p *Pipeline) {
		p.dialogue = b
		p.dialogueSet = true
	}
}

// WithEngineBatcher sets the engine batcher. A nil batcher disables engine batching.
func WithEngineBatcher(b *batch.EngineBatcher) Option {
	return func(p *Pipeline) {
		p.batcher = b
		p.batcherSet = true
	}
}

// WithChain sets the middleware chain wrapped around every engine call
func WithChain(chain *tataru.Chain) Option {
	return func(p *Pipeline) {
		if chain != nil {
			p.chain = chain
		}
	}
}

// WithNotifier sets the notification sink
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		if n != nil {
			p.notify = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the collector receiving fallback switches
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(p *Pipeline) {
		p.metrics = collector
	}
}

// Pipeline is the translation entry point. It owns the components it is
// given and closes them in Close.
type Pipeline struct {
	engines  *engine.Registry
	store    *cache.Store
	keys     *cache.KeyBuilder
	inflight *inflight.Registry
	dialogue *batch.DialogueBatcher
	batcher  *batch.EngineBatcher
	chain    *tataru.Chain
	notify   Notifier
	metrics  metrics.MetricsCollector
	logger   *zap.Logger

	dialogueSet bool
	batcherSet  bool

	handler   tataru.Handler
	closeOnce sync.Once
}

// Stats aggregates the statistics of the pipeline components
type Stats struct {
	Cache    cache.Stats
	Inflight inflight.Stats
	Engine   batch.EngineStats
	Dialogue batch.DialogueStats
}

// New creates a pipeline dispatching to engines.
// Components not supplied through options are created with their defaults.
func New(engines *engine.Registry, opts ...Option) (*Pipeline, error) {
	if engines == nil {
		return nil, errors.New("pipeline: engine registry is required")
	}

	p := &Pipeline{
		engines:  engines,
		keys:     cache.NewKeyBuilder(),
		inflight: inflight.New(),
		chain:    tataru.NewChain(),
		notify:   func(string) {},
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.store == nil {
		store, err := cache.NewStore(cache.DefaultConfig(), cache.WithLogger(p.logger), cache.WithKeyBuilder(p.keys))
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		p.store = store
	}
	if !p.dialogueSet {
		p.dialogue = batch.NewDialogueBatcher(batch.DefaultDialogueConfig(), batch.WithDialogueLogger(p.logger))
	}
	if !p.batcherSet {
		p.batcher = batch.NewEngineBatcher(batch.DefaultEngineConfig(), batch.WithEngineLogger(p.logger))
	}

	p.handler = p.chain.Then(engines.Translate)

	return p, nil
}

// Store returns the translation cache
func (p *Pipeline) Store() *cache.Store {
	return p.store
}

// Engines returns the engine registry
func (p *Pipeline) Engines() *engine.Registry {
	return p.engines
}

// Stats returns a snapshot of component statistics
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Cache:    p.store.Stats(),
		Inflight: p.inflight.Stats(),
	}
	if p.batcher != nil {
		st.Engine = p.batcher.Stats()
	}
	if p.dialogue != nil {
		st.Dialogue = p.dialogue.Stats()
	}
	return st
}

// Translate translates text and never fails: errors come back as their
// message so they can be shown in place of the translation.
func (p *Pipeline) Translate(ctx context.Context, text string, cfg tataru.Config, table tataru.Table, typ tataru.TextType) string {
	out, err := p.TranslateErr(ctx, text, cfg, table, typ)
	if err != nil {
		p.logger.Warn("translation failed",
			zap.String("engine", cfg.Engine),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
		return tataru.Message(err)
	}
	return out
}

// TranslateErr is Translate with the failure reported as an error
func (p *Pipeline) TranslateErr(ctx context.Context, text string, cfg tataru.Config, table tataru.Table, typ tataru.TextType) (string, error) {
	text = textproc.StripLineBreaks(text)
	if text == "" || cfg.From == cfg.To {
		return text, nil
	}
	if typ == "" {
		typ = tataru.TypeSentence
	}

	ctx, span := middleware.StartSpan(ctx, "pipeline/translate")
	defer span.End()

	key := p.keys.Build(text, cfg.Engine, table, cfg.To, typ)
	if value, ok := p.store.Get(key); ok {
		span.SetAttributes(attribute.Bool("tataru.cache.hit", true))
		return value, nil
	}

	line := batch.Line{Text: text, Config: cfg, Table: table, Type: typ}
	value, shared, err := p.inflight.Do(ctx, key, func(ctx context.Context) (string, error) {
		return p.lead(ctx, key, line)
	})

	span.SetAttributes(
		attribute.Bool("tataru.cache.hit", false),
		attribute.Bool("tataru.dedup.shared", shared),
	)
	if err != nil {
		middleware.RecordError(ctx, err)
		return "", err
	}
	return value, nil
}

// TranslateStream translates text, passing post-processed pieces to onDelta
// as a streaming engine produces them. Cache hits, joined computations and
// non-streaming engines deliver the whole result as one piece.
// The assembled result is returned and cached once.
func (p *Pipeline) TranslateStream(ctx context.Context, text string, cfg tataru.Config, table tataru.Table, typ tataru.TextType, onDelta func(string)) (string, error) {
	text = textproc.StripLineBreaks(text)
	if text == "" || cfg.From == cfg.To {
		return text, nil
	}
	if typ == "" {
		typ = tataru.TypeSentence
	}
	if onDelta == nil {
		onDelta = func(string) {}
	}

	ctx, span := middleware.StartSpan(ctx, "pipeline/translate_stream")
	defer span.End()

	key := p.keys.Build(text, cfg.Engine, table, cfg.To, typ)
	if value, ok := p.store.Get(key); ok {
		onDelta(value)
		return value, nil
	}

	// The computation outlives a caller that gives up, so deltas stop
	// reaching onDelta once this call returns.
	sink := &deltaSink{emit: onDelta}
	defer sink.stop()

	line := batch.Line{Text: text, Config: cfg, Table: table, Type: typ}
	value, shared, err := p.inflight.Do(ctx, key, func(ctx context.Context) (string, error) {
		if value, ok := p.store.Peek(key); ok {
			sink.send(value)
			return value, nil
		}
		raw, err := p.stream(ctx, line, sink.send)
		if err != nil {
			return "", err
		}
		return p.finish(key, raw, table), nil
	})
	if err != nil {
		middleware.RecordError(ctx, err)
		return "", err
	}
	if shared {
		onDelta(value)
	}
	return value, nil
}

// Preload caches source/translation pairs for the engine and target
// language of cfg. Entries are keyed as sentences unless types are given.
func (p *Pipeline) Preload(pairs []cache.Pair, cfg tataru.Config, types ...tataru.TextType) int {
	return p.store.Preload(pairs, cfg.Engine, cfg.To, types...)
}

// Close flushes queued dialogue lines, fails requests still waiting in the
// engine batcher and saves the cache.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []error
	p.closeOnce.Do(func() {
		if p.dialogue != nil {
			if err := p.dialogue.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close dialogue batcher: %w", err))
			}
		}
		if p.batcher != nil {
			p.batcher.Close()
		}
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	})
	return errors.Join(errs...)
}

// lead computes the translation of line as the in-flight leader for key.
// A leader that finished between the caller's cache lookup and Do has
// already stored the result, so the cache is checked again first.
func (p *Pipeline) lead(ctx context.Context, key string, line batch.Line) (string, error) {
	if value, ok := p.store.Peek(key); ok {
		return value, nil
	}
	raw, err := p.dispatch(ctx, line)
	if err != nil {
		return "", err
	}
	return p.finish(key, raw, line.Table), nil
}

// dispatch hands a line to the dialogue batcher, or translates it directly
// when dialogue batching does not apply.
func (p *Pipeline) dispatch(ctx context.Context, line batch.Line) (string, error) {
	if p.dialogue != nil {
		out, err := p.dialogue.Add(ctx, line, p.translateLine)
		if !errors.Is(err, tataru.ErrDisabled) {
			return out, err
		}
	}
	return p.translateLine(ctx, line)
}

// translateLine runs the engine fallback chain for line
func (p *Pipeline) translateLine(ctx context.Context, line batch.Line) (string, error) {
	return p.fallback(ctx, line, func(ctx context.Context, req *tataru.Request) (string, error) {
		return p.call(ctx, req)
	})
}

// stream runs the engine fallback chain, streaming from engines that support it
func (p *Pipeline) stream(ctx context.Context, line batch.Line, onDelta func(string)) (string, error) {
	return p.fallback(ctx, line, func(ctx context.Context, req *tataru.Request) (string, error) {
		se, ok := p.engines.Streaming(req.Engine)
		if !ok {
			out, err := p.call(ctx, req)
			if err == nil {
				onDelta(textproc.PostProcess(out, line.Table))
			}
			return out, err
		}

		streamed := p.chain.Then(func(ctx context.Context, req *tataru.Request) (string, error) {
			return se.TranslateStream(ctx, req, func(delta string) {
				onDelta(textproc.PostProcess(delta, line.Table))
			})
		})
		return streamed(ctx, req)
	})
}

// fallback tries each engine of the configuration in turn. The next engine
// is only tried when auto change is on, with a notice to the user.
func (p *Pipeline) fallback(ctx context.Context, line batch.Line, try tataru.Handler) (string, error) {
	engines := line.Config.Engines()
	if len(engines) == 0 {
		return "", fmt.Errorf("%w: none configured", tataru.ErrUnknownEngine)
	}

	req := &tataru.Request{
		Text: line.Text,
		From: line.Config.From,
		To:   line.Config.To,
		Type: line.Type,
	}

	var lastErr error
	for i, name := range engines {
		if i > 0 {
			if !line.Config.AutoChange || ctx.Err() != nil {
				break
			}
			p.switchEngine(engines[i-1], name, lastErr)
		}

		out, err := try(ctx, req.WithEngine(name))
		if err == nil && out == "" {
			err = fmt.Errorf("%s: %w", name, tataru.ErrEmptyResult)
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
	}

	return "", lastErr
}

// call sends one request through the engine batcher when the engine qualifies
func (p *Pipeline) call(ctx context.Context, req *tataru.Request) (string, error) {
	if p.batcher != nil && p.batcher.IsBatchable(req.Engine) {
		return p.batcher.Do(ctx, req, p.handler)
	}
	return p.handler(ctx, req)
}

func (p *Pipeline) switchEngine(from, to string, cause error) {
	p.logger.Info("switching translation engine",
		zap.String("from", from),
		zap.String("to", to),
		zap.Error(cause),
	)
	if p.metrics != nil {
		p.metrics.RecordFallback(from, to)
	}
	p.notify(fmt.Sprintf("Change to %s.", to))
}

// finish post-processes an engine result and caches it unless empty
func (p *Pipeline) finish(key, raw string, table tataru.Table) string {
	out := textproc.PostProcess(raw, table)
	if out != "" {
		p.store.Set(key, out)
	}
	return out
}

// deltaSink forwards deltas until stopped
type deltaSink struct {
	mu      sync.Mutex
	emit    func(string)
	stopped bool
}

func (s *deltaSink) send(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.emit(delta)
	}
}

func (s *deltaSink) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
}
