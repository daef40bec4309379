package batch

import (
	"context"
	"sync"
	"time"

	"github.com/tataru-assistant/tataru"
	"go.uber.org/zap"
)

// MismatchPolicy decides what happens when a combined translation
// does not split back into one segment per request
type MismatchPolicy int

const (
	// Retranslate sends every request of the batch on its own
	Retranslate MismatchPolicy = iota
	// Proportional cuts the combined result into equal length pieces
	Proportional
)

func (p MismatchPolicy) String() string {
	switch p {
	case Retranslate:
		return "retranslate"
	case Proportional:
		return "proportional"
	default:
		return "unknown"
	}
}

// EngineConfig holds configuration for per-engine batching
type EngineConfig struct {
	Window         time.Duration  // Time the first request of a batch waits for company
	MaxBatchSize   int            // Requests per batch before an immediate flush
	MaxBatchLength int            // Characters per batch before an immediate flush
	Separator      string         // Joins texts of a batch
	Batchable      []string       // Engines that accept multi-segment text
	MismatchPolicy MismatchPolicy // Recovery when the result does not split evenly
}

// DefaultEngineConfig returns default engine batching configuration
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Window:         30 * time.Millisecond,
		MaxBatchSize:   10,
		MaxBatchLength: 1000,
		Separator:      "\n###TATARU_SEP###\n",
		Batchable:      []string{"Baidu", "Youdao", "Papago", "DeepL"},
		MismatchPolicy: Retranslate,
	}
}

// EngineStats holds engine batching statistics
type EngineStats struct {
	Direct       uint64 // Flushes holding a single request
	Batches      uint64 // Combined upstream calls
	BatchedItems uint64 // Requests served by combined calls
	Mismatches   uint64 // Combined results that did not split evenly
	Pending      int    // Requests waiting for a flush
}

// SavedCalls is the number of upstream calls avoided by batching
func (s EngineStats) SavedCalls() uint64 {
	return s.BatchedItems - s.Batches
}

// EngineBatcher collects concurrent requests for the same engine and
// language pair within a short window and sends them as one call.
type EngineBatcher struct {
	mu        sync.Mutex
	config    *EngineConfig
	batchable map[string]bool
	queues    map[string]*engineQueue
	stats     EngineStats
	closed    bool
	logger    *zap.Logger
	flushes   sync.WaitGroup
}

type engineQueue struct {
	key    string
	items  []*engineItem
	length int
	timer  *time.Timer
	fn     tataru.Handler
}

type engineItem struct {
	ctx    context.Context
	req    *tataru.Request
	result chan result
}

// EngineOption configures an EngineBatcher
type EngineOption func(*EngineBatcher)

// WithEngineLogger sets the logger
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(b *EngineBatcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewEngineBatcher creates an engine batcher
func NewEngineBatcher(config *EngineConfig, opts ...EngineOption) *EngineBatcher {
	if config == nil {
		config = DefaultEngineConfig()
	}

	b := &EngineBatcher{
		config:    config,
		batchable: make(map[string]bool, len(config.Batchable)),
		queues:    make(map[string]*engineQueue),
		logger:    zap.NewNop(),
	}
	for _, name := range config.Batchable {
		b.batchable[name] = true
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// IsBatchable reports whether requests for engine are batched
func (b *EngineBatcher) IsBatchable(engine string) bool {
	return b.batchable[engine]
}

// Do translates req through fn, batched with other requests of the same group
// when the engine allows it. Requests for other engines call fn directly.
func (b *EngineBatcher) Do(ctx context.Context, req *tataru.Request, fn tataru.Handler) (string, error) {
	if !b.IsBatchable(req.Engine) {
		return fn(ctx, req)
	}

	item := &engineItem{ctx: ctx, req: req, result: make(chan result, 1)}
	key := req.GroupKey()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", tataru.ErrShuttingDown
	}

	q, ok := b.queues[key]
	if !ok {
		q = &engineQueue{key: key, fn: fn}
		b.queues[key] = q
	}
	q.items = append(q.items, item)
	q.length += textLength(req.Text)
	b.stats.Pending++

	if len(q.items) >= b.config.MaxBatchSize || q.length >= b.config.MaxBatchLength {
		if q.timer != nil {
			q.timer.Stop()
		}
		b.detach(q)
		go b.flush(q)
	} else if q.timer == nil {
		q.timer = time.AfterFunc(b.config.Window, func() {
			b.flushTimer(q)
		})
	}
	b.mu.Unlock()

	return wait(ctx, item.result)
}

// Stats returns engine batching statistics
func (b *EngineBatcher) Stats() EngineStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stats
}

// Close fails every queued request with ErrShuttingDown and waits for
// running flushes. Queued requests are not sent since nothing will read
// their results.
func (b *EngineBatcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	rejected := 0
	for key, q := range b.queues {
		if q.timer != nil {
			q.timer.Stop()
		}
		for _, item := range q.items {
			item.result <- result{err: tataru.ErrShuttingDown}
		}
		rejected += len(q.items)
		delete(b.queues, key)
	}
	b.stats.Pending = 0
	b.mu.Unlock()

	if rejected > 0 {
		b.logger.Info("rejected pending batched requests on shutdown", zap.Int("count", rejected))
	}

	b.flushes.Wait()
}

// detach removes q from the queue map and accounts for its flush. Caller holds b.mu.
func (b *EngineBatcher) detach(q *engineQueue) {
	delete(b.queues, q.key)
	b.stats.Pending -= len(q.items)
	b.flushes.Add(1)
}

// flushTimer flushes q when its window expires, unless it was flushed already
func (b *EngineBatcher) flushTimer(q *engineQueue) {
	b.mu.Lock()
	if b.queues[q.key] != q {
		b.mu.Unlock()
		return
	}
	b.detach(q)
	b.mu.Unlock()

	b.flush(q)
}

// flush sends the queued requests and delivers one result per request
func (b *EngineBatcher) flush(q *engineQueue) {
	defer b.flushes.Done()

	items := q.items
	first := items[0]
	ctx := context.WithoutCancel(first.ctx)

	if len(items) == 1 {
		value, err := q.fn(ctx, first.req)
		b.mu.Lock()
		b.stats.Direct++
		b.mu.Unlock()
		first.result <- result{value: value, err: err}
		return
	}

	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.req.Text
	}

	b.logger.Debug("sending batched requests",
		zap.String("engine", first.req.Engine),
		zap.Int("size", len(items)),
	)

	b.mu.Lock()
	b.stats.Batches++
	b.stats.BatchedItems += uint64(len(items))
	b.mu.Unlock()

	combined, err := q.fn(ctx, first.req.WithText(Join(texts, b.config.Separator)))
	if err != nil {
		b.logger.Warn("batched translation failed",
			zap.String("engine", first.req.Engine),
			zap.Int("size", len(items)),
			zap.Error(err),
		)
		for _, item := range items {
			item.result <- result{err: err}
		}
		return
	}

	parts := Split(combined, b.config.Separator)
	if len(parts) == len(items) {
		for i, item := range items {
			item.result <- result{value: parts[i]}
		}
		return
	}

	b.mu.Lock()
	b.stats.Mismatches++
	b.mu.Unlock()

	b.logger.Warn("batched result count mismatch",
		zap.String("engine", first.req.Engine),
		zap.Int("expected", len(items)),
		zap.Int("got", len(parts)),
		zap.Stringer("policy", b.config.MismatchPolicy),
	)

	if b.config.MismatchPolicy == Proportional {
		pieces := SplitProportional(combined, len(items))
		for i, item := range items {
			item.result <- result{value: pieces[i]}
		}
		return
	}

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item *engineItem) {
			defer wg.Done()
			value, err := q.fn(ctx, item.req)
			item.result <- result{value: value, err: err}
		}(item)
	}
	wg.Wait()
}
