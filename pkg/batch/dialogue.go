package batch

import (
	"context"
	"sync"
	"time"

	"github.com/tataru-assistant/tataru"
	"go.uber.org/zap"
)

// DialogueConfig holds configuration for dialogue line batching
type DialogueConfig struct {
	Window       time.Duration // Quiet period after the last line before a flush
	MaxBatchSize int           // Lines per flush before an immediate flush
	Separator    string        // Joins lines of a group
}

// DefaultDialogueConfig returns default dialogue batching configuration
func DefaultDialogueConfig() *DialogueConfig {
	return &DialogueConfig{
		Window:       100 * time.Millisecond,
		MaxBatchSize: 10,
		Separator:    "\n||||SEP||||\n",
	}
}

// Line is a dialogue line awaiting translation
type Line struct {
	Text   string
	Config tataru.Config
	Table  tataru.Table
	Type   tataru.TextType
}

func (l Line) request() *tataru.Request {
	return &tataru.Request{
		Text:   l.Text,
		Engine: l.Config.Engine,
		From:   l.Config.From,
		To:     l.Config.To,
		Type:   l.Type,
	}
}

// TranslateFunc translates one line of text, or several joined lines
type TranslateFunc func(ctx context.Context, line Line) (string, error)

// DialogueStats holds dialogue batching statistics
type DialogueStats struct {
	TotalLines    uint64  // Lines accepted for batching
	TotalBatches  uint64  // Groups processed
	Fallbacks     uint64  // Groups retranslated line by line
	SavedCalls    uint64  // Upstream calls avoided
	LinesPerBatch float64 // Average group size
}

// DialogueBatcher debounces dialogue lines arriving in quick succession
// and translates lines sharing engine, language pair and type together.
type DialogueBatcher struct {
	mu      sync.Mutex
	config  *DialogueConfig
	pending []*dialogueItem
	timer   *time.Timer
	stats   DialogueStats
	closed  bool
	logger  *zap.Logger
	flushes sync.WaitGroup
}

type dialogueItem struct {
	ctx    context.Context
	line   Line
	fn     TranslateFunc
	result chan result
}

// DialogueOption configures a DialogueBatcher
type DialogueOption func(*DialogueBatcher)

// WithDialogueLogger sets the logger
func WithDialogueLogger(logger *zap.Logger) DialogueOption {
	return func(b *DialogueBatcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewDialogueBatcher creates a dialogue batcher
func NewDialogueBatcher(config *DialogueConfig, opts ...DialogueOption) *DialogueBatcher {
	if config == nil {
		config = DefaultDialogueConfig()
	}

	b := &DialogueBatcher{
		config: config,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Add queues a line and blocks until its translation is ready.
// It returns tataru.ErrDisabled when the line's config turns batching off
// or the batcher is closed, in which case the caller translates directly.
func (b *DialogueBatcher) Add(ctx context.Context, line Line, fn TranslateFunc) (string, error) {
	if !line.Config.MultilineBatching {
		return "", tataru.ErrDisabled
	}

	item := &dialogueItem{ctx: ctx, line: line, fn: fn, result: make(chan result, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", tataru.ErrDisabled
	}

	b.pending = append(b.pending, item)
	b.stats.TotalLines++

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	if len(b.pending) >= b.config.MaxBatchSize {
		items := b.take()
		b.mu.Unlock()
		go b.process(items)
	} else {
		b.timer = time.AfterFunc(b.config.Window, b.flushTimer)
		b.mu.Unlock()
	}

	return wait(ctx, item.result)
}

// Flush processes pending lines immediately and waits for their results
func (b *DialogueBatcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.take()
	b.mu.Unlock()

	if len(items) > 0 {
		b.process(items)
	}
}

// Close flushes pending lines, waits for running flushes and stops accepting lines
func (b *DialogueBatcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.Flush()

	done := make(chan struct{})
	go func() {
		b.flushes.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns dialogue batching statistics
func (b *DialogueBatcher) Stats() DialogueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stats
	if st.TotalBatches > 0 {
		st.LinesPerBatch = float64(st.TotalLines) / float64(st.TotalBatches)
	}
	return st
}

// take empties the pending list and accounts for its flush. Caller holds b.mu.
func (b *DialogueBatcher) take() []*dialogueItem {
	items := b.pending
	b.pending = nil
	if len(items) > 0 {
		b.flushes.Add(1)
	}
	return items
}

func (b *DialogueBatcher) flushTimer() {
	b.mu.Lock()
	b.timer = nil
	items := b.take()
	b.mu.Unlock()

	if len(items) > 0 {
		b.process(items)
	}
}

// process translates one flush worth of lines, one group at a time in parallel
func (b *DialogueBatcher) process(items []*dialogueItem) {
	defer b.flushes.Done()

	groups := make(map[string][]*dialogueItem)
	var order []string
	for _, item := range items {
		key := item.line.request().GroupKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}

	b.logger.Debug("processing dialogue lines",
		zap.Int("lines", len(items)),
		zap.Int("groups", len(order)),
	)

	var wg sync.WaitGroup
	for _, key := range order {
		wg.Add(1)
		go func(group []*dialogueItem) {
			defer wg.Done()
			b.processGroup(group)
		}(groups[key])
	}
	wg.Wait()
}

func (b *DialogueBatcher) processGroup(group []*dialogueItem) {
	b.mu.Lock()
	b.stats.TotalBatches++
	b.mu.Unlock()

	first := group[0]
	ctx := context.WithoutCancel(first.ctx)

	if len(group) == 1 {
		value, err := first.fn(ctx, first.line)
		first.result <- result{value: value, err: err}
		return
	}

	texts := make([]string, len(group))
	for i, item := range group {
		texts[i] = item.line.Text
	}

	combined := first.line
	combined.Text = Join(texts, b.config.Separator)

	translated, err := first.fn(ctx, combined)
	if err == nil {
		parts := Split(translated, b.config.Separator)
		if len(parts) == len(group) {
			for i, item := range group {
				item.result <- result{value: parts[i]}
			}
			b.mu.Lock()
			b.stats.SavedCalls += uint64(len(group) - 1)
			b.mu.Unlock()
			return
		}
		b.logger.Warn("dialogue batch count mismatch, translating lines individually",
			zap.Int("expected", len(group)),
			zap.Int("got", len(parts)),
		)
	} else {
		b.logger.Warn("dialogue batch failed, translating lines individually",
			zap.Int("lines", len(group)),
			zap.Error(err),
		)
	}

	b.mu.Lock()
	b.stats.Fallbacks++
	b.mu.Unlock()

	for _, item := range group {
		value, err := item.fn(context.WithoutCancel(item.ctx), item.line)
		item.result <- result{value: value, err: err}
	}
}
