package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tataru-assistant/tataru"
)

var glossary = map[string]string{
	"Hello": "你好",
	"World": "世界",
	"Again": "再次",
}

// fakeEngine translates word by word and keeps every separator it sees
type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	// mangle, when set, rewrites combined payloads
	mangle func(string) string
	err    error
}

func (f *fakeEngine) handle(ctx context.Context, req *tataru.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Text)
	mangle, err := f.mangle, f.err
	f.mu.Unlock()

	if err != nil {
		return "", err
	}

	out := req.Text
	for src, dst := range glossary {
		out = strings.ReplaceAll(out, src, dst)
	}
	if mangle != nil && strings.Contains(req.Text, "###TATARU_SEP###") {
		out = mangle(out)
	}
	return out, nil
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func request(engine, text string) *tataru.Request {
	return &tataru.Request{Text: text, Engine: engine, From: "English", To: "Traditional-Chinese", Type: tataru.TypeSentence}
}

// doAll issues the requests concurrently and returns results in request order
func doAll(t *testing.T, b *EngineBatcher, fn tataru.Handler, reqs ...*tataru.Request) ([]string, []error) {
	t.Helper()

	values := make([]string, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *tataru.Request) {
			defer wg.Done()
			values[i], errs[i] = b.Do(context.Background(), req, fn)
		}(i, req)
	}
	wg.Wait()

	return values, errs
}

func pairConfig() *EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Window = time.Hour
	cfg.MaxBatchSize = 2
	return cfg
}

func TestEngineBatcherCombinesRequests(t *testing.T) {
	engine := &fakeEngine{}
	b := NewEngineBatcher(pairConfig())
	defer b.Close()

	values, errs := doAll(t, b, engine.handle, request("Baidu", "Hello"), request("Baidu", "World"))

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "你好", values[0])
	assert.Equal(t, "世界", values[1])

	calls := engine.Calls()
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []string{"Hello", "World"}, Split(calls[0], DefaultEngineConfig().Separator))

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Batches)
	assert.Equal(t, uint64(2), st.BatchedItems)
	assert.Equal(t, uint64(1), st.SavedCalls())
	assert.Zero(t, st.Pending)
}

func TestEngineBatcherWindowFlush(t *testing.T) {
	engine := &fakeEngine{}
	cfg := DefaultEngineConfig()
	cfg.Window = 20 * time.Millisecond
	b := NewEngineBatcher(cfg)
	defer b.Close()

	start := time.Now()
	value, err := b.Do(context.Background(), request("DeepL", "Hello"), engine.handle)
	require.NoError(t, err)

	assert.Equal(t, "你好", value)
	assert.GreaterOrEqual(t, time.Since(start), cfg.Window)
	assert.Equal(t, []string{"Hello"}, engine.Calls())
	assert.Equal(t, uint64(1), b.Stats().Direct)
}

func TestEngineBatcherLengthFlush(t *testing.T) {
	engine := &fakeEngine{}
	cfg := DefaultEngineConfig()
	cfg.Window = time.Hour
	cfg.MaxBatchLength = 5
	b := NewEngineBatcher(cfg)
	defer b.Close()

	value, err := b.Do(context.Background(), request("Youdao", "Hello"), engine.handle)
	require.NoError(t, err)
	assert.Equal(t, "你好", value)
}

func TestEngineBatcherNonBatchableEngine(t *testing.T) {
	engine := &fakeEngine{}
	b := NewEngineBatcher(pairConfig())
	defer b.Close()

	values, errs := doAll(t, b, engine.handle, request("Google", "Hello"), request("Google", "World"))

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []string{"你好", "世界"}, values)
	assert.ElementsMatch(t, []string{"Hello", "World"}, engine.Calls())
	assert.Zero(t, b.Stats().Batches)
}

func TestEngineBatcherSeparatesGroups(t *testing.T) {
	engine := &fakeEngine{}
	cfg := pairConfig()
	cfg.Window = 20 * time.Millisecond
	b := NewEngineBatcher(cfg)
	defer b.Close()

	english := request("Baidu", "Hello")
	japanese := request("Baidu", "World")
	japanese.To = "Japanese"

	values, errs := doAll(t, b, engine.handle, english, japanese)

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []string{"你好", "世界"}, values)
	assert.ElementsMatch(t, []string{"Hello", "World"}, engine.Calls())
}

func TestEngineBatcherMismatchRetranslates(t *testing.T) {
	engine := &fakeEngine{mangle: func(s string) string {
		return strings.ReplaceAll(s, "###TATARU_SEP###", "")
	}}
	b := NewEngineBatcher(pairConfig())
	defer b.Close()

	values, errs := doAll(t, b, engine.handle, request("Papago", "Hello"), request("Papago", "World"))

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []string{"你好", "世界"}, values)
	assert.Len(t, engine.Calls(), 3)
	assert.Equal(t, uint64(1), b.Stats().Mismatches)
}

func TestEngineBatcherMissingSeparatorRetranslatesEach(t *testing.T) {
	engine := &fakeEngine{mangle: func(s string) string {
		return strings.Replace(s, "###TATARU_SEP###", "", 1)
	}}
	cfg := pairConfig()
	cfg.MaxBatchSize = 3
	b := NewEngineBatcher(cfg)
	defer b.Close()

	values, errs := doAll(t, b, engine.handle,
		request("Papago", "Hello"), request("Papago", "World"), request("Papago", "Again"))

	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}
	if values[0] != "你好" || values[1] != "世界" || values[2] != "再次" {
		t.Errorf("Expected each line to get its own translation, got %q", values)
	}
	assert.Len(t, engine.Calls(), 4)
	assert.Equal(t, uint64(1), b.Stats().Mismatches)
}

func TestEngineBatcherMismatchProportional(t *testing.T) {
	engine := &fakeEngine{mangle: func(s string) string {
		return strings.ReplaceAll(strings.ReplaceAll(s, "###TATARU_SEP###", ""), "\n", "")
	}}
	cfg := pairConfig()
	cfg.MismatchPolicy = Proportional
	b := NewEngineBatcher(cfg)
	defer b.Close()

	values, errs := doAll(t, b, engine.handle, request("Baidu", "Hello"), request("Baidu", "World"))

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []string{"你好", "世界"}, values)
	assert.Len(t, engine.Calls(), 1)
}

func TestEngineBatcherErrorRejectsAll(t *testing.T) {
	upstream := errors.New("upstream down")
	engine := &fakeEngine{err: upstream}
	b := NewEngineBatcher(pairConfig())
	defer b.Close()

	_, errs := doAll(t, b, engine.handle, request("Baidu", "Hello"), request("Baidu", "World"))

	assert.ErrorIs(t, errs[0], upstream)
	assert.ErrorIs(t, errs[1], upstream)
	assert.Len(t, engine.Calls(), 1)
}

func TestEngineBatcherCloseRejectsPending(t *testing.T) {
	var called atomic.Int32
	fn := func(ctx context.Context, req *tataru.Request) (string, error) {
		called.Add(1)
		return req.Text, nil
	}

	cfg := DefaultEngineConfig()
	cfg.Window = time.Hour
	b := NewEngineBatcher(cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Do(context.Background(), request("Baidu", "Hello"), fn)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return b.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)
	b.Close()

	assert.ErrorIs(t, <-errCh, tataru.ErrShuttingDown)
	assert.Zero(t, called.Load())

	_, err := b.Do(context.Background(), request("Baidu", "World"), fn)
	assert.ErrorIs(t, err, tataru.ErrShuttingDown)
}

func TestEngineBatcherCallerCancel(t *testing.T) {
	engine := &fakeEngine{}
	cfg := DefaultEngineConfig()
	cfg.Window = 50 * time.Millisecond
	b := NewEngineBatcher(cfg)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := b.Do(ctx, request("Baidu", "Hello"), engine.handle)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the flush still runs for the abandoned request
	require.Eventually(t, func() bool { return len(engine.Calls()) == 1 }, time.Second, 5*time.Millisecond)
}
