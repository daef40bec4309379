// Package engine defines translation engines and the registry that dispatches to them
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tataru-assistant/tataru"
)

// Engine translates text through one backend
type Engine interface {
	Name() string
	Translate(ctx context.Context, req *tataru.Request) (string, error)
}

// StreamingEngine is an Engine that can emit partial results.
// onDelta receives each new piece of text; the return value is the full result.
type StreamingEngine interface {
	Engine
	TranslateStream(ctx context.Context, req *tataru.Request, onDelta func(string)) (string, error)
}

// Registry maps engine names to engines
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates a registry holding engines
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine)}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds an engine, replacing any engine of the same name
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.engines[e.Name()] = e
}

// Get returns the engine registered under name
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", tataru.ErrUnknownEngine, name)
	}
	return e, nil
}

// Streaming returns the engine registered under name if it supports streaming
func (r *Registry) Streaming(name string) (StreamingEngine, bool) {
	e, err := r.Get(name)
	if err != nil {
		return nil, false
	}
	s, ok := e.(StreamingEngine)
	return s, ok
}

// Names lists registered engine names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Translate dispatches req to the engine named by req.Engine.
// It has the tataru.Handler signature and is the innermost handler of the middleware chain.
func (r *Registry) Translate(ctx context.Context, req *tataru.Request) (string, error) {
	e, err := r.Get(req.Engine)
	if err != nil {
		return "", err
	}
	return e.Translate(ctx, req)
}
