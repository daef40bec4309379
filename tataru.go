// Package tataru provides the translation request pipeline of a game-chat translation assistant
package tataru

import (
	"context"
)

// TextType classifies the text being translated
type TextType string

const (
	TypeSentence TextType = "sentence"
	TypeName     TextType = "name"
	TypeDialogue TextType = "dialogue"
)

// Request is a single upstream translation call
type Request struct {
	Text   string
	Engine string
	From   string
	To     string
	Type   TextType
}

// GroupKey returns the batching equivalence key of the request.
// Requests sharing a group key can be sent in one upstream call.
func (r *Request) GroupKey() string {
	return r.Engine + "|" + r.From + "|" + r.To + "|" + string(r.Type)
}

// WithText returns a copy of the request carrying different text
func (r Request) WithText(text string) *Request {
	r.Text = text
	return &r
}

// WithEngine returns a copy of the request targeting a different engine
func (r Request) WithEngine(engine string) *Request {
	r.Engine = engine
	return &r
}

// Config is the translation section of the user configuration
type Config struct {
	Engine            string `yaml:"engine"`
	EngineAlternate   string `yaml:"engine_alternate"`
	AutoChange        bool   `yaml:"auto_change"`
	From              string `yaml:"from"`
	To                string `yaml:"to"`
	MultilineBatching bool   `yaml:"multiline_batching"`
}

// Engines returns the ordered fallback chain for the configuration.
// Empty and duplicate engine names are skipped.
func (c *Config) Engines() []string {
	engines := make([]string, 0, 2)
	for _, name := range []string{c.Engine, c.EngineAlternate} {
		if name == "" {
			continue
		}
		dup := false
		for _, e := range engines {
			if e == name {
				dup = true
				break
			}
		}
		if !dup {
			engines = append(engines, name)
		}
	}
	return engines
}

// Placeholder maps a code inserted into the source text to the name it protects
type Placeholder struct {
	Code        string
	Replacement string
}

// Table is an ordered list of placeholders. Order is significant.
type Table []Placeholder

// Handler performs one upstream translation call
type Handler func(ctx context.Context, req *Request) (string, error)

// Middleware wraps a Handler with additional behavior
type Middleware func(ctx context.Context, req *Request, next Handler) (string, error)

// Chain represents a chain of middleware applied to every upstream call
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Append adds middleware to the end of the chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Prepend adds middleware to the beginning of the chain
func (c *Chain) Prepend(middlewares ...Middleware) *Chain {
	c.middlewares = append(middlewares, c.middlewares...)
	return c
}

// Len returns the number of middlewares in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Then returns a Handler that runs the chain before calling handler.
// The first middleware of the chain is the outermost.
func (c *Chain) Then(handler Handler) Handler {
	currentHandler := handler

	// Apply middleware in reverse order so they execute in the correct order
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		middleware := c.middlewares[i]
		next := currentHandler

		currentHandler = func(ctx context.Context, req *Request) (string, error) {
			return middleware(ctx, req, next)
		}
	}

	return currentHandler
}
