// Package inflight deduplicates concurrent translations of the same key
package inflight

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Registry shares one computation among concurrent callers with the same key.
// The key is released as soon as the computation returns, whether it failed or not,
// so a failed translation never poisons later attempts.
type Registry struct {
	group      singleflight.Group
	executions atomic.Uint64
	joins      atomic.Uint64
	pending    atomic.Int64
}

// Stats holds deduplication statistics
type Stats struct {
	Executions uint64 // Computations actually started
	Joins      uint64 // Callers served by another caller's computation
	Pending    int64  // Computations currently running
}

// New creates an empty registry
func New() *Registry {
	return &Registry{}
}

// Do runs fn for key unless a computation for key is already running, in which
// case it waits for that one. shared reports whether the result came from
// another caller's computation.
//
// fn runs with a context detached from the caller's cancellation. A caller whose
// ctx ends stops waiting and gets ctx.Err(), while the computation continues for
// the remaining waiters.
func (r *Registry) Do(ctx context.Context, key string, fn func(ctx context.Context) (string, error)) (value string, shared bool, err error) {
	detached := context.WithoutCancel(ctx)

	leader := false
	ch := r.group.DoChan(key, func() (interface{}, error) {
		leader = true
		r.executions.Add(1)
		r.pending.Add(1)
		defer r.pending.Add(-1)
		return fn(detached)
	})

	select {
	case res := <-ch:
		if !leader {
			r.joins.Add(1)
		}
		if res.Err != nil {
			return "", !leader, res.Err
		}
		return res.Val.(string), !leader, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// Stats returns deduplication statistics
func (r *Registry) Stats() Stats {
	return Stats{
		Executions: r.executions.Load(),
		Joins:      r.joins.Load(),
		Pending:    r.pending.Load(),
	}
}
