// Package limiter bounds how many sandboxes run at once in this process.
package limiter

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the sandbox ceiling when none is configured.
const DefaultMaxConcurrent = 5

// Limiter is a FIFO admission gate. Tasks over the ceiling wait in arrival
// order; nothing is ever rejected except by the caller's own context.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// New creates a limiter admitting at most max tasks at a time.
func New(max int) *Limiter {
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(max)), capacity: max}
}

// Acquire blocks until a slot is free or ctx is canceled.
func (l *Limiter) Acquire(ctx context.Context) error {
	if !l.sem.TryAcquire(1) {
		l.waiting.Add(1)
		err := l.sem.Acquire(ctx, 1)
		l.waiting.Add(-1)
		if err != nil {
			return err
		}
	}
	l.inFlight.Add(1)
	return nil
}

// Release returns a slot taken by Acquire.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

// Do runs fn once a slot is free and releases the slot when fn returns,
// whether it succeeds, fails or panics.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// Admit is Do for tasks that produce a value.
func Admit[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Capacity is the configured ceiling.
func (l *Limiter) Capacity() int { return l.capacity }

// InFlight is the number of admitted tasks.
func (l *Limiter) InFlight() int { return int(l.inFlight.Load()) }

// Waiting is the number of tasks blocked on admission.
func (l *Limiter) Waiting() int { return int(l.waiting.Load()) }
