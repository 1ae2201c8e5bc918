// Package keyqueue serializes and paces outbound calls that share a
// credential set. Every distinct key gets its own FIFO queue; consecutive
// dequeues on one key start at least Interval apart, while unrelated keys
// drain fully concurrently.
package keyqueue

import (
	"context"
	"sync"
	"time"
)

const DefaultInterval = 1200 * time.Millisecond

type Result[T any] struct {
	Value T
	Err   error
}

type job[T any] struct {
	ctx context.Context
	fn  func(ctx context.Context) (T, error)
	out chan Result[T]
}

type worker[T any] struct {
	mu      sync.Mutex
	pending []job[T]
	wake    chan struct{}
}

type Queue[T any] struct {
	interval time.Duration

	mu      sync.Mutex
	workers map[string]*worker[T]
}

func New[T any](interval time.Duration) *Queue[T] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Queue[T]{
		interval: interval,
		workers:  make(map[string]*worker[T]),
	}
}

// Schedule enqueues fn under key and returns a channel that will receive
// exactly one Result. Jobs under the same key run in submission order; if
// ctx is cancelled before the job starts, the result carries ctx.Err()
// and fn is never called.
func (q *Queue[T]) Schedule(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)

	q.mu.Lock()
	w, ok := q.workers[key]
	if !ok {
		w = &worker[T]{wake: make(chan struct{}, 1)}
		q.workers[key] = w
		go q.drain(w)
	}
	q.mu.Unlock()

	w.mu.Lock()
	w.pending = append(w.pending, job[T]{ctx: ctx, fn: fn, out: out})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}

	return out
}

// Do is the blocking form of Schedule.
func (q *Queue[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	res := <-q.Schedule(ctx, key, fn)
	return res.Value, res.Err
}

func (q *Queue[T]) drain(w *worker[T]) {
	for range w.wake {
		for {
			w.mu.Lock()
			if len(w.pending) == 0 {
				w.mu.Unlock()
				break
			}
			next := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()

			start := time.Now()
			if err := next.ctx.Err(); err != nil {
				next.out <- Result[T]{Err: err}
			} else {
				value, err := next.fn(next.ctx)
				next.out <- Result[T]{Value: value, Err: err}
			}

			// spacing is measured between the starts of consecutive
			// dequeues, not between completion and the next start
			if wait := q.interval - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
		}
	}
}
