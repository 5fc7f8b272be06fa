// Package watcher provides the generic snapshot-polling primitive: external
// data (escrow, allocations, denylist) is modeled as a snapshot-valued
// stream, and consumers read the latest snapshot by value rather than
// subscribing to per-change callbacks. Grounded on the
// original implementation's tokio::watch-based `new_watcher` (see
// original_source/common/src/watcher.rs): poll on an interval, publish the
// freshest value, and retry at half the interval on a poll error.
package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PollFunc produces the next snapshot value, or an error if the upstream
// (subgraph, store) is temporarily unavailable.
type PollFunc[T any] func(ctx context.Context) (T, error)

// Snapshot publishes the latest value produced by a PollFunc on a fixed
// interval. Reads are always non-blocking: Current returns whatever the
// last successful poll produced, by value.
type Snapshot[T any] struct {
	value atomic.Pointer[T]

	subsMu sync.Mutex
	subs   map[int]chan struct{}
	nextID int

	onError func(error)
}

// New starts a Snapshot, blocking until the first poll succeeds so callers
// never observe a zero-value snapshot. It keeps polling on interval until
// ctx is cancelled.
func New[T any](ctx context.Context, interval time.Duration, poll PollFunc[T], onError func(error)) (*Snapshot[T], error) {
	s := &Snapshot[T]{
		subs:    make(map[int]chan struct{}),
		onError: onError,
	}

	initial, err := poll(ctx)
	if err != nil {
		return nil, err
	}
	s.value.Store(&initial)

	go s.run(ctx, interval, poll)
	return s, nil
}

func (s *Snapshot[T]) run(ctx context.Context, interval time.Duration, poll PollFunc[T]) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				v, err := poll(ctx)
				if err == nil {
					s.value.Store(&v)
					s.notify()
					break
				}
				if s.onError != nil {
					s.onError(err)
				}
				// Back off briefly and retry sooner than the
				// next full tick, matching the original
				// watcher's half-interval retry.
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval / 2):
				}
			}
		}
	}
}

// Current returns the most recently published snapshot value.
func (s *Snapshot[T]) Current() T {
	return *s.value.Load()
}

// Changes returns a buffered (size 1) channel that receives a signal
// whenever Current changes; the signal is sent without blocking and is
// dropped if one is already pending. Consumers
// should read Current() after being notified rather than relying on the
// signal's payload.
func (s *Snapshot[T]) Changes() (ch <-chan struct{}, cancel func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextID
	s.nextID++
	c := make(chan struct{}, 1)
	s.subs[id] = c

	return c, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Snapshot[T]) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, c := range s.subs {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}
