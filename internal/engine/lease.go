package engine

import (
	"context"
	"sync"
	"time"
)

// leases tracks order ids with an external call in flight. A lease outlives
// the tick that took it when the call times out, and is dropped only when
// the abandoned call finally returns.
type leases struct {
	mu  sync.Mutex
	ids map[string]struct{}
	wg  sync.WaitGroup
}

func newLeases() *leases {
	return &leases{ids: make(map[string]struct{})}
}

func (l *leases) acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; ok {
		return false
	}
	l.ids[id] = struct{}{}
	return true
}

func (l *leases) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ids, id)
}

func (l *leases) held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok
}

func (l *leases) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// wait blocks until every in-flight call has returned or timeout passes
func (l *leases) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

type callResult[T any] struct {
	val      T
	err      error
	timedOut bool
}

// call runs fn under a timeout while holding the lease on id. On timeout the
// caller gets timedOut and moves on; fn keeps the lease until it returns and
// its late result is dropped.
func call[T any](ctx context.Context, l *leases, id string, timeout time.Duration, fn func(context.Context) (T, error)) callResult[T] {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	ch := make(chan callResult[T], 1)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.release(id)
		defer cancel()
		v, err := fn(cctx)
		ch <- callResult[T]{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r
	case <-cctx.Done():
		select {
		case r := <-ch:
			return r
		default:
		}
		return callResult[T]{err: cctx.Err(), timedOut: true}
	}
}
