package dispatch

import (
	"context"
	"sync"
)

// request is a one-shot result slot completed by a delegate callback
type request[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newRequest[T any]() *request[T] {
	return &request[T]{done: make(chan struct{})}
}

// resolve completes the request; later calls are ignored
func (r *request[T]) resolve(value T, err error) {
	r.once.Do(func() {
		r.value = value
		r.err = err
		close(r.done)
	})
}

func (r *request[T]) fail(err error) {
	var zero T
	r.resolve(zero, err)
}

func (r *request[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// failer lets Close fail requests of any result type
type failer interface {
	fail(err error)
}

// requestTable holds the outstanding requests of one kind, keyed by attribute handle.
// Peripheral-wide requests use key 0.
type requestTable[T any] map[uint16]*request[T]

// register adds a request for handle h. Must be called with Dispatcher.mu held.
func (t requestTable[T]) register(h uint16) (*request[T], bool) {
	if _, exists := t[h]; exists {
		return nil, false
	}
	r := newRequest[T]()
	t[h] = r
	return r, true
}

// drop removes r if it is still the registered request for h. Must be called with Dispatcher.mu held.
func (t requestTable[T]) drop(h uint16, r *request[T]) {
	if cur, ok := t[h]; ok && cur == r {
		delete(t, h)
	}
}

// drain removes and returns all requests. Must be called with Dispatcher.mu held.
func (t requestTable[T]) drain() []failer {
	out := make([]failer, 0, len(t))
	for h, r := range t {
		out = append(out, r)
		delete(t, h)
	}
	return out
}
