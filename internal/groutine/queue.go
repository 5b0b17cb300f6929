package groutine

import (
	"context"
	"sync"
)

// Queue runs posted functions one at a time, in order, on a single named goroutine.
// Posting never blocks.
type Queue struct {
	name  string
	onErr func(recovered interface{})

	mu      sync.Mutex
	cond    *sync.Cond
	items   []func()
	running bool
	closed  bool

	group Group
}

// NewQueue starts a queue. onPanic, if set, receives values recovered from posted functions;
// otherwise panics are swallowed so one bad callback cannot stop the queue.
func NewQueue(name string, onPanic func(recovered interface{})) *Queue {
	q := &Queue{name: name, onErr: onPanic}
	q.cond = sync.NewCond(&q.mu)
	q.group.Go(context.Background(), name, q.loop)
	return q
}

// Post appends fn to the queue. It reports false once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Broadcast()
	return true
}

// Flush blocks until the queue is empty and idle, including work posted while flushing.
// Calling it from a posted function deadlocks.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 || q.running {
		q.cond.Wait()
	}
}

// Close runs what is already queued, then stops the goroutine. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.group.Wait()
}

func (q *Queue) loop(_ context.Context) {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.running = true
		q.mu.Unlock()

		q.run(fn)

		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && q.onErr != nil {
			q.onErr(r)
		}
	}()
	fn()
}
