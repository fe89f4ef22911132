package transport

import (
	"context"
	"sync"
)

// dispatchQueue runs callbacks one at a time, in the order they were pushed.
// It is unbounded so that a callback may push more work without blocking.
type dispatchQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{wake: make(chan struct{}, 1)}
}

func (q *dispatchQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *dispatchQueue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

func (q *dispatchQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		for {
			fn, ok := q.next()
			if !ok {
				break
			}
			fn()
		}
	}
}
