package sessions

import (
	"context"
	"sync"
)

// Queue serializes work per session. Callers for the same session are served
// in the order they called Acquire; different sessions never wait on each
// other.
//
// Thread Safety:
// Queue is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	held    bool
	waiters []*waiter
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{lanes: make(map[string]*lane)}
}

// Acquire blocks until it is the caller's turn for sessionID or ctx is done.
// The returned release function must be called exactly once; extra calls are
// ignored.
func (q *Queue) Acquire(ctx context.Context, sessionID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	l, ok := q.lanes[sessionID]
	if !ok {
		l = &lane{}
		q.lanes[sessionID] = l
	}
	if !l.held {
		l.held = true
		q.mu.Unlock()
		return q.releaser(sessionID), nil
	}
	w := &waiter{ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return q.releaser(sessionID), nil
	case <-ctx.Done():
		q.mu.Lock()
		if w.granted {
			// Handed the slot while giving up; pass it on.
			q.mu.Unlock()
			q.release(sessionID)
			return nil, ctx.Err()
		}
		for i, other := range l.waiters {
			if other == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Pending reports how many callers hold or wait for sessionID.
func (q *Queue) Pending(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[sessionID]
	if !ok {
		return 0
	}
	n := len(l.waiters)
	if l.held {
		n++
	}
	return n
}

func (q *Queue) releaser(sessionID string) func() {
	var once sync.Once
	return func() { once.Do(func() { q.release(sessionID) }) }
}

func (q *Queue) release(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[sessionID]
	if !ok {
		return
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		next.granted = true
		close(next.ready)
		return
	}
	delete(q.lanes, sessionID)
}
