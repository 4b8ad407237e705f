package service

import (
	"container/list"
	"context"
	"sync"
)

// SessionLocks serializes work per session id. Waiters for the same id are
// granted in arrival order; different ids never contend beyond the map lock.
type SessionLocks struct {
	mu     sync.Mutex
	queues map[string]*sessionQueue
}

type sessionQueue struct {
	held    bool
	waiters *list.List // of *lockWaiter
}

type lockWaiter struct {
	ready   chan struct{}
	granted bool
}

// NewSessionLocks creates an empty lock table.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{queues: make(map[string]*sessionQueue)}
}

// Acquire blocks until the caller owns sessionID or ctx is done. A caller
// that gives up before being granted is dropped from the queue and never
// runs. The returned release func is safe to call more than once.
func (l *SessionLocks) Acquire(ctx context.Context, sessionID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	q, ok := l.queues[sessionID]
	if !ok {
		q = &sessionQueue{waiters: list.New()}
		l.queues[sessionID] = q
	}
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return l.releaser(sessionID), nil
	}

	w := &lockWaiter{ready: make(chan struct{})}
	elem := q.waiters.PushBack(w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return l.releaser(sessionID), nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// Handed over while we were giving up; pass it on.
			l.mu.Unlock()
			l.release(sessionID)
			return nil, ctx.Err()
		}
		q.waiters.Remove(elem)
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Len reports how many sessions are currently held or waited on.
func (l *SessionLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

func (l *SessionLocks) releaser(sessionID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(sessionID) })
	}
}

func (l *SessionLocks) release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[sessionID]
	if !ok {
		return
	}

	front := q.waiters.Front()
	if front == nil {
		delete(l.queues, sessionID)
		return
	}

	q.waiters.Remove(front)
	w := front.Value.(*lockWaiter)
	w.granted = true
	close(w.ready)
}
