package service

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSessionLocksGrantInArrivalOrder(t *testing.T) {
	locks := NewSessionLocks()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}

	var mu sync.Mutex
	order := make([]int, 0, 5)
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rel, err := locks.Acquire(ctx, "s1")
			if err != nil {
				t.Errorf("waiter %d: %v", n, err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			rel()
		}(i)
		waitForWaiters(t, locks, "s1", i+1)
	}

	release()
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("waiters ran out of order: %v", order)
		}
	}
	if locks.Len() != 0 {
		t.Fatalf("expected lock table to be empty, got %d entries", locks.Len())
	}
}

func TestSessionLocksCancelledWaiterIsSkipped(t *testing.T) {
	locks := NewSessionLocks()
	release, _ := locks.Acquire(context.Background(), "s1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := locks.Acquire(ctx, "s1")
		errCh <- err
	}()
	waitForWaiters(t, locks, "s1", 1)

	nextDone := make(chan struct{})
	go func() {
		rel, err := locks.Acquire(context.Background(), "s1")
		if err == nil {
			rel()
		}
		close(nextDone)
	}()
	waitForWaiters(t, locks, "s1", 2)

	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	release()
	select {
	case <-nextDone:
	case <-time.After(time.Second):
		t.Fatal("waiter behind the cancelled one was never granted")
	}
}

func TestSessionLocksIndependentSessions(t *testing.T) {
	locks := NewSessionLocks()
	releaseA, _ := locks.Acquire(context.Background(), "a")
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := locks.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("session b blocked behind session a: %v", err)
	}
	releaseB()
	releaseB()
}

func TestSessionLocksRejectsDoneContext(t *testing.T) {
	locks := NewSessionLocks()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := locks.Acquire(ctx, "s1"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if locks.Len() != 0 {
		t.Fatal("cancelled acquire must not leave state behind")
	}
}

func waitForWaiters(t *testing.T, locks *SessionLocks, sessionID string, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		locks.mu.Lock()
		q := locks.queues[sessionID]
		count := 0
		if q != nil {
			count = q.waiters.Len()
		}
		locks.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %s", n, sessionID)
}
