// Package arbiter implements the Concurrency Arbiter (C8): per-node mutual
// exclusion for operations that mutate node state, assigned workflow, or
// active BootSession, plus boot-request deduplication (spec.md §5/§8).
//
// Locks are fair (FIFO) channel-based mutexes with a bounded acquisition
// wait; when two locks are ever held together (only during migration/clone
// operations) callers must acquire them in ascending node-id order to
// preclude deadlock — this package does not reorder for the caller.
package arbiter

import (
	"context"
	"sync"
	"time"

	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/engineerr"
	"github.com/pureboot/pureboot/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Lock is a single acquired node lock. Release must be called exactly once.
type Lock struct {
	release func()
}

// Release unlocks the node. Safe to call exactly once.
func (l *Lock) Release() {
	if l == nil || l.release == nil {
		return
	}
	l.release()
}

// fifoMutex is a strictly-FIFO mutex: goroutines acquire tickets in the
// order they call Acquire and are served in that order, unlike sync.Mutex
// which makes no such guarantee under contention.
type fifoMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

func (f *fifoMutex) acquire(ctx context.Context, timeout time.Duration) bool {
	f.mu.Lock()
	if !f.locked && len(f.waiters) == 0 {
		f.locked = true
		f.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		f.abandon(ch)
		return false
	case <-ctx.Done():
		f.abandon(ch)
		return false
	}
}

// abandon removes a waiter that gave up (timeout/cancellation) from the
// queue so it never gets woken. If release() already handed the lock to
// this waiter, abandon passes it on to the next waiter (or unlocks).
func (f *fifoMutex) abandon(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w == ch {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
	// Already woken and removed by release(), which left the mutex locked on
	// this waiter's behalf; hand it on so the lock is not leaked.
	if len(f.waiters) == 0 {
		f.locked = false
		return
	}
	next := f.waiters[0]
	f.waiters = f.waiters[1:]
	close(next)
}

func (f *fifoMutex) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.waiters) == 0 {
		f.locked = false
		return
	}
	next := f.waiters[0]
	f.waiters = f.waiters[1:]
	close(next)
}

// Arbiter provides per-node locking and request deduplication.
type Arbiter struct {
	clock       clock.Clock
	waitTimeout time.Duration
	dedupWindow time.Duration

	mu    sync.Mutex
	locks map[string]*fifoMutex

	sf     singleflight.Group
	dmu    sync.Mutex
	recent map[string]dedupEntry
}

type dedupEntry struct {
	at     time.Time
	result any
	err    error
}

// New returns an Arbiter. waitTimeout bounds lock acquisition (spec.md §5
// default 5s); dedupWindow bounds request-coalescing (spec.md §5 default 2s).
func New(c clock.Clock, waitTimeout, dedupWindow time.Duration) *Arbiter {
	return &Arbiter{
		clock:       c,
		waitTimeout: waitTimeout,
		dedupWindow: dedupWindow,
		locks:       make(map[string]*fifoMutex),
		recent:      make(map[string]dedupEntry),
	}
}

func (a *Arbiter) mutexFor(nodeID string) *fifoMutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.locks[nodeID]
	if !ok {
		m = &fifoMutex{}
		a.locks[nodeID] = m
	}
	return m
}

// AcquireNodeLock blocks until the node's lock is held, the context is
// cancelled, or the configured wait timeout elapses, whichever comes first.
// Exceeding the timeout returns engineerr.ErrBusy, per spec.md §5/§7.
func (a *Arbiter) AcquireNodeLock(ctx context.Context, nodeID string) (*Lock, error) {
	start := a.clock.Now()
	m := a.mutexFor(nodeID)
	if !m.acquire(ctx, a.waitTimeout) {
		metrics.ObserveLockWait("timeout", a.clock.Now().Sub(start).Seconds())
		return nil, engineerr.ErrBusy
	}
	metrics.ObserveLockWait("acquired", a.clock.Now().Sub(start).Seconds())
	return &Lock{release: m.release}, nil
}

// Dedup coalesces concurrent identical requests for the same key and serves
// cached results to requests arriving within the configured window after a
// prior request completed (spec.md §5: "(node id, requested artifact path,
// 2-second window)"; Testable Property 6). compute is invoked at most once
// per window per key.
func (a *Arbiter) Dedup(key string, compute func() (any, error)) (any, error) {
	now := a.clock.Now()

	a.dmu.Lock()
	if e, ok := a.recent[key]; ok && now.Sub(e.at) < a.dedupWindow {
		a.dmu.Unlock()
		return e.result, e.err
	}
	a.dmu.Unlock()

	v, err, _ := a.sf.Do(key, compute)

	a.dmu.Lock()
	a.recent[key] = dedupEntry{at: now, result: v, err: err}
	a.dmu.Unlock()

	return v, err
}
