// Package lock serializes work on a key, either within one process or across
// replicas through Redis.
package lock

import (
	"context"
	"sync"
)

// Locker runs fn while holding an exclusive lock on key.
// The error returned by fn is passed through unchanged.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Key helpers keep lock names consistent between components.
func AccountKey(accountID string) string { return "escrow:" + accountID }
func InvestorKey(userID string) string { return "investor:" + userID }
func TransactionKey(txID string) string { return "txn:" + txID }

// Local is an in-process keyed mutex. Idle keys are dropped from the map.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// WithLock implements Locker. Waiting for the lock honors ctx cancellation.
func (l *Local) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	s := l.acquire(key)
	defer l.drop(key, s)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()

	return fn(ctx)
}

func (l *Local) acquire(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len returns the number of keys currently tracked.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
