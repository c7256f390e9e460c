package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// Locker is a named mutual-exclusion primitive shared by every loader
// instance. TryAcquire never waits.
type Locker interface {
	TryAcquire(ctx context.Context, namespace, id int32) (bool, error)
	Release(ctx context.Context, namespace, id int32) error
}

type memoryLockKey struct {
	namespace int32
	id        int32
}

// MemoryLock is an in-process Locker for tests and single-instance runs.
type MemoryLock struct {
	mu   sync.Mutex
	held map[memoryLockKey]bool
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[memoryLockKey]bool)}
}

func (l *MemoryLock) TryAcquire(_ context.Context, namespace, id int32) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := memoryLockKey{namespace, id}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context, namespace, id int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := memoryLockKey{namespace, id}
	if !l.held[key] {
		return errors.New("lock not held")
	}
	delete(l.held, key)
	return nil
}
