// Package lock provides keyed mutual exclusion for order placement.
package lock

import (
	"context"
	"sync"
)

// Unlock releases a lock obtained from a Locker. It is safe to call more
// than once.
type Unlock func()

// Locker serializes work on a string key.
type Locker interface {
	// TryLock acquires key without waiting. ok is false when another holder
	// has it.
	TryLock(ctx context.Context, key string) (release Unlock, ok bool, err error)
	// Lock waits for key until ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}

// ---------------------------------------------------------------------------
// In-memory keyed lock
// ---------------------------------------------------------------------------

type entry struct {
	sem  chan struct{}
	refs int
}

// Memory is a process-local Locker. Entries are dropped once no goroutine
// holds or waits on them.
type Memory struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// NewMemory returns an empty in-memory Locker.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*entry)}
}

func (m *Memory) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	return e
}

func (m *Memory) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}

func (m *Memory) unlocker(key string, e *entry) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.release(key, e)
		})
	}
}

// TryLock implements Locker.
func (m *Memory) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	e := m.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return m.unlocker(key, e), true, nil
	default:
		m.release(key, e)
		return nil, false, nil
	}
}

// Lock implements Locker.
func (m *Memory) Lock(ctx context.Context, key string) (Unlock, error) {
	e := m.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return m.unlocker(key, e), nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
