package locker

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked indicates the key is already held by another owner.
var ErrLocked = errors.New("locker: already held")

// Locker serializes work per key. Acquire is non-blocking: callers decide
// whether to retry or skip when the key is held.
type Locker interface {
	// Acquire takes the lock for key and returns a release function,
	// or ErrLocked when the key is currently held.
	Acquire(ctx context.Context, key string) (func(), error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory constructs an in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// Acquire implements Locker.
func (m *Memory) Acquire(_ context.Context, key string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[key]; taken {
		return nil, ErrLocked
	}
	m.held[key] = struct{}{}
	return func() {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}, nil
}
