// Package locks provides per-session-ID mutexes used around session create
// and delete, eliminating create/delete races without serializing execution.
package locks

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	acquireTimeout = 5 * time.Second
	longHold       = 30 * time.Second
	maxWaiters     = 64
)

type lockEntry struct {
	ch         chan struct{} // capacity 1; full = held
	waiters    int
	acquiredAt time.Time
	refs       int
}

// Manager hands out per-ID locks with a bounded wait queue and an acquire
// timeout. A hold longer than 30s is reported through the long-hold hook.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry

	onLongHold func(id string, held time.Duration)
}

// NewManager creates a lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*lockEntry)}
}

// SetLongHoldHook registers the metrics callback for holds exceeding 30s.
func (m *Manager) SetLongHoldHook(fn func(id string, held time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLongHold = fn
}

// Acquire takes the lock for id, waiting up to 5s. The wait queue is
// bounded; overflow rejects the newest waiter. The returned release function
// is idempotent.
func (m *Manager) Acquire(id string) (release func(), err error) {
	m.mu.Lock()
	e, ok := m.locks[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		m.locks[id] = e
	}
	if e.waiters >= maxWaiters {
		m.mu.Unlock()
		return nil, fmt.Errorf("lock queue for session %s is full", id)
	}
	e.waiters++
	e.refs++
	m.mu.Unlock()

	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		m.mu.Lock()
		e.waiters--
		e.acquiredAt = time.Now()
		m.mu.Unlock()
		return m.releaser(id, e), nil
	case <-timer.C:
		m.mu.Lock()
		e.waiters--
		m.release(id, e)
		m.mu.Unlock()
		return nil, fmt.Errorf("timed out acquiring lock for session %s", id)
	}
}

func (m *Manager) releaser(id string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			held := time.Since(e.acquiredAt)
			hook := m.onLongHold
			<-e.ch
			m.release(id, e)
			m.mu.Unlock()

			if held > longHold {
				slog.Warn("session lock held too long", "session", id, "held", held)
				if hook != nil {
					hook(id, held)
				}
			}
		})
	}
}

// release drops a reference and removes the entry when idle. Caller holds m.mu.
func (m *Manager) release(id string, e *lockEntry) {
	e.refs--
	if e.refs == 0 && len(e.ch) == 0 && e.waiters == 0 {
		delete(m.locks, id)
	}
}
