package session

import (
	"context"
	"sync"
	"time"
)

// Manager tracks in-process runtime state per chat session. Durable
// session records live in the conversation store; this only serializes a
// session's turns (one at a time, never a global lock) and tracks liveness
// so idle entries are evicted.
type Manager struct {
	mu                sync.Mutex
	entries           map[string]*entry
	inactivityTimeout time.Duration
	onEvict           func(sessionID string)
}

type entry struct {
	// lock holds one token; owning the token is owning the session.
	lock         chan struct{}
	lastActivity time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		entries:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetEvictHook registers a callback invoked when an idle session's runtime
// state is dropped.
func (m *Manager) SetEvictHook(hook func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// Acquire takes the session's logical lock, waiting until the prior turn
// finishes or ctx is done. The returned release func must be called once.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		e = &entry{lock: make(chan struct{}, 1)}
		e.lock <- struct{}{}
		m.entries[sessionID] = e
	}
	e.lastActivity = time.Now().UTC()
	m.mu.Unlock()

	select {
	case <-e.lock:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			e.lastActivity = time.Now().UTC()
			m.mu.Unlock()
			e.lock <- struct{}{}
		})
	}
	return release, nil
}

// ActiveCount reports sessions with live runtime state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartJanitor evicts idle session state until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
}

func (m *Manager) evictIdle() {
	now := time.Now().UTC()
	var evicted []string

	m.mu.Lock()
	for id, e := range m.entries {
		if now.Sub(e.lastActivity) < m.inactivityTimeout {
			continue
		}
		// Only evict sessions nobody holds; a running turn keeps its entry.
		select {
		case <-e.lock:
			delete(m.entries, id)
			evicted = append(evicted, id)
		default:
		}
	}
	hook := m.onEvict
	m.mu.Unlock()

	if hook != nil {
		for _, id := range evicted {
			hook(id)
		}
	}
}
