// Package session tracks the live buffering sessions of a process, one
// engine per stream key, and tears each engine down when its session ends.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/mseq/internal/engine"
)

// Session is one stream's engine and its lifetime.
type Session struct {
	Key       string
	StartedAt time.Time
	Engine    *engine.Engine
	done      chan struct{}
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager owns the active sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers eng under key. It returns false, leaving eng untouched,
// when key is already taken.
func (m *Manager) Create(key string, eng *engine.Engine) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	s := &Session{
		Key:       key,
		StartedAt: time.Now(),
		Engine:    eng,
		done:      make(chan struct{}),
	}
	m.sessions[key] = s
	m.log.Info("session created", "key", key, "engine", eng.ID())
	return s, true
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Remove destroys the session's engine and forgets it. Removing an unknown
// key is a no-op.
func (m *Manager) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	close(s.done)
	err := s.Engine.Destroy(ctx)
	m.log.Info("session removed", "key", key, "uptime", time.Since(s.StartedAt).Round(time.Millisecond))
	return err
}

// List returns the active sessions ordered by key.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close removes every session.
func (m *Manager) Close(ctx context.Context) error {
	var first error
	for _, s := range m.List() {
		if err := m.Remove(ctx, s.Key); err != nil && first == nil {
			first = err
		}
	}
	return first
}
