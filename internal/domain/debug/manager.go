package debug

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Manager is the process-wide registry of debug sessions. Sessions are
// never removed implicitly: a terminated session stays queryable (state,
// console history, breakpoints) until the caller explicitly deletes it.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewManager constructs an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create connects a new debug session against req.TargetURL and registers
// it under a fresh UUID.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	id := uuid.NewString()
	s := newSession(id, req, m.logger.With("debugSession", id))

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Get returns the session with the given id, if it exists.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("debug session %s: not found", id)
	}
	return s, nil
}

// List returns every known session, including terminated ones.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Delete terminates (if still active) and permanently removes a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("debug session %s: not found", id)
	}
	s.terminate()
	return nil
}

// Shutdown terminates every session without removing them from the
// registry, so their last known state remains queryable.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		if s.State() != Terminated {
			s.terminate()
		}
	}
}
