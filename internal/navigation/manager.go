package navigation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
)

// ErrSessionNotFound is returned for unknown session IDs
var ErrSessionNotFound = errors.New("navigation session not found")

// Manager keeps track of independent sessions by ID
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

// NewManager creates an empty session registry
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// Start begins a session and registers it until it stops
func (m *Manager) Start(ctx context.Context, r *route.Route, cfg tracker.Config, opts ...Option) (*Session, error) {
	opts = append(opts, withStopHook(m.remove))

	s, err := Start(ctx, r, cfg, opts...)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[s.ID()] = s
	return s, nil
}

// Get returns a session by ID
func (m *Manager) Get(id string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Stop ends the session with the given ID
func (m *Manager) Stop(id string) (tracker.NavigationState, error) {
	s, ok := m.Get(id)
	if !ok {
		return tracker.NavigationState{}, ErrSessionNotFound
	}
	return s.Stop(), nil
}

// IDs lists active session IDs in sorted order
func (m *Manager) IDs() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll ends every active session
func (m *Manager) StopAll() {
	m.mutex.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mutex.RUnlock()

	for _, s := range sessions {
		s.Stop()
	}
}

func (m *Manager) remove(s *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, s.ID())
}
