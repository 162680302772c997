// Package session tracks the pipelines a bridge is running, providing
// create/remove/list operations used by the bridge and the inspector.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline roles.
const (
	RoleProducer = "producer"
	RoleConsumer = "consumer"
)

// Session is one running pipeline bound to a flow.
type Session struct {
	Name      string
	Role      string
	FlowID    uuid.UUID
	StartedAt time.Time

	stats func() any
	done  chan struct{}
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info is the JSON view of a session.
type Info struct {
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	FlowID   uuid.UUID `json:"flowId"`
	UptimeMs int64     `json:"uptimeMs"`
	Stats    any       `json:"stats,omitempty"`
}

// Info returns a point-in-time view of the session, including the stats
// of the pipeline behind it.
func (s *Session) Info() Info {
	info := Info{
		Name:     s.Name,
		Role:     s.Role,
		FlowID:   s.FlowID,
		UptimeMs: time.Since(s.StartedAt).Milliseconds(),
	}
	if s.stats != nil {
		info.Stats = s.stats()
	}
	return info
}

// Manager manages the lifecycle of running sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a new session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a session. stats, if set, is called for every Info.
// Returns the session and true if created, or nil and false if a session
// with this name already exists.
func (m *Manager) Create(name, role string, flowID uuid.UUID, stats func() any) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[name]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "name", name)
		return nil, false
	}

	s := &Session{
		Name:      name,
		Role:      role,
		FlowID:    flowID,
		StartedAt: time.Now(),
		stats:     stats,
		done:      make(chan struct{}),
	}
	m.sessions[name] = s
	m.log.Info("session created", "name", name, "role", role, "flow", flowID)
	return s, true
}

// Get returns the session registered under name.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Remove removes a session from the manager.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	s, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "name", name)
	}
}

// List returns all running sessions ordered by name.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })
	return sessions
}

// Infos returns the Info of every running session ordered by name.
func (m *Manager) Infos() []Info {
	sessions := m.List()
	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	return infos
}
