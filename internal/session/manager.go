package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/logging"
	"inputlayer/internal/notify"
	"inputlayer/internal/storage"
)

// Manager owns every live Session for one process, keyed by a uuid, plus
// the storage engine they all share, behind one mutex.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	engine   *storage.Engine
}

// NewManager wraps engine with a session registry.
func NewManager(engine *storage.Engine) *Manager {
	return &Manager{sessions: map[string]*Session{}, engine: engine}
}

// CreateSession starts a new session for user, with no current KG until
// the caller issues a `.kg` command.
func (m *Manager) CreateSession(user string) *Session {
	id := uuid.NewString()
	s := newSession(id, user, m.engine)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	logging.Named(logging.CategorySession).Infow("session started", "session_id", id, "user", user)
	return s
}

// Get returns the session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, coreerr.NotFound(fmt.Sprintf("no such session %q", id), nil)
	}
	return s, nil
}

// Close ends the session by ID, discarding its session-local rules/facts.
// The underlying KG is untouched: Manager tracks no reference count of
// its own here, since reference counting belongs to whatever protocol
// layer decides when a KG is safe to drop (storage.Engine.Drop takes that
// count as a parameter rather than owning it).
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return coreerr.NotFound(fmt.Sprintf("no such session %q", id), nil)
	}
	s.ClearSession()
	delete(m.sessions, id)
	logging.Named(logging.CategorySession).Infow("session closed", "session_id", id)
	return nil
}

// List returns every live session's ID.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Notifications returns kgName's notification hub, for reconnect replay
// (spec §6: "seq is monotonic per KG and used for reconnect replay via a
// bounded ring buffer").
func (m *Manager) Notifications(kgName string) *notify.Hub {
	return m.engine.Hub(kgName)
}
