// Package session tracks live MCP sessions and routes push events to
// them.
package session

import (
	"errors"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/mark3labs/mcp-go/server"
)

// EventBuffer is the per-session push queue depth. A slow SSE consumer
// loses events beyond this rather than blocking the dispatcher.
const EventBuffer = 64

var ErrNotFound = errors.New("session not found")

// Session is one authenticated MCP session. Each session gets its own
// tool server so handlers are scoped to the owning agent.
type Session struct {
	ID      string
	AgentID string
	Server  *server.MCPServer

	mu     sync.Mutex
	closed bool
	events chan []byte
}

// Push queues an event for the session's SSE stream. Returns false if
// the session is closed or its buffer is full; the event is dropped
// either way, never blocked on.
func (s *Session) Push(event []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

// Events is the stream the SSE handler drains. It is closed when the
// session closes.
func (s *Session) Events() <-chan []byte {
	return s.events
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Manager owns the session table and the agent reverse index.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byAgent  map[string]map[string]*Session
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byAgent:  make(map[string]map[string]*Session),
	}
}

// Create registers a new session for the agent and returns it.
func (m *Manager) Create(agentID string, srv *server.MCPServer) *Session {
	id := gonanoid.Must()
	s := &Session{
		ID:      id,
		AgentID: agentID,
		Server:  srv,
		events:  make(chan []byte, EventBuffer),
	}

	m.mu.Lock()
	m.sessions[id] = s
	agentSet, ok := m.byAgent[agentID]
	if !ok {
		agentSet = make(map[string]*Session)
		m.byAgent[agentID] = agentSet
	}
	agentSet[id] = s
	m.mu.Unlock()
	return s
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close removes a session and closes its event stream. Closing an
// unknown session returns ErrNotFound.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		agentSet := m.byAgent[s.AgentID]
		delete(agentSet, id)
		if len(agentSet) == 0 {
			delete(m.byAgent, s.AgentID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	s.close()
	return nil
}

// ForAgent returns every live session owned by the agent.
func (m *Manager) ForAgent(agentID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byAgent[agentID]))
	for _, s := range m.byAgent[agentID] {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll tears down every session, typically at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.byAgent = make(map[string]map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
