package matcher

import "sync"

// SessionStore tracks live sessions by ride id. Implementations must be safe
// for concurrent use.
type SessionStore interface {
	// Insert adds s unless a session for the same ride exists.
	Insert(s *Session) bool
	Get(rideID string) (*Session, bool)
	Remove(rideID string)
	Len() int
}

// MemoryStore is the in-process SessionStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Insert(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.RideID()]; ok {
		return false
	}
	m.sessions[s.RideID()] = s
	return true
}

func (m *MemoryStore) Get(rideID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[rideID]
	return s, ok
}

func (m *MemoryStore) Remove(rideID string) {
	m.mu.Lock()
	delete(m.sessions, rideID)
	m.mu.Unlock()
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
