package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is an in-memory concurrent map of sessions keyed by session ID.
//
// It replaces the process-wide singleton session manager of older
// AirPlay receivers: the audio core consumes a Store as an injected
// capability and never touches global state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// GetOrDefault returns the session for id, creating a default one if
// none exists. An empty id is assigned a generated UUID so every
// session is addressable afterwards.
//
// Returns:
//   - *Session: the stored or newly created session
func (st *Store) GetOrDefault(id string) *Session {
	if id == "" {
		id = uuid.NewString()
		logrus.WithFields(logrus.Fields{
			"function": "Store.GetOrDefault",
			"session":  id,
		}).Debug("Assigned generated session ID")
	}

	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok = st.sessions[id]; ok {
		return s
	}
	s = &Session{ID: id}
	st.sessions[id] = s
	logrus.WithFields(logrus.Fields{
		"function": "Store.GetOrDefault",
		"session":  id,
	}).Info("Created default session")
	return s
}

// Upsert stores s under its ID, replacing any existing session. An
// empty ID is assigned a generated UUID first.
func (st *Store) Upsert(s *Session) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Store.Upsert",
		"session":  s.ID,
		"format":   s.Format.String(),
	}).Info("Session stored")
}

// Delete removes the session for id, if present.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}
