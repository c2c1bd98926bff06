package chat

import (
	"sort"
	"strings"
	"sync"
)

// DurableStore is the persistence boundary: two record kinds, sessions and
// messages, keyed by session id. Implementations must not assume referential
// integrity in the schema itself; DeleteSession removes both record kinds
// together.
type DurableStore interface {
	PutSession(sess *Session) error
	GetSession(id string) (*Session, bool, error)
	ListSessions() ([]Session, error)
	// DeleteSession hard-removes the session record and every message
	// belonging to it.
	DeleteSession(id string) error

	// PutMessages replaces the stored message set for the session with the
	// given one. Messages without a valid id are dropped here, never
	// persisted and never an error.
	PutMessages(sessionID string, msgs []Message) error
	LoadMessages(sessionID string) ([]Message, error)

	Close() error
}

// MemoryStore keeps everything in process memory. It backs the degraded mode
// used when the embedded database cannot be opened, and doubles as the test
// store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
	}
}

func (s *MemoryStore) PutSession(sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.clone()
	return nil
}

func (s *MemoryStore) GetSession(id string) (*Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	out := sess.clone()
	return &out, true, nil
}

func (s *MemoryStore) ListSessions() ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) PutMessages(sessionID string, msgs []Message) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	kept := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		kept = append(kept, m.clone())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = kept
	return nil
}

func (s *MemoryStore) LoadMessages(sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.messages[sessionID]
	out := make([]Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, m.clone())
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
