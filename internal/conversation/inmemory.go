package conversation

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process conversation store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	turns    map[string][]Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		turns:    make(map[string][]Turn),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	c := sess
	s.sessions[sess.ID] = &c
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[turn.SessionID]
	if !ok {
		return Turn{}, ErrSessionNotFound
	}
	turn.Seq = len(s.turns[turn.SessionID]) + 1
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	sess.TurnCount = turn.Seq
	sess.LastActivity = turn.Timestamp
	return turn, nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, n int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	arr := s.turns[sessionID]
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	out := make([]Turn, n)
	copy(out, arr[len(arr)-n:])
	return out, nil
}

func (s *InMemoryStore) TurnRange(_ context.Context, sessionID string, fromSeq, toSeq int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	var out []Turn
	for _, t := range s.turns[sessionID] {
		if t.Seq >= fromSeq && t.Seq <= toSeq {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) PutSummary(_ context.Context, sessionID string, summary Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	c := summary
	if c.GeneratedAt.IsZero() {
		c.GeneratedAt = time.Now().UTC()
	}
	sess.Summary = &c
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
