package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps transcripts and quotas in process for local use.
type InMemoryStore struct {
	defaultQuota int

	mu       sync.RWMutex
	sessions map[string][]Turn
	quotas   map[string]int
}

func NewInMemoryStore(defaultQuota int) *InMemoryStore {
	return &InMemoryStore{
		defaultQuota: defaultQuota,
		sessions:     make(map[string][]Turn),
		quotas:       make(map[string]int),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.sessions[turn.SessionID] = append(s.sessions[turn.SessionID], turn)
	return nil
}

func (s *InMemoryStore) SessionTurns(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.sessions[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	out := make([]Turn, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) Remaining(_ context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.quotas[userID]; ok {
		return n, nil
	}
	return s.defaultQuota, nil
}

func (s *InMemoryStore) Decrement(_ context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.quotas[userID]
	if !ok {
		n = s.defaultQuota
	}
	if n > 0 {
		n--
	}
	s.quotas[userID] = n
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
