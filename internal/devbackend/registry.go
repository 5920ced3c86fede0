package devbackend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/minacoach/internal/clock"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	Status         Status    `json:"status"`
	Exchanges      int       `json:"exchanges"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Registry tracks chat sessions by id. Sessions nobody talks to for the
// inactivity timeout are ended by the janitor.
type Registry struct {
	clock clock.Clock

	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewRegistry(inactivityTimeout time.Duration, clk clock.Clock) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clock:             clk,
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Resolve returns the active session with id, or opens a new one when id is
// empty, unknown or already ended.
func (r *Registry) Resolve(id, userID, userName string) (s *Session, created bool) {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur.Status == StatusActive {
		cur.LastActivityAt = now
		if userName != "" {
			cur.UserName = userName
		}
		return clone(cur), false
	}
	s = &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		UserName:       userName,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	r.sessions[s.ID] = s
	return clone(s), true
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = r.clock.Now().UTC()
	return nil
}

// RecordExchange counts one user/coach exchange.
func (r *Registry) RecordExchange(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	s.Exchanges++
	s.LastActivityAt = r.clock.Now().UTC()
	return s.Exchanges, nil
}

func (r *Registry) End(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.LastActivityAt = r.clock.Now().UTC()
	return clone(s), nil
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := r.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (r *Registry) expireInactive() {
	now := r.clock.Now().UTC()
	var expired []*Session

	r.mu.Lock()
	for _, s := range r.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
