// Package store persists session transcripts and the remaining-session quota
// for the development backend.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrUnknownUser = errors.New("unknown user")

// Turn is one user or assistant message of a coaching session.
type Turn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Transcripts stores the turns of each session.
type Transcripts interface {
	SaveTurn(ctx context.Context, turn Turn) error
	// SessionTurns returns a session's turns in chronological order.
	SessionTurns(ctx context.Context, sessionID string) ([]Turn, error)
	Close() error
}

// Quotas tracks how many sessions each user has left. Users start with the
// default allowance and never drop below zero.
type Quotas interface {
	Remaining(ctx context.Context, userID string) (int, error)
	Decrement(ctx context.Context, userID string) (int, error)
	Close() error
}
