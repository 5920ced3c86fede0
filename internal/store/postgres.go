package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts and quotas in PostgreSQL.
type PostgresStore struct {
	pool         *pgxpool.Pool
	defaultQuota int
}

func NewPostgresStore(ctx context.Context, databaseURL string, defaultQuota int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, defaultQuota: defaultQuota}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_turns_session_created ON session_turns (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS session_quotas (
			user_id TEXT PRIMARY KEY,
			remaining INTEGER NOT NULL CHECK (remaining >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_turns (id, user_id, session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		turn.ID,
		turn.UserID,
		turn.SessionID,
		turn.Role,
		turn.Content,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, role, content, created_at
		 FROM session_turns WHERE session_id=$1 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session turns: %w", err)
	}
	defer rows.Close()

	var items []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Remaining(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT remaining FROM session_quotas WHERE user_id=$1), $2)`,
		userID, s.defaultQuota,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Decrement(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO session_quotas (user_id, remaining) VALUES ($1, GREATEST($2::int - 1, 0))
		 ON CONFLICT (user_id) DO UPDATE
		 SET remaining = GREATEST(session_quotas.remaining - 1, 0), updated_at = now()
		 RETURNING remaining`,
		userID, s.defaultQuota,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("decrement quota: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
