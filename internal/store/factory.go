package store

import (
	"context"
	"errors"
	"strings"
)

type Options struct {
	DatabaseURL  string
	RedisURL     string
	DefaultQuota int
}

// Stores holds the transcript and quota backends chosen by Open.
type Stores struct {
	Transcripts Transcripts
	Quotas      Quotas
	// Kind names the backends, e.g. "postgres+redis".
	Kind string
}

// Open picks postgres for transcripts when configured, otherwise memory.
// Quotas go to redis when configured, then postgres, then memory.
func Open(ctx context.Context, opts Options) (*Stores, error) {
	s := &Stores{}
	var (
		pg  *PostgresStore
		mem *InMemoryStore
		err error
	)
	if strings.TrimSpace(opts.DatabaseURL) != "" {
		pg, err = NewPostgresStore(ctx, opts.DatabaseURL, opts.DefaultQuota)
		if err != nil {
			return nil, err
		}
		s.Transcripts = pg
		s.Kind = "postgres"
	} else {
		mem = NewInMemoryStore(opts.DefaultQuota)
		s.Transcripts = mem
		s.Kind = "memory"
	}

	switch {
	case strings.TrimSpace(opts.RedisURL) != "":
		rq, err := NewRedisQuotas(ctx, opts.RedisURL, opts.DefaultQuota)
		if err != nil {
			_ = s.Transcripts.Close()
			return nil, err
		}
		s.Quotas = rq
		s.Kind += "+redis"
	case pg != nil:
		s.Quotas = pg
	default:
		s.Quotas = mem
	}
	return s, nil
}

func (s *Stores) Close() error {
	err := s.Transcripts.Close()
	if any(s.Quotas) != any(s.Transcripts) {
		err = errors.Join(err, s.Quotas.Close())
	}
	return err
}
