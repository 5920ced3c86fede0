// Package quota caches the user's remaining coaching sessions: an in-process
// query cache in front of a small YAML file that survives restarts.
package quota

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"
)

// DefaultTTL bounds how long the query cache trusts a value before refetching.
const DefaultTTL = 5 * time.Minute

// Fetcher loads the authoritative remaining-session count.
type Fetcher func(ctx context.Context, userID string) (int, error)

type entry struct {
	Remaining int       `yaml:"remaining"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type stateFile struct {
	Users map[string]entry `yaml:"users"`
}

// Cache holds remaining-session counts per user.
type Cache struct {
	path  string
	query *gocache.Cache

	mu sync.Mutex
}

// New opens the cache backed by path. An empty path keeps state in memory only.
func New(path string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		path:  path,
		query: gocache.New(ttl, 2*ttl),
	}
}

// DefaultPath is ~/.mina/state.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mina", "state.yaml")
}

// Get returns the cached count from the query cache, falling back to the
// local file.
func (c *Cache) Get(userID string) (int, bool) {
	if v, ok := c.query.Get(userID); ok {
		return v.(int), true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.load()
	if err != nil {
		return 0, false
	}
	e, ok := st.Users[userID]
	if !ok {
		return 0, false
	}
	c.query.SetDefault(userID, e.Remaining)
	return e.Remaining, true
}

// Set records a fresh count in both layers.
func (c *Cache) Set(userID string, remaining int) error {
	c.query.SetDefault(userID, remaining)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		return nil
	}
	st, err := c.load()
	if err != nil {
		return err
	}
	st.Users[userID] = entry{Remaining: remaining, UpdatedAt: time.Now().UTC()}
	return c.save(st)
}

// Invalidate drops the query-cache entry so the next Remaining refetches.
func (c *Cache) Invalidate(userID string) {
	c.query.Delete(userID)
}

// Remaining answers from the query cache or asks fetch and caches the result.
// When fetch fails, a value from the local file is still returned.
func (c *Cache) Remaining(ctx context.Context, userID string, fetch Fetcher) (int, error) {
	if v, ok := c.query.Get(userID); ok {
		return v.(int), nil
	}
	if fetch != nil {
		n, err := fetch(ctx, userID)
		if err == nil {
			if serr := c.Set(userID, n); serr != nil {
				return n, serr
			}
			return n, nil
		}
		if n, ok := c.Get(userID); ok {
			return n, nil
		}
		return 0, err
	}
	if n, ok := c.Get(userID); ok {
		return n, nil
	}
	return 0, fmt.Errorf("no remaining-session count cached for %q", userID)
}

func (c *Cache) load() (stateFile, error) {
	st := stateFile{Users: make(map[string]entry)}
	if c.path == "" {
		return st, nil
	}
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read quota state: %w", err)
	}
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return stateFile{Users: make(map[string]entry)}, fmt.Errorf("parse quota state: %w", err)
	}
	if st.Users == nil {
		st.Users = make(map[string]entry)
	}
	return st, nil
}

func (c *Cache) save(st stateFile) error {
	raw, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode quota state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create quota dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write quota state: %w", err)
	}
	return os.Rename(tmp, c.path)
}
