package quota

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")
	c := New(path, time.Minute)
	require.NoError(t, c.Set("u1", 3))

	n, ok := c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	reopened := New(path, time.Minute)
	n, ok = reopened.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = reopened.Get("u2")
	assert.False(t, ok)
}

func TestRemainingUsesQueryCacheBeforeFetching(t *testing.T) {
	c := New("", time.Minute)
	calls := 0
	fetch := func(context.Context, string) (int, error) {
		calls++
		return 5, nil
	}

	n, err := c.Remaining(context.Background(), "u1", fetch)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = c.Remaining(context.Background(), "u1", fetch)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, calls)

	c.Invalidate("u1")
	_, err = c.Remaining(context.Background(), "u1", fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRemainingFallsBackToLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, New(path, time.Minute).Set("u1", 2))

	c := New(path, time.Minute)
	n, err := c.Remaining(context.Background(), "u1", func(context.Context, string) (int, error) {
		return 0, errors.New("offline")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.Remaining(context.Background(), "nobody", func(context.Context, string) (int, error) {
		return 0, errors.New("offline")
	})
	assert.EqualError(t, err, "offline")
}
