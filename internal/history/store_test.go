package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{QueryID: "q1", User: "alice", Dialect: "duckdb", SQL: "SELECT 1", Status: StatusOK, Rows: 3, CreatedAt: base},
		{QueryID: "q2", User: "bob", Dialect: "duckdb", Status: StatusError, Error: "boom", CreatedAt: base.Add(time.Minute)},
		{QueryID: "q3", User: "alice", Dialect: "sqlite", Status: StatusOK, CachedMeasures: 2, DurationMs: 7, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, s.Record(ctx, e))
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all newest first", filter: Filter{}, want: []string{"q3", "q2", "q1"}},
		{name: "by user", filter: Filter{User: "alice"}, want: []string{"q3", "q1"}},
		{name: "by status", filter: Filter{Status: StatusError}, want: []string{"q2"}},
		{name: "since", filter: Filter{Since: base.Add(30 * time.Second)}, want: []string{"q3", "q2"}},
		{name: "limit", filter: Filter{Limit: 1}, want: []string{"q3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, e := range got {
				ids[i] = e.QueryID
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	got, err := s.List(ctx, Filter{User: "alice", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].CachedMeasures)
	assert.Equal(t, int64(7), got[0].DurationMs)
	assert.Equal(t, "sqlite", got[0].Dialect)
	assert.True(t, got[0].CreatedAt.Equal(base.Add(2*time.Minute)))
}

func TestStore_Prune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Record(ctx, Entry{QueryID: "old", User: "a", Dialect: "duckdb", Status: StatusOK, CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.Record(ctx, Entry{QueryID: "new", User: "a", Dialect: "duckdb", Status: StatusOK}))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].QueryID)
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Entry{QueryID: "q", User: "a", Dialect: "duckdb", Status: StatusOK}))
	require.NoError(t, s.Close())

	// Reopening keeps existing rows.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	got, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
