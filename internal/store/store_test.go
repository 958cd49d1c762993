package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	for i, key := range []string{"svc-1", "svc-2", "svc-1"} {
		err := s.Append(ctx, Record{
			Stream: StreamDeployment,
			Key:    key,
			At:     base.Add(time.Duration(i) * time.Minute),
			Body:   []byte(`{"n":1}`),
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Append(ctx, Record{Stream: StreamAudit, Key: "aud-1", At: base, Body: []byte(`{}`)}))

	all, err := s.Query(ctx, Filter{Stream: StreamDeployment})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Seq < all[1].Seq && all[1].Seq < all[2].Seq, "append order must be preserved")

	byKey, err := s.Query(ctx, Filter{Stream: StreamDeployment, Key: "svc-1"})
	require.NoError(t, err)
	require.Len(t, byKey, 2)
	assert.JSONEq(t, `{"n":1}`, string(byKey[0].Body))

	since, err := s.Query(ctx, Filter{Stream: StreamDeployment, Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.True(t, since[0].At.Equal(base.Add(2*time.Minute)))

	limited, err := s.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	err = s.Append(ctx, Record{Key: "x", At: base})
	assert.Error(t, err, "stream is required")
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	exerciseStore(t, s)
	require.NoError(t, s.Close())
	err := s.Append(context.Background(), Record{Stream: "s", At: base})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), Record{Stream: StreamAudit, Key: "k", At: base, Body: []byte(`1`)}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Query(context.Background(), Filter{Stream: StreamAudit})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "k", got[0].Key)
}

func TestOpenDispatchesOnDSN(t *testing.T) {
	s, err := Open("memory")
	require.NoError(t, err)
	_, ok := s.(*Memory)
	assert.True(t, ok)

	s, err = Open("sqlite://" + filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	_, ok = s.(*SQLite)
	assert.True(t, ok)
	s.Close()

	_, err = Open("redis://localhost")
	require.Error(t, err)
}

func TestBuildPostgresQuery(t *testing.T) {
	q, args := buildPostgresQuery(Filter{Stream: "audit", Key: "aud-1", Since: base, Limit: 10})
	assert.True(t, strings.Contains(q, "stream = $1 AND key = $2 AND at >= $3"), q)
	assert.True(t, strings.HasSuffix(q, "ORDER BY seq LIMIT 10"), q)
	assert.Len(t, args, 3)

	q, args = buildPostgresQuery(Filter{})
	assert.NotContains(t, q, "WHERE")
	assert.Empty(t, args)
}
