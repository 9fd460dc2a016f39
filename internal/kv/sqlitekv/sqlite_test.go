package sqlitekv

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calremind/internal/kv"
	"calremind/internal/kv/kvtest"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()

	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	_, err := s.Get(ctx, "dismissed_events")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Put(ctx, "dismissed_events", []byte(`{"k":{}}`)))
	require.NoError(t, s.Put(ctx, "dismissed_events", []byte(`{}`)))

	got, err := s.Get(ctx, "dismissed_events")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))

	require.NoError(t, s.Delete(ctx, "dismissed_events"))
	_, err = s.Get(ctx, "dismissed_events")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStoreReopenKeepsDataAndMigratesOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "first_run_millis", []byte("1700000000000")))
	require.NoError(t, first.Close())

	second := newTestStore(t, path)
	got, err := second.Get(ctx, "first_run_millis")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", string(got))
}

func TestStoreConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, k, []byte(k)))
		}(k)
	}
	wg.Wait()

	for _, k := range keys {
		got, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, k, string(got))
	}
}

func TestStoreRejectsBadKey(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	require.Error(t, s.Put(context.Background(), "Bad Key", []byte("x")))
}

func TestStoreUpdate(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	kvtest.UpdateSemantics(t, s, "dismissed_events")
}

func TestStoreUpdatesAcrossConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	a := newTestStore(t, path)
	b := newTestStore(t, path)

	kvtest.ConcurrentUpdates(t, "counter", 25, a, b)
	kvtest.LockExcludes(t, a, b, "refresh")
}
