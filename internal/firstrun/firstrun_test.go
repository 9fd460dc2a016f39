package firstrun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calremind/internal/kv"
)

func TestEnsureWritesOnce(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	first := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	got, err := Ensure(ctx, store, first)
	require.NoError(t, err)
	assert.True(t, got.Equal(first))

	later := first.Add(48 * time.Hour)
	got, err = Ensure(ctx, store, later)
	require.NoError(t, err)
	assert.True(t, got.Equal(first), "first-run must not be overwritten")

	raw, err := store.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.Equal(t, "1767254400000", string(raw))
}

func TestEnsureResetsGarbage(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Put(ctx, StorageKey, []byte("not-a-number")))

	now := time.UnixMilli(1_700_000_000_000)
	got, err := Ensure(ctx, store, now)
	require.NoError(t, err)
	assert.True(t, got.Equal(now))
}

func TestEnsureConcurrentStartsAgree(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	const n = 8
	got := make([]time.Time, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ts, err := Ensure(ctx, store, time.UnixMilli(int64(1_700_000_000_000+i)))
			assert.NoError(t, err)
			got[i] = ts
		}(i)
	}
	wg.Wait()

	for _, ts := range got[1:] {
		assert.True(t, ts.Equal(got[0]))
	}
}

type brokenStore struct{ kv.Store }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk gone")
}

func TestEnsureStorageError(t *testing.T) {
	_, err := Ensure(context.Background(), brokenStore{kv.NewMemory()}, time.Now())
	require.Error(t, err)
}
