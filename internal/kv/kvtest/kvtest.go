// Package kvtest holds checks shared by the kv.Store implementations'
// tests.
package kvtest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calremind/internal/kv"
)

// UpdateSemantics checks the UpdateFunc contract on s.
func UpdateSemantics(t *testing.T, s kv.Store, key string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, key, func(current []byte) ([]byte, error) {
		assert.Nil(t, current)
		return []byte("1"), nil
	}))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	require.NoError(t, s.Update(ctx, key, func(current []byte) ([]byte, error) {
		assert.Equal(t, "1", string(current))
		return []byte("ignored"), kv.ErrNoChange
	}))

	boom := errors.New("boom")
	require.ErrorIs(t, s.Update(ctx, key, func([]byte) ([]byte, error) {
		return []byte("ignored"), boom
	}), boom)

	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	require.NoError(t, s.Update(ctx, key, func([]byte) ([]byte, error) { return nil, nil }))
	_, err = s.Get(ctx, key)
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.Error(t, s.Update(ctx, "../escape", func([]byte) ([]byte, error) { return nil, nil }))
}

// ConcurrentUpdates increments a counter under key n times from each store
// at once and checks that no increment was lost. The stores should share
// backing storage.
func ConcurrentUpdates(t *testing.T, key string, n int, stores ...kv.Store) {
	t.Helper()
	ctx := context.Background()

	incr := func(current []byte) ([]byte, error) {
		v := 0
		if current != nil {
			var err error
			if v, err = strconv.Atoi(string(current)); err != nil {
				return nil, err
			}
		}
		return []byte(strconv.Itoa(v + 1)), nil
	}

	var wg sync.WaitGroup
	for _, s := range stores {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(s kv.Store) {
				defer wg.Done()
				assert.NoError(t, s.Update(ctx, key, incr))
			}(s)
		}
	}
	wg.Wait()

	got, err := stores[0].Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(n*len(stores)), string(got))
}

// LockExcludes checks that a lock held through a keeps b out until it is
// released.
func LockExcludes(t *testing.T, a, b kv.Store, name string) {
	t.Helper()
	ctx := context.Background()

	release, err := a.Lock(ctx, name)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = b.Lock(short, name)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	again, err := b.Lock(ctx, name)
	require.NoError(t, err)
	again()
}
