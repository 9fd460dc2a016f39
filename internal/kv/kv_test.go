package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "dismissed_events", []byte(`{"a":1}`)))
	got, err := s.Get(ctx, "dismissed_events")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, s.Put(ctx, "dismissed_events", []byte(`{}`)))
	got, err = s.Get(ctx, "dismissed_events")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))

	require.NoError(t, s.Delete(ctx, "dismissed_events"))
	_, err = s.Get(ctx, "dismissed_events")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "dismissed_events"))
	require.Error(t, s.Put(ctx, "../escape", []byte("x")))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemory())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v := []byte("abc")
	require.NoError(t, m.Put(ctx, "k", v))
	v[0] = 'z'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	storeContract(t, s)
}

func TestFileStoreSeesExternalWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := NewFileStore(dir)
	require.NoError(t, err)
	b, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, "active_notifications", []byte(`["k1"]`)))
	got, err := b.Get(ctx, "active_notifications")
	require.NoError(t, err)
	assert.Equal(t, `["k1"]`, string(got))

	info, err := os.Stat(filepath.Join(dir, "active_notifications.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("first_run_millis"))
	assert.NoError(t, ValidateKey("telegram.messages"))
	assert.Error(t, ValidateKey(""))
	assert.Error(t, ValidateKey("Upper"))
	assert.Error(t, ValidateKey("a/b"))
}
