package kv_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"calremind/internal/kv"
	"calremind/internal/kv/kvtest"
)

func TestMemoryUpdate(t *testing.T) {
	m := kv.NewMemory()
	kvtest.UpdateSemantics(t, m, "dismissed_events")
	kvtest.ConcurrentUpdates(t, "counter", 50, m)
	kvtest.LockExcludes(t, m, m, "refresh")
}

func TestFileStoreUpdate(t *testing.T) {
	s, err := kv.NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	kvtest.UpdateSemantics(t, s, "dismissed_events")
}

func TestFileStoreUpdatesAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	a, err := kv.NewFileStore(dir)
	require.NoError(t, err)
	b, err := kv.NewFileStore(dir)
	require.NoError(t, err)

	kvtest.ConcurrentUpdates(t, "counter", 50, a, b)
	kvtest.LockExcludes(t, a, b, "refresh")
}
