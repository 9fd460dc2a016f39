package kv

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockRetry is how often a contended flock is retried.
const lockRetry = 10 * time.Millisecond

// LockFile takes an exclusive flock on path, creating it if needed. The
// lock excludes every other holder of the same path, including other
// handles in this process.
func LockFile(ctx context.Context, path string) (func(), error) {
	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ctx.Err()
	}
	return func() { _ = fl.Unlock() }, nil
}

// FileStore keeps one file per key under a directory. Writes go through a
// temp file + rename in the same directory, so a concurrent reader sees
// either the previous or the new value, never a partial one. Writers of a
// key serialize on a sibling "<key>.json.lock" file.
type FileStore struct {
	dir string
}

// NewFileStore creates dir (0700) if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("kv: file store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileStore) lockKey(ctx context.Context, key string) (func(), error) {
	return LockFile(ctx, s.path(key)+".lock")
}

func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	release, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return s.write(key, value)
}

func (s *FileStore) write(key string, value []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".calremind-"+key+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, s.path(key))
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	release, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return s.remove(key)
}

func (s *FileStore) remove(key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	release, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	current, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		current, err = nil, nil
	}
	if err != nil {
		return err
	}

	next, write, err := apply(fn, current)
	if err != nil || !write {
		return err
	}
	if next == nil {
		return s.remove(key)
	}
	return s.write(key, next)
}

// Lock holds ".<name>.lock" in the store directory.
func (s *FileStore) Lock(ctx context.Context, name string) (func(), error) {
	if err := ValidateKey(name); err != nil {
		return nil, err
	}
	return LockFile(ctx, filepath.Join(s.dir, "."+name+".lock"))
}

func (s *FileStore) Close() error { return nil }
