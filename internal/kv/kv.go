// Package kv is the durable string-keyed blob store the reminder state lives
// in. Implementations must never serve a cached value from Get: state may
// have been written by another process (a CLI invocation, a second daemon)
// since the last read.
package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("kv: key not found")

// ErrNoChange, returned by an UpdateFunc, ends the Update without writing.
var ErrNoChange = errors.New("kv: no change")

// UpdateFunc maps the current value (nil when absent) to the value to
// store. A nil result deletes the key.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a durable key -> JSON blob map.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Update reads key, applies fn and writes the result as one step.
	// Concurrent Updates of the same key never interleave, whether they
	// come from this process or another one sharing the store.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Lock blocks until the named lock is held by the caller, across every
	// process sharing the store, or ctx ends. release must be called once.
	Lock(ctx context.Context, name string) (release func(), err error)

	Close() error
}

// apply runs fn and tells the caller what to do with the outcome: write
// next, delete the key, or nothing.
func apply(fn UpdateFunc, current []byte) (next []byte, write bool, err error) {
	next, err = fn(current)
	if errors.Is(err, ErrNoChange) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,127}$`)

// ValidateKey rejects keys that are not safe to use as file names or
// primary keys.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("kv: invalid key %q", key)
	}
	return nil
}

// Memory is an in-process Store. Values are copied on the way in and out
// so callers cannot alias stored state.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:  make(map[string][]byte),
		locks: make(map[string]chan struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	if v, ok := m.data[key]; ok {
		current = append([]byte(nil), v...)
	}
	next, write, err := apply(fn, current)
	if err != nil || !write {
		return err
	}
	if next == nil {
		delete(m.data, key)
		return nil
	}
	m.data[key] = append([]byte(nil), next...)
	return nil
}

func (m *Memory) Lock(ctx context.Context, name string) (func(), error) {
	m.locksMu.Lock()
	sem, ok := m.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		m.locks[name] = sem
	}
	m.locksMu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-sem }) }, nil
}

func (m *Memory) Close() error { return nil }
