// Package tracker persists the set of reminder keys that currently have a
// live notification, shown or scheduled.
//
// Notification sinks can usually enumerate only what is still scheduled.
// Without this record, a notification that was already shown for an event
// that has since been deleted could never be recognized as an orphan.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/lightningnetwork/lnd/fn/v2"

	"calremind/internal/identity"
	"calremind/internal/kv"
	appLog "calremind/internal/log"
)

// StorageKey is the kv key holding the active set.
const StorageKey = "active_notifications"

// Tracker is the persisted active set. Mutations are atomic kv updates, so
// trackers in different processes over one store do not lose each other's
// writes.
type Tracker struct {
	kv kv.Store
}

// New returns a Tracker persisting into store.
func New(store kv.Store) *Tracker {
	return &Tracker{kv: store}
}

func (t *Tracker) load(ctx context.Context) (fn.Set[identity.Key], error) {
	data, err := t.kv.Get(ctx, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return fn.NewSet[identity.Key](), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: load: %w", err)
	}
	return decode(data), nil
}

func decode(data []byte) fn.Set[identity.Key] {
	if data == nil {
		return fn.NewSet[identity.Key]()
	}
	var keys []identity.Key
	if err := json.Unmarshal(data, &keys); err != nil {
		appLog.Error("active notification set unreadable; treating as empty", err, "bytes", len(data))
		return fn.NewSet[identity.Key]()
	}
	return fn.NewSet(keys...)
}

func encode(set fn.Set[identity.Key]) ([]byte, error) {
	keys := make([]identity.Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return json.Marshal(keys)
}

// update applies mutate to the stored set and writes it back when mutate
// reports a change.
func (t *Tracker) update(ctx context.Context, mutate func(fn.Set[identity.Key]) bool) error {
	err := t.kv.Update(ctx, StorageKey, func(current []byte) ([]byte, error) {
		set := decode(current)
		if !mutate(set) {
			return nil, kv.ErrNoChange
		}
		return encode(set)
	})
	if err != nil {
		return fmt.Errorf("tracker: save: %w", err)
	}
	return nil
}

// Add records key as live.
func (t *Tracker) Add(ctx context.Context, key identity.Key) error {
	return t.update(ctx, func(set fn.Set[identity.Key]) bool {
		if set.Contains(key) {
			return false
		}
		set.Add(key)
		return true
	})
}

// Remove forgets key.
func (t *Tracker) Remove(ctx context.Context, key identity.Key) error {
	return t.update(ctx, func(set fn.Set[identity.Key]) bool {
		if !set.Contains(key) {
			return false
		}
		set.Remove(key)
		return true
	})
}

// GetAll returns the persisted set.
func (t *Tracker) GetAll(ctx context.Context) (fn.Set[identity.Key], error) {
	return t.load(ctx)
}

// ReplaceAll overwrites the persisted set wholesale.
func (t *Tracker) ReplaceAll(ctx context.Context, keys fn.Set[identity.Key]) error {
	if keys == nil {
		keys = fn.NewSet[identity.Key]()
	}
	data, err := encode(keys)
	if err != nil {
		return err
	}
	err = t.kv.Update(ctx, StorageKey, func([]byte) ([]byte, error) { return data, nil })
	if err != nil {
		return fmt.Errorf("tracker: save: %w", err)
	}
	return nil
}
