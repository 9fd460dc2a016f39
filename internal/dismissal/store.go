// Package dismissal persists which reminders the user dismissed or snoozed.
//
// A dismissal lasts until the reminder key changes (the event is edited).
// A snooze suppresses the reminder until an instant, after which it is
// eligible again. Every mutation is a full read-modify-write of one JSON
// document done through kv.Store.Update, so concurrent callers never lose
// updates, whether they share this process or only the storage. Reads
// always go back to the kv store.
package dismissal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"calremind/internal/identity"
	"calremind/internal/kv"
	appLog "calremind/internal/log"
)

const (
	// StorageKey is the kv key holding the dismissal document.
	StorageKey = "dismissed_events"

	// DefaultMaxBytes caps the serialized document size.
	DefaultMaxBytes = 512 * 1024

	// DefaultRetentionDays is how long entries survive past their event end.
	DefaultRetentionDays = 30
)

// Entry is the persisted state for one reminder key.
type Entry struct {
	EventEnd time.Time

	// SnoozedUntil is None for a permanent dismissal.
	SnoozedUntil fn.Option[time.Time]
}

// record is the on-disk shape of an Entry.
type record struct {
	EventEnd     int64  `json:"eventEnd"`
	SnoozedUntil *int64 `json:"snoozedUntil,omitempty"`
}

func (r record) entry() Entry {
	e := Entry{EventEnd: time.UnixMilli(r.EventEnd)}
	if r.SnoozedUntil != nil {
		e.SnoozedUntil = fn.Some(time.UnixMilli(*r.SnoozedUntil))
	}
	return e
}

// Store is the dismissal/snooze store.
type Store struct {
	kv       kv.Store
	maxBytes int
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes overrides the serialized size ceiling.
func WithMaxBytes(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithClock overrides the time source used by pruning.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a Store persisting into store.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:       store,
		maxBytes: DefaultMaxBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// load reads the document fresh from the kv store. Only storage failures
// are returned.
func (s *Store) load(ctx context.Context) (map[identity.Key]record, error) {
	data, err := s.kv.Get(ctx, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return make(map[identity.Key]record), nil
	}
	if err != nil {
		return nil, fmt.Errorf("dismissal: load: %w", err)
	}
	return decode(data), nil
}

// decode parses a stored document. A missing or corrupt document reads as
// empty.
func decode(data []byte) map[identity.Key]record {
	m := make(map[identity.Key]record)
	if data == nil {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		appLog.Error("dismissal store unreadable; treating as empty", err, "bytes", len(data))
		return make(map[identity.Key]record)
	}
	return m
}

// encode serializes m, pruning the entries with the oldest event end until
// the result fits under the ceiling.
func (s *Store) encode(m map[identity.Key]record) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) <= s.maxBytes {
		return data, nil
	}

	keys := make([]identity.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m[keys[i]], m[keys[j]]
		if a.EventEnd != b.EventEnd {
			return a.EventEnd < b.EventEnd
		}
		return keys[i] < keys[j]
	})

	pruned := 0
	for _, k := range keys {
		if len(data) <= s.maxBytes {
			break
		}
		delete(m, k)
		pruned++
		if data, err = json.Marshal(m); err != nil {
			return nil, err
		}
	}
	appLog.Info("dismissal store over size limit; pruned oldest entries",
		"pruned", pruned, "remaining", len(m), "bytes", len(data), "max_bytes", s.maxBytes)
	return data, nil
}

// update runs mutate against the stored document inside one atomic kv
// update and persists the result when mutate reports a change.
func (s *Store) update(ctx context.Context, mutate func(map[identity.Key]record) bool) error {
	err := s.kv.Update(ctx, StorageKey, func(current []byte) ([]byte, error) {
		m := decode(current)
		if !mutate(m) {
			return nil, kv.ErrNoChange
		}
		return s.encode(m)
	})
	if err != nil {
		return fmt.Errorf("dismissal: save: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, key identity.Key) (record, bool, error) {
	m, err := s.load(ctx)
	if err != nil {
		return record{}, false, err
	}
	r, ok := m[key]
	return r, ok, nil
}

// Dismiss permanently suppresses key until it changes.
func (s *Store) Dismiss(ctx context.Context, key identity.Key, eventEnd time.Time) error {
	return s.update(ctx, func(m map[identity.Key]record) bool {
		m[key] = record{EventEnd: eventEnd.UnixMilli()}
		return true
	})
}

// Snooze suppresses key until the given instant.
func (s *Store) Snooze(ctx context.Context, key identity.Key, eventEnd, until time.Time) error {
	ms := until.UnixMilli()
	return s.update(ctx, func(m map[identity.Key]record) bool {
		m[key] = record{EventEnd: eventEnd.UnixMilli(), SnoozedUntil: &ms}
		return true
	})
}

// IsDismissed is true only for a permanent dismissal; an active snooze
// reports false.
func (s *Store) IsDismissed(ctx context.Context, key identity.Key) (bool, error) {
	r, ok, err := s.read(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && r.SnoozedUntil == nil, nil
}

// SnoozedUntil returns the snooze expiry for key, if it is snoozed. The
// instant is returned even once it has passed; callers compare it to now.
func (s *Store) SnoozedUntil(ctx context.Context, key identity.Key) (fn.Option[time.Time], error) {
	r, ok, err := s.read(ctx, key)
	if err != nil || !ok {
		return fn.None[time.Time](), err
	}
	return r.entry().SnoozedUntil, nil
}

// Undismiss removes any dismissal or snooze for key.
func (s *Store) Undismiss(ctx context.Context, key identity.Key) error {
	return s.update(ctx, func(m map[identity.Key]record) bool {
		if _, ok := m[key]; !ok {
			return false
		}
		delete(m, key)
		return true
	})
}

// ClearExpiredSnoozes drops snoozes whose expiry has passed and returns how
// many were removed.
func (s *Store) ClearExpiredSnoozes(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	removed := 0
	err := s.update(ctx, func(m map[identity.Key]record) bool {
		removed = 0
		for k, r := range m {
			if r.SnoozedUntil != nil && *r.SnoozedUntil < now {
				delete(m, k)
				removed++
			}
		}
		return removed > 0
	})
	return removed, err
}

// CleanupOlderThan drops entries whose event ended more than days ago and
// returns how many were removed.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -days).UnixMilli()
	removed := 0
	err := s.update(ctx, func(m map[identity.Key]record) bool {
		removed = 0
		for k, r := range m {
			if r.EventEnd < cutoff {
				delete(m, k)
				removed++
			}
		}
		return removed > 0
	})
	return removed, err
}

// ClearAll removes every entry.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.kv.Update(ctx, StorageKey, func([]byte) ([]byte, error) { return nil, nil })
	if err != nil {
		return fmt.Errorf("dismissal: clear: %w", err)
	}
	return nil
}

// All returns a snapshot of every entry.
func (s *Store) All(ctx context.Context) (map[identity.Key]Entry, error) {
	m, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[identity.Key]Entry, len(m))
	for k, r := range m {
		out[k] = r.entry()
	}
	return out, nil
}
