// Package firstrun records when the engine first ran on this installation.
// Reminders that would have fired before that instant are never delivered,
// which avoids a burst of stale reminders right after install or upgrade.
package firstrun

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"calremind/internal/kv"
	appLog "calremind/internal/log"
)

// StorageKey is the kv key holding the epoch-millisecond timestamp.
const StorageKey = "first_run_millis"

// Ensure returns the persisted first-run timestamp, writing now on the very
// first call. An existing value is never overwritten unless it cannot be
// parsed at all. When two processes start together, the first write wins.
func Ensure(ctx context.Context, store kv.Store, now time.Time) (time.Time, error) {
	data, err := store.Get(ctx, StorageKey)
	switch {
	case err == nil:
		if t, ok := parse(data); ok {
			return t, nil
		}
	case !errors.Is(err, kv.ErrNotFound):
		return time.Time{}, fmt.Errorf("read first-run timestamp: %w", err)
	}

	recorded, wrote := now, false
	err = store.Update(ctx, StorageKey, func(current []byte) ([]byte, error) {
		if current != nil {
			if t, ok := parse(current); ok {
				recorded = t
				return nil, kv.ErrNoChange
			}
			appLog.Info("first-run timestamp unreadable; resetting", "value", string(current))
		}
		recorded, wrote = time.UnixMilli(now.UnixMilli()), true
		return []byte(strconv.FormatInt(now.UnixMilli(), 10)), nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("write first-run timestamp: %w", err)
	}
	if wrote {
		appLog.Info("first run recorded", "first_run", recorded.UTC().Format(time.RFC3339))
	}
	return recorded, nil
}

func parse(data []byte) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
