package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calremind/internal/config"
)

type cliEnv struct {
	configPath string
	envPath    string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()

	start := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Minute)
	feed := filepath.Join(dir, "team.ics")
	body := fmt.Sprintf("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//calremind//test//EN\r\n"+
		"BEGIN:VEVENT\r\nUID:planning@example.com\r\nDTSTAMP:20260101T000000Z\r\n"+
		"DTSTART:%s\r\nDTEND:%s\r\nSUMMARY:Sprint planning\r\n"+
		"BEGIN:VALARM\r\nACTION:DISPLAY\r\nTRIGGER:-PT20M\r\nEND:VALARM\r\n"+
		"END:VEVENT\r\nEND:VCALENDAR\r\n",
		start.Format("20060102T150405Z"), start.Add(time.Hour).Format("20060102T150405Z"))
	require.NoError(t, os.WriteFile(feed, []byte(body), 0o600))

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.Storage = config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "state")}
	cfg.ICS = []config.ICSConfig{{ID: "team", Name: "Team", URL: feed}}
	cfg.Log.Level = "error"

	env := &cliEnv{
		configPath: filepath.Join(dir, "config.yaml"),
		envPath:    filepath.Join(dir, "missing.env"),
	}
	require.NoError(t, cfg.Save(env.configPath))
	return env
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath, "--env", e.envPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *cliEnv) status(t *testing.T) statusReport {
	t.Helper()
	out, err := e.run(t, "status")
	require.NoError(t, err)
	var r statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	return r
}

func TestRefreshThenDismiss(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, `"events": 1`)

	st := env.status(t)
	require.Len(t, st.Active, 1)
	assert.Equal(t, "file", st.Storage)
	key := st.Active[0].String()

	out, err = env.run(t, "dismiss", key)
	require.NoError(t, err)
	assert.Contains(t, out, "dismissed "+key)

	st = env.status(t)
	assert.Equal(t, 1, st.Dismissed)
	assert.Empty(t, st.Active)

	_, err = env.run(t, "undismiss", key)
	require.NoError(t, err)
	assert.Zero(t, env.status(t).Dismissed)
}

func TestSnoozeWithMinutes(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "refresh")
	require.NoError(t, err)
	key := env.status(t).Active[0].String()

	out, err := env.run(t, "snooze", key, "--minutes", "5", "--event-end", "2030-01-01T10:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "snoozed "+key)
	assert.Equal(t, 1, env.status(t).Snoozed)

	_, err = env.run(t, "clear")
	require.NoError(t, err)
	assert.Zero(t, env.status(t).Snoozed)
}

func TestEventsListsKeys(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "events")
	require.NoError(t, err)
	assert.Contains(t, out, "Sprint planning")
	assert.Contains(t, out, "20m")
}

func TestRejectsMalformedKey(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "dismiss", "not-a-key")
	require.Error(t, err)

	_, err = env.run(t, "dismiss")
	require.Error(t, err)
}

func TestBadEventEnd(t *testing.T) {
	env := newCLIEnv(t)
	key := "0123456789abcdef0123456789abcdef01234567"
	_, err := env.run(t, "dismiss", key, "--event-end", "tomorrow")
	require.Error(t, err)
}

func TestPrune(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "prune")
	require.NoError(t, err)
}
