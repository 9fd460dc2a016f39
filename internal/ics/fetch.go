package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "calremind/internal/log"
)

// Source is one configured calendar feed.
type Source struct {
	ID   string
	Name string

	// URL is an http(s) endpoint, a file:// URL or a plain path.
	URL string
}

// cacheMeta holds HTTP validators for one feed.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds, revalidating with ETag and Last-Modified and
// falling back to the last good body on network or server errors.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher returns a Fetcher caching under cacheDir.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// CheckCache makes sure the cache directory exists and is writable.
func (f *Fetcher) CheckCache() error {
	if err := os.MkdirAll(f.cacheDir, 0o700); err != nil {
		return err
	}
	check, err := os.CreateTemp(f.cacheDir, ".check-*")
	if err != nil {
		return err
	}
	check.Close()
	return os.Remove(check.Name())
}

// Fetch returns the current body of src.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	switch {
	case src.URL == "":
		return nil, errors.New("ics: source URL is empty")
	case strings.HasPrefix(src.URL, "file://"):
		return os.ReadFile(strings.TrimPrefix(src.URL, "file://"))
	case !strings.Contains(src.URL, "://"):
		return os.ReadFile(src.URL)
	}
	return f.fetchHTTP(ctx, src)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src Source) ([]byte, error) {
	dir := f.entryDir(src.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	meta, _ := readMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	fallback := func(cause error) ([]byte, error) {
		if len(cached) == 0 {
			return nil, cause
		}
		appLog.Error("ics fetch failed; using cached body", cause, "calendar_id", src.ID, "url", redactURL(src.URL))
		return cached, nil
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fallback(err)
		}
		next := cacheMeta{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			UpdatedAt:    time.Now().UTC(),
		}
		if err := writeCache(dir, next, body); err != nil {
			appLog.Error("ics cache write failed", err, "calendar_id", src.ID)
		}
		appLog.Debug("ics fetched", "calendar_id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return body, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return nil, errors.New("ics: 304 without cached body")
		}
		return cached, nil

	default:
		return fallback(fmt.Errorf("ics: %s", resp.Status))
	}
}

func (f *Fetcher) entryDir(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func readMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// writeCache stores the body before the validators so meta never points at
// a body that is not there.
func writeCache(dir string, meta cacheMeta, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; feed URLs usually embed secrets.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + "/...(redacted)"
}
