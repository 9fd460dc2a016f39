// Package ics supplies calendar occurrences from iCalendar feeds: it
// fetches them with HTTP revalidation, parses VEVENT and VALARM, and
// expands recurrences into the snapshots the engine consumes.
package ics

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"calremind/internal/model"
)

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	Sources  []Source
	CacheDir string
	Timeout  time.Duration
	Location *time.Location

	// DefaultReminders apply to events that carry no VALARM.
	DefaultReminders []int
}

type parsedFeed struct {
	sum    [sha256.Size]byte
	events []ParsedEvent
}

// Provider is a calendar collaborator backed by ICS feeds.
type Provider struct {
	cfg     ProviderConfig
	fetcher *Fetcher

	mu     sync.RWMutex
	parsed map[string]parsedFeed
}

// NewProvider returns a Provider for cfg.
func NewProvider(cfg ProviderConfig) *Provider {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Provider{
		cfg:     cfg,
		fetcher: NewFetcher(cfg.CacheDir, cfg.Timeout),
		parsed:  make(map[string]parsedFeed),
	}
}

// ListCalendars returns the configured feeds. It fails when the feed cache
// cannot be used, since nothing could be fetched reliably then.
func (p *Provider) ListCalendars(context.Context) ([]model.Calendar, error) {
	if err := p.fetcher.CheckCache(); err != nil {
		return nil, fmt.Errorf("ics: cache unusable: %w", err)
	}
	out := make([]model.Calendar, 0, len(p.cfg.Sources))
	for _, s := range p.cfg.Sources {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		out = append(out, model.Calendar{ID: s.ID, Name: name})
	}
	return out, nil
}

// ListEvents returns occurrences of calendarID overlapping [from, to].
func (p *Provider) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]model.Occurrence, error) {
	src, ok := p.source(calendarID)
	if !ok {
		return nil, fmt.Errorf("ics: unknown calendar %q", calendarID)
	}

	body, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("ics: fetch %s: %w", calendarID, err)
	}
	events, err := p.parse(src, body)
	if err != nil {
		return nil, err
	}

	occ, err := Expand(events, ExpandConfig{Location: p.cfg.Location, From: from, To: to})
	if err != nil {
		return nil, err
	}
	for i := range occ {
		if len(occ[i].Reminders) == 0 && len(p.cfg.DefaultReminders) > 0 {
			occ[i].Reminders = append([]int(nil), p.cfg.DefaultReminders...)
		}
	}
	return occ, nil
}

func (p *Provider) source(id string) (Source, bool) {
	for _, s := range p.cfg.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// parse reuses the previous parse while the body is unchanged.
func (p *Provider) parse(src Source, body []byte) ([]ParsedEvent, error) {
	sum := sha256.Sum256(body)

	p.mu.RLock()
	cached, ok := p.parsed[src.ID]
	p.mu.RUnlock()
	if ok && cached.sum == sum {
		return cached.events, nil
	}

	events, err := ParseICS(src, body, p.cfg.Location)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.parsed[src.ID] = parsedFeed{sum: sum, events: events}
	p.mu.Unlock()
	return events, nil
}
