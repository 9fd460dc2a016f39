// Package action parses and applies the user actions carried on a
// notification: open, snooze and dismiss.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"calremind/internal/identity"
)

// Kind is the action a user took on a notification.
type Kind string

const (
	Open    Kind = "open"
	Snooze  Kind = "snooze"
	Dismiss Kind = "dismiss"
)

func (k Kind) valid() bool {
	switch k {
	case Open, Snooze, Dismiss:
		return true
	}
	return false
}

// ErrInvalidPayload marks a payload that cannot be acted on.
var ErrInvalidPayload = errors.New("action: invalid payload")

// Payload identifies the action and the reminder it applies to.
type Payload struct {
	Action    Kind         `json:"action"`
	EventID   string       `json:"eventId"`
	EventHash identity.Key `json:"eventHash"`
	EventEnd  time.Time    `json:"-"`
}

type wirePayload struct {
	Action    Kind         `json:"action"`
	EventID   string       `json:"eventId"`
	EventHash identity.Key `json:"eventHash"`
	EventEnd  *int64       `json:"eventEndEpochMillis,omitempty"`
}

const (
	// delimiter separates fields in the compact text form.
	delimiter = "|"

	// MaxCompactBytes is the longest compact form EncodeCompact emits when
	// the event ID can be dropped to fit. Telegram callback data shares
	// this limit.
	MaxCompactBytes = 64
)

// Encode renders p as the structured JSON form, falling back to the
// compact form if marshaling fails.
func (p Payload) Encode() string {
	ms := p.EventEnd.UnixMilli()
	data, err := json.Marshal(wirePayload{
		Action:    p.Action,
		EventID:   p.EventID,
		EventHash: p.EventHash,
		EventEnd:  &ms,
	})
	if err != nil {
		return p.EncodeCompact()
	}
	return string(data)
}

// EncodeCompact renders p as action|eventId|hash|endMillis. The event ID is
// dropped when it would contain the delimiter or push the result past
// MaxCompactBytes.
func (p Payload) EncodeCompact() string {
	s := p.joinCompact(p.EventID)
	if strings.Contains(p.EventID, delimiter) || len(s) > MaxCompactBytes {
		s = p.joinCompact("")
	}
	return s
}

func (p Payload) joinCompact(eventID string) string {
	return strings.Join([]string{
		string(p.Action),
		eventID,
		string(p.EventHash),
		strconv.FormatInt(p.EventEnd.UnixMilli(), 10),
	}, delimiter)
}

// Parse accepts either the JSON form or the delimited form. A missing event
// end defaults to now. Fewer than three delimited fields, an unknown action
// or a malformed hash yields ErrInvalidPayload.
func Parse(raw string, now time.Time) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return parseJSON(raw, now)
	}
	return parseDelimited(raw, now)
}

func parseJSON(raw string, now time.Time) (Payload, error) {
	var w wirePayload
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	p := Payload{
		Action:    w.Action,
		EventID:   w.EventID,
		EventHash: w.EventHash,
		EventEnd:  now,
	}
	if w.EventEnd != nil {
		p.EventEnd = time.UnixMilli(*w.EventEnd)
	}
	return p, p.validate()
}

func parseDelimited(raw string, now time.Time) (Payload, error) {
	parts := strings.Split(raw, delimiter)
	if len(parts) < 3 {
		return Payload{}, fmt.Errorf("%w: %d fields", ErrInvalidPayload, len(parts))
	}

	p := Payload{
		Action:    Kind(parts[0]),
		EventID:   parts[1],
		EventHash: identity.Key(parts[2]),
		EventEnd:  now,
	}
	if len(parts) > 3 {
		if ms, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
			p.EventEnd = time.UnixMilli(ms)
		}
	}
	return p, p.validate()
}

func (p Payload) validate() error {
	if !p.Action.valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidPayload, p.Action)
	}
	if !p.EventHash.Valid() {
		return fmt.Errorf("%w: bad event hash", ErrInvalidPayload)
	}
	return nil
}
