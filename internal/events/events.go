// Package events classifies campus events into lifecycle buckets.
package events

import (
	"strings"
	"time"

	"campus.org/internal/payload"
	"campus.org/internal/temporal"
)

// Status is the server-side event status after synonym folding.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusRejected Status = "REJECTED"
)

// Bucket is the derived lifecycle classification.
type Bucket string

const (
	Pending  Bucket = "pending"
	Upcoming Bucket = "upcoming"
	Past     Bucket = "past"
	Rejected Bucket = "rejected"
)

// Buckets lists every bucket in display order.
func Buckets() []Bucket { return []Bucket{Upcoming, Pending, Past, Rejected} }

// ParseBucket returns the bucket named s.
func ParseBucket(s string) (Bucket, bool) {
	b := Bucket(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Buckets() {
		if b == known {
			return b, true
		}
	}
	return "", false
}

// Event is a campus event. Only Status and At affect classification.
type Event struct {
	ID      payload.ID
	Title   string
	Status  Status
	At      *time.Time
	Payload payload.Record
}

var (
	eventIDFields = []payload.Accessor{payload.Key("eventId"), payload.Path("event", "id"), payload.Key("id")}
	titleFields   = []payload.Accessor{payload.Path("event", "title"), payload.Key("title"), payload.Key("name")}
	// A registration wrapping an event carries its own status; the event's
	// status decides the bucket.
	statusFields = []payload.Accessor{payload.Path("event", "status"), payload.Key("status")}
)

// ParseStatus folds server labels. APPROVED means ACTIVE and CANCELLED
// means REJECTED; anything else is PENDING so it never shows as upcoming.
func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ACTIVE", "APPROVED":
		return StatusActive
	case "REJECTED", "CANCELLED":
		return StatusRejected
	}
	return StatusPending
}

// FromRecord builds an Event from an API payload.
func FromRecord(rec payload.Record, n *temporal.Normalizer) Event {
	ev := Event{
		ID:      payload.FirstID(rec, eventIDFields...),
		Title:   payload.FirstString(rec, titleFields...),
		Status:  ParseStatus(payload.FirstString(rec, statusFields...)),
		Payload: rec,
	}
	if n == nil {
		n = temporal.New(temporal.EventFields)
	}
	if t, ok := n.Normalize(rec); ok {
		ev.At = &t
	} else if nested, ok := payload.Path("event")(rec); ok {
		if m, ok := nested.(map[string]any); ok {
			if t, ok := n.Normalize(payload.Record(m)); ok {
				ev.At = &t
			}
		}
	}
	return ev
}

// FromRecords converts a collection.
func FromRecords(recs []payload.Record, n *temporal.Normalizer) []Event {
	out := make([]Event, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FromRecord(rec, n))
	}
	return out
}

// Classify buckets ev against now. An active event with an unknown instant
// is past.
func Classify(ev Event, now time.Time) Bucket {
	switch ev.Status {
	case StatusRejected:
		return Rejected
	case StatusActive:
		if ev.At != nil && ev.At.After(now) {
			return Upcoming
		}
		return Past
	}
	return Pending
}

// Filter returns the events in bucket b. clock is read once.
func Filter(evs []Event, b Bucket, clock func() time.Time) []Event {
	now := clock()
	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		if Classify(ev, now) == b {
			out = append(out, ev)
		}
	}
	return out
}

// Partition groups events by bucket against a single reading of clock.
func Partition(evs []Event, clock func() time.Time) map[Bucket][]Event {
	now := clock()
	out := make(map[Bucket][]Event, 4)
	for _, b := range Buckets() {
		out[b] = []Event{}
	}
	for _, ev := range evs {
		b := Classify(ev, now)
		out[b] = append(out[b], ev)
	}
	return out
}

// InMonth returns the events whose instant falls in the calendar month of
// clock(), in clock's location. Events with an unknown instant are skipped.
func InMonth(evs []Event, clock func() time.Time) []Event {
	now := clock()
	y, m, _ := now.Date()
	start := time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 1, 0)
	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		if ev.At == nil {
			continue
		}
		if !ev.At.Before(start) && ev.At.Before(end) {
			out = append(out, ev)
		}
	}
	return out
}
