// Package temporal converts the date representations returned by the campus
// API (ISO strings, epoch seconds or milliseconds, component arrays) into a
// single instant.
package temporal

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"campus.org/internal/payload"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e12

// EventFields lists the fields carrying an event's instant, in priority order.
var EventFields = []string{"eventTime", "eventDate", "date"}

// SubmittedFields lists the fields carrying a request's submission instant.
var SubmittedFields = []string{"requestDate", "createdAt", "submittedAt"}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Normalizer resolves an instant from the first present field of a fixed,
// ordered list.
type Normalizer struct {
	accessors []payload.Accessor
	loc       *time.Location
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLocation sets the location used for zone-less strings and component
// arrays. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(n *Normalizer) {
		if loc != nil {
			n.loc = loc
		}
	}
}

// New builds a normalizer over the given field names, tried in order.
func New(fields []string, opts ...Option) *Normalizer {
	n := &Normalizer{loc: time.Local}
	for _, f := range fields {
		n.accessors = append(n.accessors, payload.Key(f))
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Location returns the location used for zone-less values.
func (n *Normalizer) Location() *time.Location { return n.loc }

// Normalize returns the instant of the first present field. The boolean is
// false when no field is present or the value cannot be interpreted; callers
// must treat that as unknown, never as now or the epoch.
func (n *Normalizer) Normalize(rec payload.Record) (t time.Time, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t, ok = time.Time{}, false
		}
	}()
	v, found := payload.First(rec, n.accessors...)
	if !found {
		return time.Time{}, false
	}
	return n.NormalizeValue(v)
}

// NormalizeValue interprets a single raw value.
func (n *Normalizer) NormalizeValue(v any) (time.Time, bool) {
	switch val := v.(type) {
	case []any:
		return n.fromComponents(val)
	case []int:
		parts := make([]any, len(val))
		for i, p := range val {
			parts[i] = float64(p)
		}
		return n.fromComponents(parts)
	case string:
		return n.fromString(val)
	case time.Time:
		if val.IsZero() {
			return time.Time{}, false
		}
		return val, true
	default:
		if f, ok := number(v); ok {
			return fromEpoch(f)
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	ms := f
	if math.Abs(f) < epochMillisThreshold {
		ms = f * 1000
	}
	return time.UnixMilli(int64(ms)), true
}

// fromComponents reads [year, month(1-based), day, hour, minute, second, nanos].
func (n *Normalizer) fromComponents(parts []any) (time.Time, bool) {
	if len(parts) < 3 {
		return time.Time{}, false
	}
	vals := [7]int{0, 0, 0, 0, 0, 0, 0}
	for i := 0; i < len(parts) && i < len(vals); i++ {
		f, ok := number(parts[i])
		if !ok || f != math.Trunc(f) {
			return time.Time{}, false
		}
		vals[i] = int(f)
	}
	year, month, day, hour, minute, sec, nanos := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6]
	if month < 1 || month > 12 || day < 1 || day > 31 ||
		hour < 0 || hour > 23 || minute < 0 || minute > 59 ||
		sec < 0 || sec > 59 || nanos < 0 || nanos > 999_999_999 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, sec, nanos, n.loc)
	// time.Date normalizes overflow such as 31 February.
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func (n *Normalizer) fromString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func number(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}
