// Package payload reads loosely shaped JSON records returned by the campus
// API. Fields that appear under several alternative names are resolved with
// explicit ordered accessor lists instead of per call site conditionals.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Record is a decoded JSON object.
type Record map[string]any

// ID is an opaque identifier. Numeric and string identifiers with the same
// textual form compare equal.
type ID string

// Empty reports whether the identifier is missing.
func (id ID) Empty() bool { return strings.TrimSpace(string(id)) == "" }

func (id ID) String() string { return string(id) }

// Accessor extracts a value from a record. The boolean is false when the
// field is absent or null.
type Accessor func(Record) (any, bool)

// Key reads a top-level field.
func Key(name string) Accessor {
	return func(r Record) (any, bool) {
		if r == nil {
			return nil, false
		}
		v, ok := r[name]
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}
}

// Path reads a nested field, e.g. Path("club", "id").
func Path(keys ...string) Accessor {
	return func(r Record) (any, bool) {
		var cur any = map[string]any(r)
		for _, k := range keys {
			m, ok := asMap(cur)
			if !ok {
				return nil, false
			}
			v, ok := m[k]
			if !ok || v == nil {
				return nil, false
			}
			cur = v
		}
		return cur, true
	}
}

// First returns the value of the first accessor that finds a non-null field.
func First(r Record, accessors ...Accessor) (any, bool) {
	for _, get := range accessors {
		if v, ok := get(r); ok {
			return v, true
		}
	}
	return nil, false
}

// FirstID resolves an identifier through an ordered accessor list. Values
// that cannot form an identifier are skipped.
func FirstID(r Record, accessors ...Accessor) ID {
	for _, get := range accessors {
		v, ok := get(r)
		if !ok {
			continue
		}
		if id := IDOf(v); !id.Empty() {
			return id
		}
	}
	return ""
}

// FirstString resolves a string field through an ordered accessor list.
func FirstString(r Record, accessors ...Accessor) string {
	for _, get := range accessors {
		v, ok := get(r)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// IDOf converts a scalar JSON value into an identifier. Anything else yields
// the empty ID, which never matches another identifier.
func IDOf(v any) ID {
	switch val := v.(type) {
	case string:
		return ID(strings.TrimSpace(val))
	case json.Number:
		return ID(val.String())
	case float64:
		return ID(formatFloat(val))
	case float32:
		return ID(formatFloat(float64(val)))
	case int:
		return ID(strconv.Itoa(val))
	case int64:
		return ID(strconv.FormatInt(val, 10))
	case int32:
		return ID(strconv.FormatInt(int64(val), 10))
	case uint64:
		return ID(strconv.FormatUint(val, 10))
	case fmt.Stringer:
		return ID(strings.TrimSpace(val.String()))
	}
	return ""
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Records decodes a JSON array of objects. A null body is an empty
// collection; non-object elements are skipped.
func Records(data []byte) ([]Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return []Record{}, nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		if m, ok := asMap(item); ok {
			out = append(out, Record(m))
		}
	}
	return out, nil
}

// IDs extracts the non-empty identifiers of a collection.
func IDs(recs []Record, accessors ...Accessor) []ID {
	out := make([]ID, 0, len(recs))
	for _, r := range recs {
		if id := FirstID(r, accessors...); !id.Empty() {
			out = append(out, id)
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	}
	return nil, false
}
