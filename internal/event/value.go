// Package event provides the value-lookup and coercion helpers shared by
// every detector: dotted-path field resolution against nested event
// mappings, timestamp parsing, and canonicalization of container values
// into a form that is safe to use as a map key.
package event

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Event is the generic mapping this engine operates on: an unordered set of
// dotted field names to primitive or nested values. One field, named by the
// rule's timestamp field, holds a timestamp.
type Event map[string]any

// PlaceholderField marks a synthetic zero-count entry inserted by garbage
// collection to advance window time without affecting statistics.
const PlaceholderField = "placeholder"

// DefaultTimestampField is used when a rule does not override it.
const DefaultTimestampField = "@timestamp"

// IsPlaceholder reports whether an event is a GC-inserted placeholder.
func IsPlaceholder(e Event) bool {
	if e == nil {
		return false
	}
	v, ok := e[PlaceholderField]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Lookup resolves a dotted path against a nested event mapping. A path
// component may index into a nested map, or select by key among a sequence
// of single-key maps (e.g. [{"a": 1}, {"b": 2}] selecting "b" yields 2).
func Lookup(e Event, path string) any {
	if e == nil || path == "" {
		return nil
	}
	var current any = map[string]any(e)
	for _, part := range strings.Split(path, ".") {
		if current == nil {
			return nil
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil
			}
			current = next
		case Event:
			next, ok := v[part]
			if !ok {
				return nil
			}
			current = next
		case []any:
			current = selectFromSequence(v, part)
		default:
			return nil
		}
	}
	return current
}

// selectFromSequence implements "select by key among a sequence of
// single-key maps": given [{"a":1},{"b":2}] and part "b", returns 2.
func selectFromSequence(seq []any, part string) any {
	for _, item := range seq {
		m, ok := item.(map[string]any)
		if !ok || len(m) != 1 {
			continue
		}
		if v, ok := m[part]; ok {
			return v
		}
	}
	return nil
}

// LookupTime resolves the timestamp field and parses it. Event timestamps
// are either an RFC3339 string or an already-parsed time.Time.
func LookupTime(e Event, timestampField string) (time.Time, error) {
	if timestampField == "" {
		timestampField = DefaultTimestampField
	}
	raw := Lookup(e, timestampField)
	return ParseTimestamp(raw)
}

// ParseTimestamp accepts either a time.Time or an RFC3339(/Nano) string.
func ParseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, nil
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("event: unrecognized timestamp shape: %q", v)
	case nil:
		return time.Time{}, fmt.Errorf("event: missing timestamp field")
	default:
		return time.Time{}, fmt.Errorf("event: unrecognized timestamp shape: %T", raw)
	}
}

// FormatTimestamp renders a timestamp the way matches are serialized on
// emission: RFC3339.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Key is a canonical, comparable representation of a looked-up value,
// suitable for use as a map key. Containers (sequences, maps) are
// canonicalized recursively; see Hashable.
type Key struct {
	// str is the canonical string form; it's also what gets hashed for hc.
	str string
	// hc is a fast comparison hash of str, computed eagerly so that the
	// common case (comparing two Keys) doesn't re-walk long composite
	// strings.
	hc uint64
}

// String returns the canonical string form (useful for log lines and as a
// map key when only display matters, not just equality).
func (k Key) String() string { return k.str }

// Hash returns the xxhash of the canonical form.
func (k Key) Hash() uint64 { return k.hc }

// Hashable coerces a looked-up value into a Key: sequences become ordered
// tuples, maps become sorted key/value pairs, everything else is rendered
// with its natural string form. Two values that are "the same" under Go's
// equality (after JSON-style decoding) produce equal Keys.
func Hashable(v any) Key {
	s := canonicalize(v)
	return Key{str: s, hc: xxhash.Sum64String(s)}
}

// HashableAll coerces a slice of looked-up values into a single composite
// Key, joining their canonical forms.
func HashableAll(values []any) Key {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = canonicalize(v)
	}
	s := strings.Join(parts, "\x1f")
	return Key{str: s, hc: xxhash.Sum64String(s)}
}

func canonicalize(v any) string {
	switch val := v.(type) {
	case nil:
		return "\x00nil"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = canonicalize(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + canonicalize(val[k])
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ToString renders a looked-up value as a display string (used for
// compare-list membership, new-term values, and match summaries).
func ToString(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Truthy reports whether a looked-up value counts as present for
// ignore_null purposes: nil, "", 0, 0.0, and false are falsy; everything
// else, including non-empty containers, is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

// JoinKey renders composite key parts as a single display string, the
// shared convention for tuple-valued keys (nested bucket flattening,
// composite terms, compound aggregation keys).
func JoinKey(parts []string) string {
	return strings.Join(parts, ",")
}
