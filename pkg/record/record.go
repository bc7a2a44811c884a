// Package record defines the untyped metadata document the upgrade engine
// operates on, together with clone and path helpers that keep upgrades free of
// shared mutable state.
package record

import (
	"sort"
	"strconv"
	"strings"
)

// Record is a JSON-like mapping from field name to value. Values are the
// shapes produced by encoding/json: nil, bool, float64, string, []any and
// map[string]any (or nested Record).
type Record map[string]any

// Clone returns a deep copy of the record. Mutating the copy never affects
// the receiver.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep copies mappings and lists, preserving their concrete
// types; scalars are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case Record:
		return t.Clone()
	case map[string]any:
		return map[string]any(Record(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = map[string]any(Record(item).Clone())
		}
		return out
	default:
		return v
	}
}

// Has reports whether the field is present, including an explicit null.
func (r Record) Has(field string) bool {
	_, ok := r[field]
	return ok
}

// Present reports whether the field is present and not null.
func (r Record) Present(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// String returns the field as a string when it holds one.
func (r Record) String(field string) (string, bool) {
	s, ok := r[field].(string)
	return s, ok
}

// Map returns the field as a nested record when it holds a mapping.
func (r Record) Map(field string) (Record, bool) {
	return AsRecord(r[field])
}

// List returns the field as a list when it holds one.
func (r Record) List(field string) ([]any, bool) {
	return AsList(r[field])
}

// Keys returns the field names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsRecord views a mapping value as a Record without copying.
func AsRecord(v any) (Record, bool) {
	switch t := v.(type) {
	case Record:
		return t, true
	case map[string]any:
		return Record(t), true
	default:
		return nil, false
	}
}

// AsList views a list value as []any without copying.
func AsList(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

// Lookup resolves a dotted path such as "parameters.endpoints.source".
// Numeric segments index into lists.
func Lookup(r Record, path string) (any, bool) {
	var cur any = r
	for _, seg := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case Record:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
