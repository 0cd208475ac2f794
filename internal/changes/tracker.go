// Package changes detects drift between a persisted baseline and the
// current in-memory state of a configuration document. Both stores use
// it to gate saves and destructive navigation.
package changes

import (
	"reflect"
	"sort"
)

// Normalizer rewrites a document in place before comparison so cosmetic
// differences (such as range ordering) do not register as drift.
type Normalizer func(doc map[string]any)

// Snapshot returns a deep copy of a YAML-decoded document, suitable as
// a change-detection baseline.
func Snapshot(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return Clone(doc).(map[string]any)
}

// Clone deep-copies a YAML-decoded value tree. Scalars are returned
// as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}

// HasChanges reports whether current differs from baseline after both
// are normalized. Neither argument is modified.
func HasChanges(baseline, current map[string]any, normalizers ...Normalizer) bool {
	b := Snapshot(baseline)
	c := Snapshot(current)
	for _, normalize := range normalizers {
		if b != nil {
			normalize(b)
		}
		if c != nil {
			normalize(c)
		}
	}
	return !reflect.DeepEqual(b, c)
}

// SortedStringList returns a Normalizer that replaces the list at key
// with an order-insensitive copy. A missing or null list normalizes to
// an empty one.
func SortedStringList(key string) Normalizer {
	return func(doc map[string]any) {
		items, _ := doc[key].([]any)
		values := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
		sort.Strings(values)
		normalized := make([]any, len(values))
		for i, s := range values {
			normalized[i] = s
		}
		doc[key] = normalized
	}
}
