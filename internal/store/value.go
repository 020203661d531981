package store

import (
	"encoding/json"
	"maps"
	"slices"
)

const serverValueKey = ".sv"

// ServerTimestamp returns a placeholder the store replaces with its own clock,
// in Unix milliseconds, when the write is applied.
func ServerTimestamp() map[string]any {
	return map[string]any{serverValueKey: "timestamp"}
}

func isServerTimestamp(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	v, ok := m[serverValueKey].(string)
	return ok && v == "timestamp"
}

// Normalize converts v into its generic JSON form: map[string]any, []any,
// string, float64, bool or nil.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveServerValues replaces every ServerTimestamp placeholder in a
// normalized value with now.
func ResolveServerValues(v any, now int64) any {
	switch t := v.(type) {
	case map[string]any:
		if isServerTimestamp(t) {
			return float64(now)
		}
		for k, child := range t {
			t[k] = ResolveServerValues(child, now)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = ResolveServerValues(child, now)
		}
		return t
	default:
		return v
	}
}

// Clone deep copies a normalized value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// ValueAt returns the value stored at parts below root.
func ValueAt(root any, parts []string) any {
	cur := root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

// SetAt writes v at parts below root and returns the new root. A nil v or an
// empty map removes the node, and parents left empty are pruned.
func SetAt(root any, parts []string, v any) any {
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		v = nil
	}
	if len(parts) == 0 {
		return v
	}

	m, ok := root.(map[string]any)
	if !ok {
		if v == nil {
			return root
		}
		m = make(map[string]any)
	} else {
		m = maps.Clone(m)
	}

	child := SetAt(m[parts[0]], parts[1:], v)
	if child == nil {
		delete(m, parts[0])
	} else {
		m[parts[0]] = child
	}

	if len(m) == 0 {
		return nil
	}
	return m
}

// UpdateAt merges fields into the node at parts and returns the new root.
// Keys are applied in sorted order so nested keys land deterministically.
func UpdateAt(root any, parts []string, fields map[string]any) (any, error) {
	if _, err := Touched(parts, fields); err != nil {
		return nil, err
	}

	for _, k := range slices.Sorted(maps.Keys(fields)) {
		rel, _ := Split(k)
		root = SetAt(root, append(append([]string{}, parts...), rel...), fields[k])
	}
	return root, nil
}
