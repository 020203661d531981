package store

import (
	"fmt"
	"strings"
)

// Split validates path and returns its segments. The root path "" or "/"
// yields no segments.
func Split(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}

	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, "#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Related reports whether one of the paths is a prefix of the other.
func Related(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Touched returns the paths written by an Update of fields at base.
func Touched(base []string, fields map[string]any) ([][]string, error) {
	touched := make([][]string, 0, len(fields))
	for k := range fields {
		rel, err := Split(k)
		if err != nil {
			return nil, err
		}
		if len(rel) == 0 {
			return nil, fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		touched = append(touched, append(append([]string{}, base...), rel...))
	}
	return touched, nil
}
