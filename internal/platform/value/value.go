// Package value manipulates JSON-shaped dynamic values: nil, bool, float64,
// string, []any and map[string]any, as produced by encoding/json. Paths are
// dot-joined map keys.
package value

import (
	"strings"
)

// Get walks path segments through nested maps. The second return is false
// when any segment is missing or a non-map is hit before the last segment.
func Get(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether the path resolves.
func Has(v any, path string) bool {
	_, ok := Get(v, path)
	return ok
}

// Set writes val at path, creating intermediate maps. It returns false when
// an existing non-map value blocks the walk.
func Set(v map[string]any, path string, val any) bool {
	segs := strings.Split(path, ".")
	cur := v
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			child := make(map[string]any)
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return false
		}
		cur = child
	}
	cur[segs[len(segs)-1]] = val
	return true
}

// Clone deep-copies a JSON-shaped value.
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

// StripPaths returns a deep copy of v with every listed path removed.
// Paths that do not resolve are ignored. Scalars pass through untouched
// unless the empty path is listed, which yields nil.
func StripPaths(v any, paths []string) any {
	if len(paths) == 0 {
		return Clone(v)
	}
	for _, p := range paths {
		if p == "" {
			return nil
		}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Clone(v)
	}
	out := Clone(m).(map[string]any)
	for _, p := range paths {
		removePath(out, strings.Split(p, "."))
	}
	return out
}

func removePath(m map[string]any, segs []string) {
	if len(segs) == 1 {
		delete(m, segs[0])
		return
	}
	child, ok := m[segs[0]].(map[string]any)
	if !ok {
		return
	}
	removePath(child, segs[1:])
}

// Merge overlays src onto dst recursively; scalar and list values in src win.
func Merge(dst, src map[string]any) map[string]any {
	out := Clone(dst).(map[string]any)
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = Merge(dm, sm)
				continue
			}
		}
		out[k] = Clone(sv)
	}
	return out
}

// CamelKey converts an env-style key segment (UPPER_SNAKE) to camelCase.
func CamelKey(seg string) string {
	parts := strings.Split(strings.ToLower(seg), "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

// EnvPath converts the nested portion of an env var (split on "__") into a
// dotted camelCase path: "RATE_LIMIT__MAX_PER_WINDOW" -> "rateLimit.maxPerWindow".
func EnvPath(raw string) string {
	segs := strings.Split(raw, "__")
	for i, seg := range segs {
		segs[i] = CamelKey(seg)
	}
	return strings.Join(segs, ".")
}
