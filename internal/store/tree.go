package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Path is a parsed slash separated location in the tree.
type Path []string

// ParsePath splits a slash separated path. Leading and trailing slashes are ignored.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}

	p := strings.Split(s, "/")
	for _, seg := range p {
		if seg == "" || seg == "." || seg == ".." {
			return nil, fmt.Errorf("invalid path %q", s)
		}
	}

	return p, nil
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

func (p Path) child(rel Path) Path {
	out := make(Path, 0, len(p)+len(rel))
	return append(append(out, p...), rel...)
}

// overlaps reports whether a change at one path can affect the value at the other.
func (p Path) overlaps(o Path) bool {
	n := min(len(p), len(o))
	for i := 0; i < n; i++ {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// normalize converts v to the generic JSON form stored in the tree:
// map[string]any, []any, float64, string, bool or nil.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}

	return prune(out), nil
}

func encode(v any) []byte {
	if v == nil {
		return nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		// Values in the tree are always normalized JSON.
		panic(fmt.Sprintf("store: encode tree value: %v", err))
	}
	return b
}

func getAt(node any, p Path) any {
	for _, seg := range p {
		switch n := node.(type) {
		case map[string]any:
			node = n[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil
			}
			node = n[i]
		default:
			return nil
		}
	}
	return node
}

// setAt replaces the value at p and returns the new node. A nil v deletes.
// Containers are modified in place.
func setAt(node any, p Path, v any) any {
	if len(p) == 0 {
		return v
	}

	seg, rest := p[0], p[1:]

	if arr, ok := node.([]any); ok {
		i, err := strconv.Atoi(seg)
		switch {
		case err == nil && i >= 0 && i < len(arr) && (v != nil || len(rest) > 0):
			arr[i] = setAt(arr[i], rest, v)
			return arr
		case err == nil && i == len(arr) && v != nil:
			return append(arr, setAt(nil, rest, v))
		}
		// Anything else turns the array into an object keyed by index,
		// the same way a sparse array is stored.
		node = arrayToMap(arr)
	}

	m, ok := node.(map[string]any)
	if !ok {
		if v == nil {
			return node
		}
		m = make(map[string]any)
	}

	child := setAt(m[seg], rest, v)
	if child == nil {
		delete(m, seg)
	} else {
		m[seg] = child
	}

	return m
}

// mergeAt sets every field relative to p. Field keys may themselves be slash paths.
func mergeAt(node any, p Path, fields map[string]any) (any, error) {
	for k, v := range fields {
		rel, err := ParsePath(k)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		node = setAt(node, p.child(rel), v)
	}
	return prune(node), nil
}

// mergeExistingAt is mergeAt restricted to fields whose parent node exists.
// The others are dropped, so a removed object is never partially recreated.
func mergeExistingAt(node any, p Path, fields map[string]any) (any, error) {
	kept := make(map[string]any, len(fields))
	for k, v := range fields {
		rel, err := ParsePath(k)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		full := p.child(rel)
		if getAt(node, full[:len(full)-1]) == nil {
			continue
		}
		kept[k] = v
	}
	return mergeAt(node, p, kept)
}

// prune drops nulls and empty containers, so an empty object is never stored.
func prune(v any) any {
	switch n := v.(type) {
	case map[string]any:
		for k, c := range n {
			if c = prune(c); c == nil {
				delete(n, k)
			} else {
				n[k] = c
			}
		}
		if len(n) == 0 {
			return nil
		}
		return n
	case []any:
		holes := false
		for i, c := range n {
			n[i] = prune(c)
			holes = holes || n[i] == nil
		}
		if len(n) == 0 {
			return nil
		}
		if holes {
			return prune(arrayToMap(n))
		}
		return n
	default:
		return v
	}
}

func arrayToMap(arr []any) map[string]any {
	m := make(map[string]any, len(arr))
	for i, c := range arr {
		if c != nil {
			m[strconv.Itoa(i)] = c
		}
	}
	return m
}
