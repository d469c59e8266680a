// Package state implements the session-scoped shared state tree.
//
// A Store is a nested key/value tree addressed by dot-delimited paths
// ("budget.total"). Containers are deep-copied on the way in and on the way
// out so callers can never alias the live tree.
package state

import (
	"strings"
	"sync"

	"github.com/mohae/deepcopy"
	"github.com/spf13/cast"
)

// Store is the mutable state of one session.
type Store struct {
	mu   sync.RWMutex
	root map[string]any
}

// New creates a store seeded with a copy of initial.
func New(initial map[string]any) *Store {
	s := &Store{root: make(map[string]any)}
	if initial != nil {
		s.Merge("", initial)
	}
	return s
}

// Split turns a dot path into its segments. The empty path is the root.
func Split(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Lookup returns a copy of the value at path and whether it exists.
func (s *Store) Lookup(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := lookup(s.root, Split(path))
	if !ok {
		return nil, false
	}
	return deepcopy.Copy(v), true
}

// Get returns the value at path, or def when any segment is missing.
func (s *Store) Get(path string, def any) any {
	if v, ok := s.Lookup(path); ok {
		return v
	}
	return def
}

// Set writes value at path, creating intermediate maps. A non-map value
// standing in the way of the path is replaced by a map.
func (s *Store) Set(path string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := Split(path)
	if len(keys) == 0 {
		if m, ok := value.(map[string]any); ok {
			s.root = deepcopy.Copy(m).(map[string]any)
		}
		return
	}
	parent := ensure(s.root, keys[:len(keys)-1])
	parent[keys[len(keys)-1]] = deepcopy.Copy(Normalize(value))
}

// Merge folds tree into the map at path. Nested maps merge recursively,
// any other value overwrites (last writer wins).
func (s *Store) Merge(path string, tree map[string]any) {
	if len(tree) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target := ensure(s.root, Split(path))
	mergeInto(target, deepcopy.Copy(Normalize(tree)).(map[string]any))
}

// Delete removes the value at path. Missing paths are ignored.
func (s *Store) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := Split(path)
	if len(keys) == 0 {
		s.root = make(map[string]any)
		return
	}
	parent, ok := lookup(s.root, keys[:len(keys)-1])
	if !ok {
		return
	}
	if m, ok := parent.(map[string]any); ok {
		delete(m, keys[len(keys)-1])
	}
}

// Increment adds one to the integer counter at path and returns the new value.
func (s *Store) Increment(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := Split(path)
	if len(keys) == 0 {
		return 0
	}
	parent := ensure(s.root, keys[:len(keys)-1])
	leaf := keys[len(keys)-1]

	n := 0
	switch v := parent[leaf].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	}
	n++
	parent[leaf] = n
	return n
}

// Snapshot returns a deep copy of the whole tree.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepcopy.Copy(s.root).(map[string]any)
}

func lookup(root map[string]any, keys []string) (any, bool) {
	var cur any = root
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func ensure(root map[string]any, keys []string) map[string]any {
	cur := root
	for _, k := range keys {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[k] = next
		}
		cur = next
	}
	return cur
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

// Normalize converts map[any]any and map[string]string values, as produced by
// some decoders and hosts, into map[string]any so that path traversal works.
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = Normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[toKey(k)] = Normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = e
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

func toKey(k any) string {
	return cast.ToString(k)
}
