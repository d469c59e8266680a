// Package placeholder substitutes {{ path }} tokens in step field trees with
// values looked up through a Resolver.
//
// A string made of exactly one token resolves to the referenced value with its
// type intact. Tokens embedded in longer text are stringified. Missing
// references resolve to the Resolver's default instead of failing.
package placeholder

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/aretw0/conductor/pkg/state"
	"github.com/spf13/cast"
)

var tokenPattern = regexp.MustCompile(`{{\s*([A-Za-z0-9_.\-]+)\s*}}`)

// Resolver looks up the value for a token path.
type Resolver interface {
	Resolve(path string) any
}

// StateResolver looks tokens up in a session state store, substituting
// Default on a miss.
type StateResolver struct {
	Store   *state.Store
	Default any
}

// Resolve implements Resolver.
func (r StateResolver) Resolve(path string) any {
	if r.Store == nil {
		return r.Default
	}
	return r.Store.Get(path, r.Default)
}

// MapResolver resolves tokens against a plain map tree. Used for
// validation tooling and tests.
type MapResolver map[string]any

// Resolve implements Resolver.
func (m MapResolver) Resolve(path string) any {
	var cur any = map[string]any(m)
	for _, k := range state.Split(path) {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = node[k]; !ok {
			return nil
		}
	}
	return cur
}

// Resolve walks tree and returns a new tree with every token substituted.
// The input is never modified.
func Resolve(tree any, r Resolver) any {
	switch v := tree.(type) {
	case string:
		return resolveString(v, r)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Resolve(e, r)
		}
		return out
	case map[any]any:
		return Resolve(state.Normalize(v), r)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Resolve(e, r)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = resolveString(e, r)
		}
		return out
	default:
		return tree
	}
}

// ResolveMap is Resolve specialized to the input maps capabilities receive.
func ResolveMap(inputs map[string]any, r Resolver) map[string]any {
	if inputs == nil {
		return map[string]any{}
	}
	return Resolve(inputs, r).(map[string]any)
}

// ResolveString resolves tokens in s and always returns a string.
func ResolveString(s string, r Resolver) string {
	return Stringify(resolveString(s, r))
}

func resolveString(s string, r Resolver) any {
	if !strings.Contains(s, "{{") {
		return s
	}

	trimmed := strings.TrimSpace(s)
	if loc := tokenPattern.FindStringSubmatchIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		return r.Resolve(trimmed[loc[2]:loc[3]])
	}

	return tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		path := tokenPattern.FindStringSubmatch(tok)[1]
		return Stringify(r.Resolve(path))
	})
}

// Stringify renders a resolved value for embedding in text. Containers are
// rendered as JSON and nil as the empty string.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any, map[any]any, []string:
		b, err := json.Marshal(state.Normalize(val))
		if err != nil {
			return cast.ToString(val)
		}
		return string(b)
	default:
		if s, err := cast.ToStringE(val); err == nil {
			return s
		}
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Truthy interprets a resolved value as a condition. Nil, false, zero,
// empty containers and the empty string are false. Strings that parse as a
// boolean ("false", "0") use that value; any other string is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		if strings.TrimSpace(val) == "" {
			return false
		}
		if b, err := cast.ToBoolE(strings.TrimSpace(val)); err == nil {
			return b
		}
		return true
	case map[string]any:
		return len(val) > 0
	case map[any]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	default:
		if f, err := cast.ToFloat64E(val); err == nil {
			return f != 0
		}
		return true
	}
}

// Tokens returns the sorted, de-duplicated list of paths referenced in tree.
func Tokens(tree any) []string {
	seen := make(map[string]struct{})
	collect(tree, seen)
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func collect(tree any, seen map[string]struct{}) {
	switch v := tree.(type) {
	case string:
		for _, m := range tokenPattern.FindAllStringSubmatch(v, -1) {
			seen[m[1]] = struct{}{}
		}
	case map[string]any:
		for _, e := range v {
			collect(e, seen)
		}
	case map[any]any:
		for _, e := range v {
			collect(e, seen)
		}
	case []any:
		for _, e := range v {
			collect(e, seen)
		}
	case []string:
		for _, e := range v {
			collect(e, seen)
		}
	}
}
