package placeholder_test

import (
	"testing"

	"github.com/aretw0/conductor/pkg/placeholder"
	"github.com/aretw0/conductor/pkg/state"
	"github.com/stretchr/testify/assert"
)

func TestResolve_WholeTokenKeepsType(t *testing.T) {
	s := state.New(map[string]any{
		"budget":  map[string]any{"total": 5000},
		"profile": map[string]any{"name": "Ana", "tags": []any{"beach", "food"}},
	})
	r := placeholder.StateResolver{Store: s}

	out := placeholder.ResolveMap(map[string]any{
		"total":   "{{ budget.total }}",
		"tags":    "{{profile.tags}}",
		"literal": 42,
	}, r)

	assert.Equal(t, 5000, out["total"])
	assert.Equal(t, []any{"beach", "food"}, out["tags"])
	assert.Equal(t, 42, out["literal"])
}

func TestResolve_EmbeddedTokensStringify(t *testing.T) {
	r := placeholder.MapResolver{
		"profile": map[string]any{"name": "Ana", "prefs": map[string]any{"seat": "aisle"}},
		"budget":  map[string]any{"total": 5000.5},
	}

	got := placeholder.ResolveString("Hi {{ profile.name }}, budget {{budget.total}} prefs {{ profile.prefs }}", r)
	assert.Equal(t, `Hi Ana, budget 5000.5 prefs {"seat":"aisle"}`, got)
}

func TestResolve_MissingUsesDefault(t *testing.T) {
	s := state.New(nil)

	out := placeholder.Resolve(map[string]any{
		"who":   "{{ profile.name }}",
		"greet": "hello {{ profile.name }}!",
	}, placeholder.StateResolver{Store: s})
	assert.Equal(t, map[string]any{"who": nil, "greet": "hello !"}, out)

	withDefault := placeholder.Resolve("{{ profile.name }}", placeholder.StateResolver{Store: s, Default: "guest"})
	assert.Equal(t, "guest", withDefault)
}

func TestResolve_NestedTreesAndPurity(t *testing.T) {
	input := map[string]any{
		"list": []any{"{{ a }}", map[string]any{"deep": "x{{ b }}x"}},
		"strs": []string{"{{ a }}"},
	}
	r := placeholder.MapResolver{"a": 1, "b": true}

	out := placeholder.Resolve(input, r).(map[string]any)
	assert.Equal(t, []any{1, map[string]any{"deep": "xtruex"}}, out["list"])
	assert.Equal(t, []any{1}, out["strs"])

	// input untouched
	assert.Equal(t, "{{ a }}", input["list"].([]any)[0])
}

func TestResolve_FreshEachTime(t *testing.T) {
	s := state.New(nil)
	r := placeholder.StateResolver{Store: s}
	tree := map[string]any{"v": "{{ counter }}"}

	assert.Nil(t, placeholder.ResolveMap(tree, r)["v"])
	s.Set("counter", 3)
	assert.Equal(t, 3, placeholder.ResolveMap(tree, r)["v"])
}

func TestTokens(t *testing.T) {
	tree := map[string]any{
		"a": "{{ profile.name }} and {{ budget.total }}",
		"b": []any{"{{profile.name}}"},
	}
	assert.Equal(t, []string{"budget.total", "profile.name"}, placeholder.Tokens(tree))
	assert.Empty(t, placeholder.Tokens("no tokens"))
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{"", false},
		{"  ", false},
		{"false", false},
		{"0", false},
		{"true", true},
		{"approved", true},
		{0, false},
		{2, true},
		{0.0, false},
		{map[string]any{}, false},
		{map[string]any{"k": 1}, true},
		{[]any{}, false},
		{[]any{1}, true},
		{struct{}{}, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, placeholder.Truthy(c.in), "%#v", c.in)
	}
}
