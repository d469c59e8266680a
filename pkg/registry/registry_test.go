package registry_test

import (
	"context"
	"testing"

	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
	"github.com/aretw0/conductor/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Builtins(t *testing.T) {
	r := registry.NewDefault()
	ctx := context.Background()

	res, err := r.Execute(ctx, registry.BuiltinEcho, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, res.Output)
	assert.Nil(t, res.StateDelta)

	res, err = r.Execute(ctx, registry.BuiltinSetState, map[string]any{"budget": map[string]any{"total": 10}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"budget": map[string]any{"total": 10}}, res.StateDelta)

	_, err = r.Execute(ctx, registry.BuiltinFail, map[string]any{"message": "nope"})
	assert.EqualError(t, err, "nope")

	_, err = r.Execute(ctx, "builtin:missing", nil)
	assert.Error(t, err)
}

func TestRegistry_RegisterFuncAndResolver(t *testing.T) {
	r := registry.NewRegistry()
	r.RegisterFunc("fn:double", func(ctx context.Context, args map[string]any) (any, error) {
		return args["n"].(int) * 2, nil
	})

	var resolved []string
	r.RegisterResolver("dyn:", func(ref string) (ports.Capability, bool) {
		resolved = append(resolved, ref)
		return ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
			return domain.Result{Output: ref}, nil
		}), true
	})

	res, err := r.Execute(context.Background(), "fn:double", map[string]any{"n": 21})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Output)

	res, err = r.Execute(context.Background(), "dyn:thing", nil)
	require.NoError(t, err)
	assert.Equal(t, "dyn:thing", res.Output)
	assert.Equal(t, []string{"dyn:thing"}, resolved)

	_, ok := r.Lookup("other:thing")
	assert.False(t, ok)
	assert.Equal(t, []string{"fn:double"}, r.Refs())
}
