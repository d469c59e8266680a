package registry

import (
	"context"
	"errors"

	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
)

// Built-in implementation references.
const (
	BuiltinEcho     = domain.ImplBuiltin + "echo"
	BuiltinSetState = domain.ImplBuiltin + "set_state"
	BuiltinNoop     = domain.ImplBuiltin + "noop"
	BuiltinFail     = domain.ImplBuiltin + "fail"
)

// RegisterBuiltins installs the built-in capabilities.
//
//   - builtin:echo returns its inputs as output.
//   - builtin:set_state merges its inputs into the session state.
//   - builtin:noop does nothing.
//   - builtin:fail always fails with inputs["message"].
func RegisterBuiltins(r *Registry) {
	r.Register(BuiltinEcho, ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		return domain.Result{Output: inputs}, nil
	}))
	r.Register(BuiltinSetState, ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		return domain.Result{Output: inputs, StateDelta: inputs}, nil
	}))
	r.Register(BuiltinNoop, ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		return domain.Result{}, nil
	}))
	r.Register(BuiltinFail, ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		msg, _ := inputs["message"].(string)
		if msg == "" {
			msg = "failed"
		}
		return domain.Result{}, errors.New(msg)
	}))
}
