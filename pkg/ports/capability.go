package ports

import (
	"context"

	"github.com/aretw0/conductor/pkg/domain"
)

// Capability is the contract every tool, callback, model client and
// tool-wrapped agent is invoked through. Inputs are already resolved
// against the session state.
type Capability interface {
	Invoke(ctx context.Context, inputs map[string]any) (domain.Result, error)
}

// CapabilityFunc adapts a plain function to the Capability interface.
type CapabilityFunc func(ctx context.Context, inputs map[string]any) (domain.Result, error)

// Invoke calls f(ctx, inputs).
func (f CapabilityFunc) Invoke(ctx context.Context, inputs map[string]any) (domain.Result, error) {
	return f(ctx, inputs)
}
