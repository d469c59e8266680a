package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
)

// ToolFunction is the simplest capability shape: arguments in, output out.
// It is wrapped into a ports.Capability with no state side effects.
type ToolFunction func(ctx context.Context, args map[string]any) (any, error)

// Resolver produces a capability for implementation references under a prefix
// (e.g. "process:") that are not registered one by one.
type Resolver func(ref string) (ports.Capability, bool)

// Registry maps implementation references to capabilities.
type Registry struct {
	mu        sync.RWMutex
	caps      map[string]ports.Capability
	resolvers map[string]Resolver
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		caps:      make(map[string]ports.Capability),
		resolvers: make(map[string]Resolver),
	}
}

// NewDefault creates a registry pre-populated with the built-in capabilities.
func NewDefault() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// Register adds a capability under ref.
// If a capability with the same ref exists, it is overwritten.
func (r *Registry) Register(ref string, c ports.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[ref] = c
}

// RegisterFunc adds a plain ToolFunction under ref.
func (r *Registry) RegisterFunc(ref string, fn ToolFunction) {
	r.Register(ref, ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		out, err := fn(ctx, inputs)
		if err != nil {
			return domain.Result{}, err
		}
		return domain.Result{Output: out}, nil
	}))
}

// RegisterResolver delegates every reference starting with prefix to resolve.
func (r *Registry) RegisterResolver(prefix string, resolve Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[prefix] = resolve
}

// Lookup returns the capability for ref. Exact registrations win over resolvers.
func (r *Registry) Lookup(ref string) (ports.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.caps[ref]; ok {
		return c, true
	}
	for prefix, resolve := range r.resolvers {
		if strings.HasPrefix(ref, prefix) {
			return resolve(ref)
		}
	}
	return nil, false
}

// Execute looks up a capability by ref and invokes it.
// Returns an error if the capability is not found.
func (r *Registry) Execute(ctx context.Context, ref string, inputs map[string]any) (domain.Result, error) {
	c, ok := r.Lookup(ref)
	if !ok {
		return domain.Result{}, fmt.Errorf("capability not found: %s", ref)
	}
	return c.Invoke(ctx, inputs)
}

// Refs returns the exact registrations, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.caps))
	for ref := range r.caps {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
