package hierarchy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/conductor/internal/compiler"
	"github.com/aretw0/conductor/internal/logging"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
)

// CapabilitySource resolves implementation references. *registry.Registry satisfies it.
type CapabilitySource interface {
	Lookup(ref string) (ports.Capability, bool)
}

// Builder compiles descriptors. It never touches session state.
type Builder struct {
	caps   CapabilitySource
	logger *slog.Logger
}

// Option configures the Builder.
type Option func(*Builder)

// WithLogger configures a logger for the Builder.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a builder binding capabilities from caps.
func NewBuilder(caps CapabilitySource, opts ...Option) *Builder {
	b := &Builder{
		caps:   caps,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build compiles the agents reachable from the entry agent and binds every
// tool, callback, model and tool-wrapped agent they need.
func (b *Builder) Build(desc *domain.SolutionDescriptor) (*Graph, error) {
	fp, err := Fingerprint(desc)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		Solution:    desc,
		Fingerprint: fp,
		Root:        desc.EntryAgent,
		Agents:      make(map[string]*AgentNode),
		Tools:       make(map[string]*ToolHandle),
		AgentTools:  make(map[string]ports.Capability),
	}

	if _, ok := desc.Agent(desc.EntryAgent); !ok {
		return nil, &domain.UndeclaredReferenceError{Solution: desc.ID, Owner: "entry_agent", Kind: "agent", Name: desc.EntryAgent}
	}

	g.Order = reachable(desc)
	inGraph := make(map[string]bool, len(g.Order))
	for _, name := range g.Order {
		inGraph[name] = true
	}
	for _, a := range desc.Agents {
		if !inGraph[a.Name] {
			g.Unreachable = append(g.Unreachable, a.Name)
		}
	}

	for _, name := range g.Order {
		spec, _ := desc.Agent(name)
		node, err := b.compileAgent(desc, g, spec)
		if err != nil {
			return nil, err
		}
		g.Agents[name] = node
	}

	for _, cb := range desc.Callbacks {
		ref, _ := b.callbackImpl(desc, cb)
		c, err := b.bind("callback "+cb.Name, ref)
		if err != nil {
			return nil, err
		}
		g.Callbacks = append(g.Callbacks, &CallbackHandle{Spec: b.callbackSpec(desc, cb), Capability: c})
	}

	b.logger.Debug("solution graph built",
		"solution", desc.ID,
		"agents", len(g.Agents),
		"tools", len(g.Tools),
		"callbacks", len(g.Callbacks),
		"unreachable", len(g.Unreachable),
	)
	return g, nil
}

func (b *Builder) compileAgent(desc *domain.SolutionDescriptor, g *Graph, spec *domain.AgentSpec) (*AgentNode, error) {
	node := &AgentNode{Spec: *spec}

	if ref := modelRef(desc, spec); ref != "" {
		c, err := b.bind("agent "+spec.Name, ref)
		if err != nil {
			return nil, err
		}
		node.Model = c
	}

	for _, s := range spec.Steps {
		step := Step{Spec: s, Kind: KindPrompt}
		if s.Invoke != "" {
			step.Target = s.Invoke
			if _, isAgent := desc.Agent(s.Invoke); isAgent {
				if s.AsTool {
					step.Kind = KindAgentTool
					if err := b.bindAgentTool(desc, g, s.Invoke); err != nil {
						return nil, err
					}
				} else {
					step.Kind = KindDelegate
				}
			} else {
				step.Kind = KindTool
				if err := b.bindTool(desc, g, s.Invoke); err != nil {
					return nil, err
				}
			}
		}
		node.Steps = append(node.Steps, step)
	}

	for _, tool := range spec.Tools {
		if err := b.bindTool(desc, g, tool); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func (b *Builder) bindTool(desc *domain.SolutionDescriptor, g *Graph, name string) error {
	if _, done := g.Tools[name]; done {
		return nil
	}
	spec, ok := desc.Tool(name)
	if !ok {
		return &domain.UndeclaredReferenceError{Solution: desc.ID, Owner: "graph", Kind: "tool", Name: name}
	}
	c, err := b.bind("tool "+name, spec.Impl)
	if err != nil {
		return err
	}
	g.Tools[name] = &ToolHandle{Spec: *spec, Capability: c}
	return nil
}

func (b *Builder) bindAgentTool(desc *domain.SolutionDescriptor, g *Graph, name string) error {
	if _, done := g.AgentTools[name]; done {
		return nil
	}
	spec, _ := desc.Agent(name)
	ref := modelRef(desc, spec)
	if ref == "" {
		return &domain.UnboundCapabilityError{Owner: "tool-wrapped agent " + name, Ref: "(no impl or agent_impl)"}
	}
	c, err := b.bind("tool-wrapped agent "+name, ref)
	if err != nil {
		return err
	}
	g.AgentTools[name] = c
	return nil
}

// callbackImpl follows a callback whose impl names a declared callback-category
// tool, so shared callback implementations can be declared once under tools.
func (b *Builder) callbackImpl(desc *domain.SolutionDescriptor, cb domain.CallbackSpec) (string, map[string]any) {
	if tool, ok := desc.Tool(cb.Impl); ok && tool.Category == domain.CategoryCallback {
		return tool.Impl, tool.Inputs
	}
	return cb.Impl, nil
}

func (b *Builder) callbackSpec(desc *domain.SolutionDescriptor, cb domain.CallbackSpec) domain.CallbackSpec {
	_, inherited := b.callbackImpl(desc, cb)
	if len(inherited) == 0 {
		return cb
	}
	merged := make(map[string]any, len(inherited)+len(cb.Inputs))
	for k, v := range inherited {
		merged[k] = v
	}
	for k, v := range cb.Inputs {
		merged[k] = v
	}
	cb.Inputs = merged
	return cb
}

func (b *Builder) bind(owner, ref string) (ports.Capability, error) {
	if b.caps == nil {
		return nil, &domain.UnboundCapabilityError{Owner: owner, Ref: ref}
	}
	c, ok := b.caps.Lookup(ref)
	if !ok {
		return nil, &domain.UnboundCapabilityError{Owner: owner, Ref: ref}
	}
	return c, nil
}

func modelRef(desc *domain.SolutionDescriptor, spec *domain.AgentSpec) string {
	if spec.Impl != "" {
		return spec.Impl
	}
	return desc.AgentImpl
}

// reachable walks delegation edges depth-first from the entry agent.
func reachable(desc *domain.SolutionDescriptor) []string {
	var order []string
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		order = append(order, name)
		for _, next := range compiler.Edges(desc, name) {
			walk(next)
		}
	}
	walk(desc.EntryAgent)
	return order
}

// Fingerprint hashes the canonical JSON form of a descriptor.
func Fingerprint(desc *domain.SolutionDescriptor) (string, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint solution %s: %w", desc.ID, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Cache memoizes graphs per solution id and descriptor fingerprint.
type Cache struct {
	builder *Builder

	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewCache wraps builder with a per-solution memo.
func NewCache(builder *Builder) *Cache {
	return &Cache{
		builder: builder,
		graphs:  make(map[string]*Graph),
	}
}

// Build returns the cached graph when the descriptor is unchanged, otherwise
// builds and stores a new one. The bool reports a cache hit.
func (c *Cache) Build(desc *domain.SolutionDescriptor) (*Graph, bool, error) {
	fp, err := Fingerprint(desc)
	if err != nil {
		return nil, false, err
	}

	c.mu.RLock()
	g, ok := c.graphs[desc.ID]
	c.mu.RUnlock()
	if ok && g.Fingerprint == fp {
		return g, true, nil
	}

	g, err = c.builder.Build(desc)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.graphs[desc.ID] = g
	c.mu.Unlock()
	return g, false, nil
}

// Get returns the current graph of a solution.
func (c *Cache) Get(solutionID string) (*Graph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[solutionID]
	return g, ok
}

// Retain drops every graph whose solution id is not in keep.
func (c *Cache) Retain(keep map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.graphs {
		if !keep[id] {
			delete(c.graphs, id)
		}
	}
}
