// Package compiler turns raw catalog documents into validated solution descriptors.
package compiler

import (
	"fmt"
	"strings"

	"github.com/aretw0/conductor/internal/catalog"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/placeholder"
	"github.com/mitchellh/mapstructure"
)

// document mirrors the on-disk shape of a solution file.
type document struct {
	SchemaVersion string                `mapstructure:"schema_version"`
	Solution      solutionHeader        `mapstructure:"solution"`
	EntryAgent    string                `mapstructure:"entry_agent"`
	AgentImpl     string                `mapstructure:"agent_impl"`
	Settings      map[string]any        `mapstructure:"settings"`
	Agents        []domain.AgentSpec    `mapstructure:"agents"`
	Tools         []domain.ToolSpec     `mapstructure:"tools"`
	Callbacks     []domain.CallbackSpec `mapstructure:"callbacks"`
}

type solutionHeader struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
}

// Normalizer validates raw documents. It holds no state and is safe for concurrent use.
type Normalizer struct{}

// NewNormalizer creates a new normalizer instance.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize decodes and validates one document. Checks run in order: required
// fields and schema version, unique names, references, then delegation cycles.
// The public solution id comes from the catalog index.
func (n *Normalizer) Normalize(doc catalog.RawDocument) (*domain.SolutionDescriptor, error) {
	id := doc.SolutionID

	var raw document
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(doc.Data); err != nil {
		return nil, &domain.ValidationError{Solution: id, Field: "document", Reason: err.Error()}
	}
	if id == "" {
		id = raw.Solution.ID
	}

	desc := &domain.SolutionDescriptor{
		ID:            id,
		Name:          raw.Solution.Name,
		Description:   raw.Solution.Description,
		SchemaVersion: strings.TrimSpace(raw.SchemaVersion),
		EntryAgent:    strings.TrimSpace(raw.EntryAgent),
		AgentImpl:     raw.AgentImpl,
		Settings:      raw.Settings,
		Agents:        raw.Agents,
		Tools:         raw.Tools,
		Callbacks:     raw.Callbacks,
		Source:        doc.Path,
	}
	if desc.Name == "" {
		desc.Name = id
	}

	if err := checkRequired(desc); err != nil {
		return nil, err
	}
	applyDefaults(desc)
	if err := checkUnique(desc); err != nil {
		return nil, err
	}
	if err := checkReferences(desc); err != nil {
		return nil, err
	}
	if err := checkAcyclic(desc); err != nil {
		return nil, err
	}
	return desc, nil
}

func checkRequired(d *domain.SolutionDescriptor) error {
	if d.ID == "" {
		return &domain.ValidationError{Solution: d.Source, Field: "solution.id", Reason: "missing"}
	}
	if d.SchemaVersion == "" {
		return &domain.ValidationError{Solution: d.ID, Field: "schema_version", Reason: "missing"}
	}
	if d.SchemaVersion != domain.SchemaVersion {
		return &domain.UnsupportedSchemaError{Solution: d.ID, Version: d.SchemaVersion}
	}
	if d.EntryAgent == "" {
		return &domain.ValidationError{Solution: d.ID, Field: "entry_agent", Reason: "missing"}
	}
	if len(d.Agents) == 0 {
		return &domain.ValidationError{Solution: d.ID, Field: "agents", Reason: "at least one agent is required"}
	}
	for i, a := range d.Agents {
		if a.Name == "" {
			return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("agents[%d].name", i), Reason: "missing"}
		}
		for j, s := range a.Steps {
			if s.ID == "" {
				return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("agents[%s].steps[%d].id", a.Name, j), Reason: "missing"}
			}
			if isReserved(s.SaveTo) {
				return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("agents[%s].steps[%s].save_to", a.Name, s.ID), Reason: "cannot target reserved namespace 'sys'"}
			}
			if r := s.Repeat; r != nil {
				field := fmt.Sprintf("agents[%s].steps[%s].repeat", a.Name, s.ID)
				if r.Max < 1 {
					return &domain.ValidationError{Solution: d.ID, Field: field + ".max", Reason: "must be at least 1"}
				}
				if r.Until != "" && len(placeholder.Tokens(r.Until)) == 0 {
					return &domain.ValidationError{Solution: d.ID, Field: field + ".until", Reason: "must reference state as {{ path }}"}
				}
			}
		}
	}
	for i, t := range d.Tools {
		if t.Name == "" {
			return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("tools[%d].name", i), Reason: "missing"}
		}
		if t.Impl == "" {
			return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("tools[%s].impl", t.Name), Reason: "missing"}
		}
		if t.Category != "" && t.Category != domain.CategoryTool && t.Category != domain.CategoryCallback {
			return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("tools[%s].category", t.Name), Reason: fmt.Sprintf("unknown category %q", t.Category)}
		}
	}
	for i, c := range d.Callbacks {
		if c.Name == "" {
			return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("callbacks[%d].name", i), Reason: "missing"}
		}
		if c.Impl == "" {
			return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("callbacks[%s].impl", c.Name), Reason: "missing"}
		}
		if c.Trigger == "" {
			return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("callbacks[%s].on", c.Name), Reason: "missing"}
		}
		if !domain.IsCallbackTopic(c.Trigger) {
			return &domain.ValidationError{Solution: d.ID, Field: fmt.Sprintf("callbacks[%s].on", c.Name), Reason: fmt.Sprintf("topic %q cannot trigger callbacks", c.Trigger)}
		}
	}
	return nil
}

func applyDefaults(d *domain.SolutionDescriptor) {
	for i := range d.Tools {
		if d.Tools[i].Category == "" {
			d.Tools[i].Category = domain.CategoryTool
		}
	}
}

func isReserved(path string) bool {
	path = strings.TrimSpace(path)
	return path == domain.NamespaceSys || strings.HasPrefix(path, domain.NamespaceSys+".")
}

// checkUnique enforces one namespace for agents, tools and callbacks, since a
// step's invoke may name either an agent or a tool. Step ids are unique per agent.
func checkUnique(d *domain.SolutionDescriptor) error {
	seen := make(map[string]string)
	claim := func(kind, name string) error {
		if prev, ok := seen[name]; ok {
			if prev != kind {
				kind = prev + "/" + kind
			}
			return &domain.DuplicateNameError{Solution: d.ID, Kind: kind, Name: name}
		}
		seen[name] = kind
		return nil
	}
	for _, a := range d.Agents {
		if err := claim("agent", a.Name); err != nil {
			return err
		}
		steps := make(map[string]struct{}, len(a.Steps))
		for _, s := range a.Steps {
			if _, dup := steps[s.ID]; dup {
				return &domain.DuplicateNameError{Solution: d.ID, Kind: "step in agent " + a.Name, Name: s.ID}
			}
			steps[s.ID] = struct{}{}
		}
	}
	for _, t := range d.Tools {
		if err := claim("tool", t.Name); err != nil {
			return err
		}
	}
	for _, c := range d.Callbacks {
		if err := claim("callback", c.Name); err != nil {
			return err
		}
	}
	return nil
}

func checkReferences(d *domain.SolutionDescriptor) error {
	undeclared := func(owner, kind, name string) error {
		return &domain.UndeclaredReferenceError{Solution: d.ID, Owner: owner, Kind: kind, Name: name}
	}

	if _, ok := d.Agent(d.EntryAgent); !ok {
		return undeclared("entry_agent", "agent", d.EntryAgent)
	}

	for _, a := range d.Agents {
		owner := "agent " + a.Name
		for _, sub := range a.Subagents {
			if _, ok := d.Agent(sub); !ok {
				return undeclared(owner, "agent", sub)
			}
		}
		for _, tool := range a.Tools {
			spec, ok := d.Tool(tool)
			if !ok {
				return undeclared(owner, "tool", tool)
			}
			if spec.Category == domain.CategoryCallback {
				return &domain.ValidationError{Solution: d.ID, Field: owner + ".tools", Reason: fmt.Sprintf("%q is a callback", tool)}
			}
		}

		for _, s := range a.Steps {
			stepOwner := fmt.Sprintf("step %s/%s", a.Name, s.ID)
			if s.Repeat != nil {
				if _, isAgent := d.Agent(s.Invoke); !isAgent || s.AsTool {
					return &domain.ValidationError{Solution: d.ID, Field: stepOwner + ".repeat", Reason: "only delegation steps can repeat"}
				}
			}
			if s.Invoke == "" {
				if s.AsTool {
					return &domain.ValidationError{Solution: d.ID, Field: stepOwner + ".as_tool", Reason: "requires invoke"}
				}
				continue
			}
			_, isAgent := d.Agent(s.Invoke)
			_, isTool := d.Tool(s.Invoke)
			switch {
			case isAgent:
				if !contains(a.Subagents, s.Invoke) && !s.AsTool {
					return undeclared(stepOwner, "subagent of "+a.Name, s.Invoke)
				}
			case isTool:
				if s.AsTool {
					return &domain.ValidationError{Solution: d.ID, Field: stepOwner + ".as_tool", Reason: fmt.Sprintf("%q is a tool, not an agent", s.Invoke)}
				}
				if !contains(a.Tools, s.Invoke) {
					return undeclared(stepOwner, "tool of "+a.Name, s.Invoke)
				}
			default:
				return undeclared(stepOwner, "agent or tool", s.Invoke)
			}
		}
	}

	for _, c := range d.Callbacks {
		for _, name := range c.Agents {
			if _, ok := d.Agent(name); !ok {
				return undeclared("callback "+c.Name, "agent", name)
			}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

const (
	white = iota
	grey
	black
)

// checkAcyclic runs a three-color DFS over agents in declared order. Edges are
// declared subagents plus agents invoked by steps (including tool-wrapped ones).
func checkAcyclic(d *domain.SolutionDescriptor) error {
	color := make(map[string]int, len(d.Agents))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = grey
		stack = append(stack, name)

		for _, next := range Edges(d, name) {
			switch color[next] {
			case grey:
				start := 0
				for i, n := range stack {
					if n == next {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), next)
				return &domain.CyclicDelegationError{Solution: d.ID, Path: path}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, a := range d.Agents {
		if color[a.Name] == white {
			if err := visit(a.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Edges returns the agents reachable in one hop from name, in declared order
// without duplicates.
func Edges(d *domain.SolutionDescriptor, name string) []string {
	a, ok := d.Agent(name)
	if !ok {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	add := func(n string) {
		if _, ok := d.Agent(n); !ok {
			return
		}
		if _, dup := seen[n]; dup {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, sub := range a.Subagents {
		add(sub)
	}
	for _, s := range a.Steps {
		if s.Invoke != "" {
			add(s.Invoke)
		}
	}
	return out
}
