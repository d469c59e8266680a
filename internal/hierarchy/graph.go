// Package hierarchy compiles a normalized solution descriptor into the
// runnable, read-only object graph shared by every session of the solution.
package hierarchy

import (
	"fmt"
	"strings"

	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
)

// StepKind classifies what a step does when it runs.
type StepKind string

const (
	// KindPrompt steps carry only an instruction. They call the agent's model
	// capability when one is bound.
	KindPrompt StepKind = "prompt"
	// KindTool steps invoke a plain tool.
	KindTool StepKind = "tool"
	// KindAgentTool steps invoke another agent through a capability, as a tool.
	KindAgentTool StepKind = "agent_tool"
	// KindDelegate steps hand control to a subagent's own step sequence.
	KindDelegate StepKind = "delegate"
)

// Step is a compiled StepSpec.
type Step struct {
	Spec   domain.StepSpec
	Kind   StepKind
	Target string // tool or agent name, empty for prompts
}

// AgentNode is a compiled agent.
type AgentNode struct {
	Spec  domain.AgentSpec
	Steps []Step
	// Model is the agent's model capability, nil when none is configured.
	Model ports.Capability
}

// ToolHandle binds a declared tool to its capability.
type ToolHandle struct {
	Spec       domain.ToolSpec
	Capability ports.Capability
}

// CallbackHandle binds a declared callback to its capability.
type CallbackHandle struct {
	Spec       domain.CallbackSpec
	Capability ports.Capability
}

// Graph is the compiled form of a solution. It is immutable once built.
type Graph struct {
	Solution    *domain.SolutionDescriptor
	Fingerprint string
	Root        string
	// Order lists reachable agents in depth-first discovery order from Root.
	Order       []string
	Agents      map[string]*AgentNode
	Tools       map[string]*ToolHandle
	AgentTools  map[string]ports.Capability
	Callbacks   []*CallbackHandle
	Unreachable []string
}

// Agent returns the compiled agent named name.
func (g *Graph) Agent(name string) (*AgentNode, bool) {
	n, ok := g.Agents[name]
	return n, ok
}

// CallbacksFor returns the callbacks triggered by topic for agent, in declared order.
func (g *Graph) CallbacksFor(topic domain.Topic, agent string) []*CallbackHandle {
	var out []*CallbackHandle
	for _, cb := range g.Callbacks {
		if cb.Spec.Trigger == string(topic) && cb.Spec.Applies(agent) {
			out = append(out, cb)
		}
	}
	return out
}

// Describe renders the graph as a deterministic indented tree.
func (g *Graph) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "solution %s (%s)\n", g.Solution.ID, g.Fingerprint[:12])
	g.describeAgent(&b, g.Root, 1, map[string]bool{})
	if len(g.Callbacks) > 0 {
		b.WriteString("callbacks:\n")
		for _, cb := range g.Callbacks {
			fmt.Fprintf(&b, "  %s on %s -> %s\n", cb.Spec.Name, cb.Spec.Trigger, cb.Spec.Impl)
		}
	}
	if len(g.Unreachable) > 0 {
		fmt.Fprintf(&b, "unreachable: %s\n", strings.Join(g.Unreachable, ", "))
	}
	return b.String()
}

func (g *Graph) describeAgent(b *strings.Builder, name string, depth int, onPath map[string]bool) {
	node := g.Agents[name]
	indent := strings.Repeat("  ", depth)
	label := name
	if node.Spec.Label != "" {
		label = fmt.Sprintf("%s (%s)", name, node.Spec.Label)
	}
	fmt.Fprintf(b, "%sagent %s\n", indent, label)
	onPath[name] = true
	defer delete(onPath, name)

	for _, s := range node.Steps {
		flag := ""
		if s.Spec.Confirm {
			flag = " [confirm]"
		}
		switch s.Kind {
		case KindPrompt:
			fmt.Fprintf(b, "%s  step %s: prompt%s\n", indent, s.Spec.ID, flag)
		default:
			fmt.Fprintf(b, "%s  step %s: %s %s%s\n", indent, s.Spec.ID, s.Kind, s.Target, flag)
		}
		if s.Kind == KindDelegate && !onPath[s.Target] {
			g.describeAgent(b, s.Target, depth+2, onPath)
		}
	}
}
