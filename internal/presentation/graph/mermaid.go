package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/conductor/internal/hierarchy"
)

// Overlay marks session progress on the rendered graph.
type Overlay struct {
	VisitedAgents []string
	CurrentAgent  string
}

// Mermaid renders a compiled solution as a Mermaid flowchart.
// Shapes:
// - Entry agent: ((Circle))
// - Agent: [Rectangle]
// - Tool: [[Subroutine]]
// Edges are labelled with the step that creates them. Delegation uses a solid
// arrow, agents invoked as tools a thick one and plain tools a dotted one.
func Mermaid(g *hierarchy.Graph, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	tools := map[string]bool{}
	for _, name := range g.Order {
		node := g.Agents[name]
		opener, closer := "[", "]"
		if name == g.Root {
			opener, closer = "((", "))"
		}
		label := name
		if node.Spec.Label != "" {
			label = fmt.Sprintf("%s <br/> %s", name, escape(node.Spec.Label))
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", agentID(name), opener, label, closer)

		for _, s := range node.Steps {
			edge := escape(s.Spec.ID)
			if s.Spec.Confirm {
				edge += " (confirm)"
			}
			switch s.Kind {
			case hierarchy.KindDelegate:
				fmt.Fprintf(&sb, "    %s -- \"%s\" --> %s\n", agentID(name), edge, agentID(s.Target))
			case hierarchy.KindAgentTool:
				fmt.Fprintf(&sb, "    %s == \"%s\" ==> %s\n", agentID(name), edge, agentID(s.Target))
			case hierarchy.KindTool:
				tools[s.Target] = true
				fmt.Fprintf(&sb, "    %s -. \"%s\" .-> %s\n", agentID(name), edge, toolID(s.Target))
			}
		}
	}

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "    %s[[\"%s\"]]\n", toolID(name), name)
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Black text keeps contrast on both light and dark themes.
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		seen := make(map[string]bool)
		for _, name := range overlay.VisitedAgents {
			if name == "" || seen[name] || name == overlay.CurrentAgent {
				continue
			}
			seen[name] = true
			fmt.Fprintf(&sb, "    class %s visited;\n", agentID(name))
		}
		if overlay.CurrentAgent != "" {
			fmt.Fprintf(&sb, "    class %s current;\n", agentID(overlay.CurrentAgent))
		}
	}

	return sb.String()
}

func agentID(name string) string { return "agent_" + sanitize(name) }

func toolID(name string) string { return "tool_" + sanitize(name) }

func sanitize(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", " ", "_", ":", "_").Replace(id)
}

func escape(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}
