package domain

// ToolCategory distinguishes plain tools from lifecycle callbacks.
type ToolCategory string

const (
	CategoryTool     ToolCategory = "tool"
	CategoryCallback ToolCategory = "callback"
)

// ToolSpec declares a named capability that steps may invoke.
type ToolSpec struct {
	Name        string         `json:"name" yaml:"name" mapstructure:"name"`
	Category    ToolCategory   `json:"category,omitempty" yaml:"category,omitempty" mapstructure:"category"`
	Impl        string         `json:"impl" yaml:"impl" mapstructure:"impl"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Inputs      map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty" mapstructure:"inputs"`
}

// CallbackSpec declares a capability invoked when a lifecycle event fires.
// Agents optionally restricts the callback to events raised by those agents.
type CallbackSpec struct {
	Name    string         `json:"name" yaml:"name" mapstructure:"name"`
	Trigger string         `json:"on" yaml:"on" mapstructure:"on"`
	Agents  []string       `json:"agents,omitempty" yaml:"agents,omitempty" mapstructure:"agents"`
	Impl    string         `json:"impl" yaml:"impl" mapstructure:"impl"`
	Inputs  map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty" mapstructure:"inputs"`
}

// Applies reports whether the callback is interested in an event raised by agent.
func (c CallbackSpec) Applies(agent string) bool {
	if len(c.Agents) == 0 {
		return true
	}
	for _, a := range c.Agents {
		if a == agent {
			return true
		}
	}
	return false
}

// Result is what a capability returns: an output value and a set of state
// side effects merged into the session state at the root.
type Result struct {
	Output     any            `json:"output,omitempty"`
	StateDelta map[string]any `json:"state_delta,omitempty"`
}
