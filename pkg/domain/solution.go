package domain

// SolutionDescriptor is the validated, normalized form of one catalog entry.
// It is immutable after normalization and shared by every session of the solution.
type SolutionDescriptor struct {
	ID            string         `json:"id" yaml:"id" mapstructure:"id"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	SchemaVersion string         `json:"schema_version" yaml:"schema_version" mapstructure:"schema_version"`
	EntryAgent    string         `json:"entry_agent" yaml:"entry_agent" mapstructure:"entry_agent"`
	AgentImpl     string         `json:"agent_impl,omitempty" yaml:"agent_impl,omitempty" mapstructure:"agent_impl"`
	Settings      map[string]any `json:"settings,omitempty" yaml:"settings,omitempty" mapstructure:"settings"`
	Agents        []AgentSpec    `json:"agents" yaml:"agents" mapstructure:"agents"`
	Tools         []ToolSpec     `json:"tools,omitempty" yaml:"tools,omitempty" mapstructure:"tools"`
	Callbacks     []CallbackSpec `json:"callbacks,omitempty" yaml:"callbacks,omitempty" mapstructure:"callbacks"`

	// Source is the document location the descriptor was read from.
	Source string `json:"source,omitempty" yaml:"-" mapstructure:"-"`
}

// Agent returns the agent declared under name.
func (s *SolutionDescriptor) Agent(name string) (*AgentSpec, bool) {
	for i := range s.Agents {
		if s.Agents[i].Name == name {
			return &s.Agents[i], true
		}
	}
	return nil, false
}

// Tool returns the tool declared under name.
func (s *SolutionDescriptor) Tool(name string) (*ToolSpec, bool) {
	for i := range s.Tools {
		if s.Tools[i].Name == name {
			return &s.Tools[i], true
		}
	}
	return nil, false
}

// Callback returns the callback declared under name.
func (s *SolutionDescriptor) Callback(name string) (*CallbackSpec, bool) {
	for i := range s.Callbacks {
		if s.Callbacks[i].Name == name {
			return &s.Callbacks[i], true
		}
	}
	return nil, false
}

// AgentSpec declares a named unit of behavior.
type AgentSpec struct {
	Name        string     `json:"name" yaml:"name" mapstructure:"name"`
	Label       string     `json:"label,omitempty" yaml:"label,omitempty" mapstructure:"label"`
	Instruction string     `json:"instruction,omitempty" yaml:"instruction,omitempty" mapstructure:"instruction"`
	Impl        string     `json:"impl,omitempty" yaml:"impl,omitempty" mapstructure:"impl"`
	Steps       []StepSpec `json:"steps,omitempty" yaml:"steps,omitempty" mapstructure:"steps"`
	Subagents   []string   `json:"subagents,omitempty" yaml:"subagents,omitempty" mapstructure:"subagents"`
	Tools       []string   `json:"tools,omitempty" yaml:"tools,omitempty" mapstructure:"tools"`
}

// StepSpec is one ordered unit of work inside an agent.
type StepSpec struct {
	ID          string         `json:"id" yaml:"id" mapstructure:"id"`
	Instruction string         `json:"instruction,omitempty" yaml:"instruction,omitempty" mapstructure:"instruction"`
	Invoke      string         `json:"invoke,omitempty" yaml:"invoke,omitempty" mapstructure:"invoke"`
	AsTool      bool           `json:"as_tool,omitempty" yaml:"as_tool,omitempty" mapstructure:"as_tool"`
	Confirm     bool           `json:"confirm,omitempty" yaml:"confirm,omitempty" mapstructure:"confirm"`
	Inputs      map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty" mapstructure:"inputs"`
	SaveTo      string         `json:"save_to,omitempty" yaml:"save_to,omitempty" mapstructure:"save_to"`
	Repeat      *RepeatSpec    `json:"repeat,omitempty" yaml:"repeat,omitempty" mapstructure:"repeat"`
}

// RepeatSpec bounds a delegation loop: the subagent runs again after each
// return until Until resolves truthy or Max runs have happened.
type RepeatSpec struct {
	Max   int    `json:"max" yaml:"max" mapstructure:"max"`
	Until string `json:"until,omitempty" yaml:"until,omitempty" mapstructure:"until"`
}
