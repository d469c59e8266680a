package compiler_test

import (
	"testing"

	"github.com/aretw0/conductor/internal/catalog"
	"github.com/aretw0/conductor/internal/compiler"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, src string) catalog.RawDocument {
	t.Helper()
	data, err := catalog.DecodeDocument("doc.yaml", []byte(src))
	require.NoError(t, err)
	return catalog.RawDocument{SolutionID: "travel", Path: "doc.yaml", Data: data}
}

const validDoc = `
schema_version: 1
solution: { name: Travel }
entry_agent: planner
settings: { model: m1 }
agents:
  - name: planner
    subagents: [researcher]
    tools: [collect]
    steps:
      - { id: s1, invoke: collect, save_to: profile }
      - { id: s2, invoke: researcher }
      - { id: s3, invoke: pricer, as_tool: true, save_to: budget.quote }
      - { id: s4, instruction: "ok?", confirm: true }
  - name: researcher
    steps: [{ id: x1 }]
  - name: pricer
tools:
  - { name: collect, impl: "builtin:echo" }
  - { name: audit, impl: "builtin:noop", category: callback }
callbacks:
  - { name: after, on: agent.completed, agents: [planner], impl: "builtin:noop" }
`

func TestNormalize_Valid(t *testing.T) {
	desc, err := compiler.NewNormalizer().Normalize(parse(t, validDoc))
	require.NoError(t, err)

	assert.Equal(t, "travel", desc.ID)
	assert.Equal(t, "Travel", desc.Name)
	assert.Equal(t, "1", desc.SchemaVersion)
	assert.Equal(t, "m1", desc.Settings["model"])
	require.Len(t, desc.Agents, 3)
	assert.True(t, desc.Agents[0].Steps[2].AsTool)
	assert.True(t, desc.Agents[0].Steps[3].Confirm)
	assert.Equal(t, domain.CategoryTool, desc.Tools[0].Category)
	assert.Equal(t, "agent.completed", desc.Callbacks[0].Trigger)
}

func TestNormalize_Deterministic(t *testing.T) {
	n := compiler.NewNormalizer()
	a, err := n.Normalize(parse(t, validDoc))
	require.NoError(t, err)
	b, err := n.Normalize(parse(t, validDoc))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNormalize_Cycle(t *testing.T) {
	_, err := compiler.NewNormalizer().Normalize(parse(t, `
schema_version: "1"
entry_agent: A
agents:
  - { name: A, subagents: [B] }
  - { name: B, subagents: [A] }
`))
	var cycle *domain.CyclicDelegationError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"A", "B", "A"}, cycle.Path)
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestNormalize_CycleThroughToolWrappedAgent(t *testing.T) {
	_, err := compiler.NewNormalizer().Normalize(parse(t, `
schema_version: "1"
entry_agent: A
agents:
  - name: A
    steps: [{ id: a1, invoke: B, as_tool: true }]
  - name: B
    subagents: [C]
  - name: C
    steps: [{ id: c1, invoke: B, as_tool: true }]
`))
	var cycle *domain.CyclicDelegationError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"B", "C", "B"}, cycle.Path)
}

func TestNormalize_Failures(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want error
	}{
		{"missing schema", "entry_agent: a\nagents: [{name: a}]", domain.ErrInvalidSpec},
		{"unsupported schema", "schema_version: \"2\"\nentry_agent: a\nagents: [{name: a}]", domain.ErrUnsupportedSchema},
		{"missing entry", "schema_version: \"1\"\nagents: [{name: a}]", domain.ErrInvalidSpec},
		{"unknown entry", "schema_version: \"1\"\nentry_agent: zzz\nagents: [{name: a}]", domain.ErrUndeclaredReference},
		{"duplicate agent", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}, {name: a}]", domain.ErrDuplicateName},
		{"tool and agent share name", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}]\ntools: [{name: a, impl: x}]", domain.ErrDuplicateName},
		{"duplicate step", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, steps: [{id: s}, {id: s}]}]", domain.ErrDuplicateName},
		{"undeclared subagent", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, subagents: [ghost]}]", domain.ErrUndeclaredReference},
		{"undeclared tool", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, tools: [ghost]}]", domain.ErrUndeclaredReference},
		{"step invokes unknown", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, steps: [{id: s, invoke: ghost}]}]", domain.ErrUndeclaredReference},
		{"step invokes tool not granted", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, steps: [{id: s, invoke: t}]}]\ntools: [{name: t, impl: x}]", domain.ErrUndeclaredReference},
		{"delegation to non subagent", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, steps: [{id: s, invoke: b}]}, {name: b}]", domain.ErrUndeclaredReference},
		{"as_tool on tool", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, tools: [t], steps: [{id: s, invoke: t, as_tool: true}]}]\ntools: [{name: t, impl: x}]", domain.ErrInvalidSpec},
		{"save_to sys", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, steps: [{id: s, save_to: sys.ans}]}]", domain.ErrInvalidSpec},
		{"callback unknown topic", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}]\ncallbacks: [{name: c, on: nope, impl: x}]", domain.ErrInvalidSpec},
		{"callback unknown agent", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}]\ncallbacks: [{name: c, on: agent.completed, agents: [b], impl: x}]", domain.ErrUndeclaredReference},
		{"callback on session.started", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}]\ncallbacks: [{name: c, on: session.started, impl: x}]", domain.ErrInvalidSpec},
		{"callback on catalog.loaded", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}]\ncallbacks: [{name: c, on: catalog.loaded, impl: x}]", domain.ErrInvalidSpec},
		{"callback on plugin.error", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}]\ncallbacks: [{name: c, on: plugin.error, impl: x}]", domain.ErrInvalidSpec},
		{"callback on callback.error", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}]\ncallbacks: [{name: c, on: callback.error, impl: x}]", domain.ErrInvalidSpec},
		{"repeat without max", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, subagents: [b], steps: [{id: s, invoke: b, repeat: {until: \"{{ ok }}\"}}]}, {name: b}]", domain.ErrInvalidSpec},
		{"repeat until without placeholder", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, subagents: [b], steps: [{id: s, invoke: b, repeat: {max: 2, until: ok}}]}, {name: b}]", domain.ErrInvalidSpec},
		{"repeat on prompt step", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, steps: [{id: s, repeat: {max: 2}}]}]", domain.ErrInvalidSpec},
		{"repeat on tool step", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a, tools: [t], steps: [{id: s, invoke: t, repeat: {max: 2}}]}]\ntools: [{name: t, impl: x}]", domain.ErrInvalidSpec},
		{"tool without impl", "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}]\ntools: [{name: t}]", domain.ErrInvalidSpec},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := compiler.NewNormalizer().Normalize(parse(t, tc.doc))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEdges(t *testing.T) {
	desc, err := compiler.NewNormalizer().Normalize(parse(t, validDoc))
	require.NoError(t, err)
	assert.Equal(t, []string{"researcher", "pricer"}, compiler.Edges(desc, "planner"))
	assert.Empty(t, compiler.Edges(desc, "pricer"))
}

func TestNormalize_CallbackTopics(t *testing.T) {
	for _, topic := range domain.CallbackTopics {
		doc := "schema_version: \"1\"\nentry_agent: a\nagents: [{name: a}]\ncallbacks: [{name: c, on: " + string(topic) + ", impl: x}]"
		_, err := compiler.NewNormalizer().Normalize(parse(t, doc))
		assert.NoError(t, err, topic)
	}
}

func TestNormalize_Repeat(t *testing.T) {
	doc := `
schema_version: "1"
entry_agent: editor
agents:
  - name: editor
    subagents: [reviser]
    steps:
      - { id: refine, invoke: reviser, repeat: { max: 3, until: "{{ review.approved }}" } }
  - name: reviser
`
	desc, err := compiler.NewNormalizer().Normalize(parse(t, doc))
	require.NoError(t, err)
	step := desc.Agents[0].Steps[0]
	require.NotNil(t, step.Repeat)
	assert.Equal(t, 3, step.Repeat.Max)
	assert.Equal(t, "{{ review.approved }}", step.Repeat.Until)
}
