package hierarchy_test

import (
	"testing"

	"github.com/aretw0/conductor/internal/catalog"
	"github.com/aretw0/conductor/internal/compiler"
	"github.com/aretw0/conductor/internal/hierarchy"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const travelDoc = `
schema_version: "1"
entry_agent: planner
agent_impl: builtin:echo
agents:
  - name: planner
    label: Travel Planner
    subagents: [researcher]
    tools: [collect]
    steps:
      - { id: s1, invoke: collect }
      - { id: s2, invoke: researcher }
      - { id: s3, invoke: pricer, as_tool: true }
      - { id: s4, instruction: "ok?", confirm: true }
  - name: researcher
    steps: [{ id: x1 }, { id: x2 }]
  - name: pricer
  - name: orphan
tools:
  - { name: collect, impl: "builtin:echo" }
  - { name: shared_audit, impl: "builtin:set_state", category: callback, inputs: { audited: true } }
callbacks:
  - { name: after, on: agent.completed, agents: [planner], impl: shared_audit, inputs: { by: planner } }
`

func descriptor(t *testing.T, src string) *domain.SolutionDescriptor {
	t.Helper()
	data, err := catalog.DecodeDocument("travel.yaml", []byte(src))
	require.NoError(t, err)
	desc, err := compiler.NewNormalizer().Normalize(catalog.RawDocument{SolutionID: "travel", Path: "travel.yaml", Data: data})
	require.NoError(t, err)
	return desc
}

func TestBuild_Graph(t *testing.T) {
	g, err := hierarchy.NewBuilder(registry.NewDefault()).Build(descriptor(t, travelDoc))
	require.NoError(t, err)

	assert.Equal(t, "planner", g.Root)
	assert.Equal(t, []string{"planner", "researcher", "pricer"}, g.Order)
	assert.Equal(t, []string{"orphan"}, g.Unreachable)

	planner, ok := g.Agent("planner")
	require.True(t, ok)
	require.Len(t, planner.Steps, 4)
	assert.Equal(t, hierarchy.KindTool, planner.Steps[0].Kind)
	assert.Equal(t, hierarchy.KindDelegate, planner.Steps[1].Kind)
	assert.Equal(t, hierarchy.KindAgentTool, planner.Steps[2].Kind)
	assert.Equal(t, hierarchy.KindPrompt, planner.Steps[3].Kind)
	assert.NotNil(t, planner.Model)

	assert.Contains(t, g.Tools, "collect")
	assert.Contains(t, g.AgentTools, "pricer")

	cbs := g.CallbacksFor(domain.TopicAgentCompleted, "planner")
	require.Len(t, cbs, 1)
	assert.Equal(t, map[string]any{"audited": true, "by": "planner"}, cbs[0].Spec.Inputs)
	assert.Empty(t, g.CallbacksFor(domain.TopicAgentCompleted, "researcher"))
	assert.Empty(t, g.CallbacksFor(domain.TopicStepEntered, "planner"))
}

func TestBuild_Deterministic(t *testing.T) {
	b := hierarchy.NewBuilder(registry.NewDefault())
	g1, err := b.Build(descriptor(t, travelDoc))
	require.NoError(t, err)
	g2, err := b.Build(descriptor(t, travelDoc))
	require.NoError(t, err)

	assert.Equal(t, g1.Fingerprint, g2.Fingerprint)
	assert.Equal(t, g1.Order, g2.Order)
	assert.Equal(t, g1.Describe(), g2.Describe())
	assert.Contains(t, g1.Describe(), "agent researcher")
}

func TestBuild_UnboundCapability(t *testing.T) {
	src := `
schema_version: "1"
entry_agent: a
agents:
  - name: a
    tools: [t]
    steps: [{ id: s, invoke: t }]
tools:
  - { name: t, impl: "builtin:missing" }
`
	_, err := hierarchy.NewBuilder(registry.NewDefault()).Build(descriptor(t, src))
	var unbound *domain.UnboundCapabilityError
	require.ErrorAs(t, err, &unbound)
	assert.Equal(t, "builtin:missing", unbound.Ref)
}

func TestBuild_ToolWrappedAgentNeedsModel(t *testing.T) {
	src := `
schema_version: "1"
entry_agent: a
agents:
  - name: a
    steps: [{ id: s, invoke: b, as_tool: true }]
  - name: b
`
	_, err := hierarchy.NewBuilder(registry.NewDefault()).Build(descriptor(t, src))
	assert.ErrorIs(t, err, domain.ErrUnboundCapability)
}

func TestCache(t *testing.T) {
	cache := hierarchy.NewCache(hierarchy.NewBuilder(registry.NewDefault()))

	g1, hit, err := cache.Build(descriptor(t, travelDoc))
	require.NoError(t, err)
	assert.False(t, hit)

	g2, hit, err := cache.Build(descriptor(t, travelDoc))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, g1, g2)

	changed := descriptor(t, travelDoc)
	changed.Agents[0].Label = "Renamed"
	g3, hit, err := cache.Build(changed)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NotEqual(t, g1.Fingerprint, g3.Fingerprint)

	got, ok := cache.Get("travel")
	require.True(t, ok)
	assert.Same(t, g3, got)

	cache.Retain(map[string]bool{})
	_, ok = cache.Get("travel")
	assert.False(t, ok)
}
