package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aretw0/conductor/internal/hierarchy"
	"github.com/aretw0/conductor/internal/scheduler"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/events"
	"github.com/aretw0/conductor/pkg/ports"
	"github.com/aretw0/conductor/pkg/registry"
	"github.com/aretw0/conductor/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, reg *registry.Registry, desc *domain.SolutionDescriptor) *hierarchy.Graph {
	t.Helper()
	if reg == nil {
		reg = registry.NewDefault()
	}
	g, err := hierarchy.NewBuilder(reg).Build(desc)
	require.NoError(t, err)
	return g
}

func newScheduler(g *hierarchy.Graph, initial map[string]any) (*scheduler.Scheduler, *state.Store, *events.Recorder) {
	store := state.New(initial)
	rec := &events.Recorder{}
	return scheduler.New("sess-1", g, store, rec), store, rec
}

func entered(evts []domain.RuntimeEvent) []string {
	var out []string
	for _, e := range evts {
		if e.Topic == domain.TopicStepEntered {
			out = append(out, e.StepID)
		}
	}
	return out
}

func echoTool(name string) domain.ToolSpec {
	return domain.ToolSpec{Name: name, Category: domain.CategoryTool, Impl: registry.BuiltinEcho}
}

func delegationSolution() *domain.SolutionDescriptor {
	return &domain.SolutionDescriptor{
		ID:            "trip",
		SchemaVersion: domain.SchemaVersion,
		EntryAgent:    "planner",
		Agents: []domain.AgentSpec{
			{
				Name:      "planner",
				Subagents: []string{"flights"},
				Tools:     []string{"lookup"},
				Steps: []domain.StepSpec{
					{ID: "s1", Invoke: "lookup"},
					{ID: "s2", Invoke: "flights"},
					{ID: "s3", Invoke: "lookup"},
				},
			},
			{
				Name:  "flights",
				Tools: []string{"lookup"},
				Steps: []domain.StepSpec{
					{ID: "x1", Invoke: "lookup"},
					{ID: "x2", Invoke: "lookup"},
				},
			},
		},
		Tools: []domain.ToolSpec{echoTool("lookup")},
	}
}

func TestScheduler_DelegationIsCallReturn(t *testing.T) {
	s, store, rec := newScheduler(build(t, nil, delegationSolution()), nil)

	evts, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "x1", "x2", "s3"}, entered(evts))
	assert.Equal(t, []scheduler.StepRef{
		{Agent: "planner", StepID: "s1"},
		{Agent: "flights", StepID: "x1"},
		{Agent: "flights", StepID: "x2"},
		{Agent: "planner", StepID: "s3"},
	}, s.History())
	assert.Equal(t, domain.StatusDone, s.Status())
	assert.Empty(t, s.Stack())
	assert.Equal(t, 4, store.Get("sys.invocations.lookup", 0))

	// The recorder saw the same events in the same order.
	assert.Equal(t, rec.Events(), evts)
	assert.Equal(t, domain.TopicAgentEntered, evts[0].Topic)
	assert.Equal(t, domain.TopicSessionDone, evts[len(evts)-1].Topic)

	var delegated, completed int
	for _, e := range evts {
		switch {
		case e.Topic == domain.TopicStepDelegated:
			delegated++
			assert.Equal(t, "flights", e.Payload["target"])
		case e.Topic == domain.TopicStepCompleted && e.StepID == "s2":
			completed++
		}
	}
	assert.Equal(t, 1, delegated)
	assert.Equal(t, 1, completed, "delegation step completes once the subagent returns")

	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionFinished)
}

func TestScheduler_ConfirmationGate(t *testing.T) {
	desc := &domain.SolutionDescriptor{
		ID:            "gate",
		SchemaVersion: domain.SchemaVersion,
		EntryAgent:    "booker",
		Agents: []domain.AgentSpec{{
			Name:  "booker",
			Tools: []string{"quote"},
			Steps: []domain.StepSpec{
				{ID: "book", Invoke: "quote", Confirm: true, Instruction: "Book {{ trip.city }}?"},
				{ID: "after", Invoke: "quote"},
			},
		}},
		Tools: []domain.ToolSpec{echoTool("quote")},
	}
	s, store, _ := newScheduler(build(t, nil, desc), map[string]any{"trip": map[string]any{"city": "Porto"}})
	ctx := context.Background()

	evts, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingConfirmation, s.Status())
	ref, ok := s.Awaiting()
	require.True(t, ok)
	assert.Equal(t, "book", ref.StepID)
	last := evts[len(evts)-1]
	assert.Equal(t, domain.TopicStepAwaitingConfirmation, last.Topic)
	assert.Equal(t, "Book Porto?", last.Payload["instruction"])

	// Running again while blocked is a no-op.
	evts, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, evts)

	_, err = s.Confirm(ctx, "after", domain.ConfirmYes)
	assert.ErrorIs(t, err, domain.ErrNotAwaitingConfirmation)

	// Negative: the same step is entered again and waits again.
	evts, err = s.Confirm(ctx, "book", domain.ConfirmNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TopicStepRejected, evts[0].Topic)
	assert.Equal(t, []string{"book"}, entered(evts))
	assert.Equal(t, domain.StatusAwaitingConfirmation, s.Status())
	assert.Equal(t, 2, store.Get("sys.invocations.quote", 0))

	// Unknown behaves like a rejection.
	evts, err = s.Confirm(ctx, "", domain.ConfirmUnknown)
	require.NoError(t, err)
	assert.Equal(t, []string{"book"}, entered(evts))

	// Positive: advance to the next declared step.
	evts, err = s.Confirm(ctx, "book", domain.ConfirmYes)
	require.NoError(t, err)
	assert.Equal(t, domain.TopicStepConfirmed, evts[0].Topic)
	assert.Equal(t, []string{"after"}, entered(evts))
	assert.Equal(t, domain.StatusDone, s.Status())
}

func TestScheduler_StepFailure(t *testing.T) {
	desc := &domain.SolutionDescriptor{
		ID:            "broken",
		SchemaVersion: domain.SchemaVersion,
		EntryAgent:    "main",
		Agents: []domain.AgentSpec{{
			Name:  "main",
			Tools: []string{"explode", "lookup"},
			Steps: []domain.StepSpec{
				{ID: "boom", Invoke: "explode", Inputs: map[string]any{"message": "upstream unavailable"}},
				{ID: "never", Invoke: "lookup"},
			},
		}},
		Tools: []domain.ToolSpec{
			{Name: "explode", Impl: registry.BuiltinFail},
			echoTool("lookup"),
		},
	}
	s, _, _ := newScheduler(build(t, nil, desc), nil)

	evts, err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStepExecution)

	var stepErr *domain.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "boom", stepErr.StepID)
	assert.Equal(t, "explode", stepErr.Target)
	assert.Contains(t, err.Error(), "upstream unavailable")

	assert.Equal(t, domain.StatusFailed, s.Status())
	assert.Equal(t, err, s.Err())
	assert.Equal(t, []string{"boom"}, entered(evts))

	topics := make([]domain.Topic, 0, len(evts))
	for _, e := range evts {
		topics = append(topics, e.Topic)
	}
	n := len(topics)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, []domain.Topic{domain.TopicToolError, domain.TopicStepError, domain.TopicSessionFailed}, topics[n-3:])

	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionFinished)
}

func TestScheduler_ResultsAndPlaceholders(t *testing.T) {
	desc := &domain.SolutionDescriptor{
		ID:            "stateful",
		SchemaVersion: domain.SchemaVersion,
		EntryAgent:    "main",
		Agents: []domain.AgentSpec{{
			Name:  "main",
			Tools: []string{"remember", "lookup"},
			Steps: []domain.StepSpec{
				{
					ID:     "collect",
					Invoke: "remember",
					Inputs: map[string]any{
						"city":   "{{ trip.city }}",
						"budget": "{{ trip.budget }}",
						"note":   "going to {{ trip.city }} with {{ missing.value }}",
					},
					SaveTo: "plan.first",
				},
				{ID: "reuse", Invoke: "lookup", Inputs: map[string]any{"city": "{{ city }}"}},
			},
		}},
		Tools: []domain.ToolSpec{
			{Name: "remember", Impl: registry.BuiltinSetState},
			{Name: "lookup", Impl: registry.BuiltinEcho, Inputs: map[string]any{"units": "metric", "city": "default"}},
		},
	}
	s, store, _ := newScheduler(build(t, nil, desc), map[string]any{
		"trip": map[string]any{"city": "Lisbon", "budget": 5000},
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	first := store.Get("plan.first", nil).(map[string]any)
	assert.Equal(t, "Lisbon", first["city"])
	assert.Equal(t, 5000, first["budget"])
	assert.Equal(t, "going to Lisbon with ", first["note"])

	// set_state merged its inputs at the root, so the next step resolved them.
	assert.Equal(t, "Lisbon", store.Get("city", nil))
	ans := store.Get(domain.KeyAnswer, nil).(map[string]any)
	assert.Equal(t, map[string]any{"units": "metric", "city": "Lisbon"}, ans)
	assert.Equal(t, 1, store.Get("sys.invocations.remember", 0))
	assert.Equal(t, 1, store.Get("sys.invocations.lookup", 0))
}

func TestScheduler_PromptStepsAndModel(t *testing.T) {
	desc := &domain.SolutionDescriptor{
		ID:            "chat",
		SchemaVersion: domain.SchemaVersion,
		EntryAgent:    "greeter",
		Agents: []domain.AgentSpec{
			{
				Name:        "greeter",
				Instruction: "Greet {{ user.name }}",
				Subagents:   []string{"writer"},
				Steps: []domain.StepSpec{
					{ID: "hello"},
					{ID: "draft", Invoke: "summarizer", AsTool: true, Instruction: "Summarize for {{ user.name }}", SaveTo: "draft"},
				},
			},
			{Name: "writer", Impl: "test:model"},
			{Name: "summarizer", Impl: "test:model", Instruction: "You summarize."},
		},
	}

	var mu sync.Mutex
	var calls []map[string]any
	reg := registry.NewDefault()
	reg.Register("test:model", ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		mu.Lock()
		calls = append(calls, inputs)
		mu.Unlock()
		return domain.Result{Output: "summary"}, nil
	}))

	s, store, _ := newScheduler(build(t, reg, desc), map[string]any{"user": map[string]any{"name": "Ana"}})
	evts, err := s.Run(context.Background())
	require.NoError(t, err)

	var prompt *domain.RuntimeEvent
	for i := range evts {
		if evts[i].Topic == domain.TopicStepPrompt {
			prompt = &evts[i]
		}
	}
	require.NotNil(t, prompt)
	assert.Equal(t, "hello", prompt.StepID)
	assert.Equal(t, "Greet Ana", prompt.Payload["instruction"])

	require.Len(t, calls, 1)
	assert.Equal(t, "summarizer", calls[0]["agent"])
	assert.Equal(t, "You summarize.", calls[0]["instruction"])
	assert.Equal(t, "Summarize for Ana", calls[0]["task"])
	assert.Equal(t, "summary", store.Get("draft", nil))
}

func TestScheduler_Callbacks(t *testing.T) {
	desc := delegationSolution()
	desc.Callbacks = []domain.CallbackSpec{
		{Name: "audit", Trigger: string(domain.TopicStepCompleted), Agents: []string{"flights"}, Impl: registry.BuiltinSetState, Inputs: map[string]any{"audited": true}},
	}
	s, store, _ := newScheduler(build(t, nil, desc), nil)

	evts, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, store.Get("audited", false))

	invoked := 0
	for _, e := range evts {
		if e.Topic == domain.TopicCallbackInvoked {
			invoked++
			assert.Equal(t, "flights", e.Agent)
		}
	}
	assert.Equal(t, 2, invoked)
}

func TestScheduler_CallbackFailureFailsSession(t *testing.T) {
	desc := delegationSolution()
	desc.Callbacks = []domain.CallbackSpec{
		{Name: "guard", Trigger: string(domain.TopicAgentEntered), Agents: []string{"flights"}, Impl: registry.BuiltinFail},
	}
	s, _, _ := newScheduler(build(t, nil, desc), nil)

	evts, err := s.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrStepExecution)
	assert.Equal(t, domain.StatusFailed, s.Status())
	assert.Equal(t, []string{"s1"}, entered(evts))

	var sawCallbackError bool
	for _, e := range evts {
		if e.Topic == domain.TopicCallbackError {
			sawCallbackError = true
		}
	}
	assert.True(t, sawCallbackError)
}

func TestScheduler_DeliverMessages(t *testing.T) {
	desc := &domain.SolutionDescriptor{
		ID:            "msg",
		SchemaVersion: domain.SchemaVersion,
		EntryAgent:    "main",
		Agents: []domain.AgentSpec{{
			Name:  "main",
			Tools: []string{"lookup"},
			Steps: []domain.StepSpec{
				{ID: "ask", Invoke: "lookup", Inputs: map[string]any{"q": "{{ message.text }}"}, Confirm: true},
				{ID: "done", Invoke: "lookup"},
			},
		}},
		Tools: []domain.ToolSpec{echoTool("lookup")},
	}
	s, store, _ := newScheduler(build(t, nil, desc), nil)
	ctx := context.Background()

	evts, err := s.Deliver(ctx, map[string]any{"text": "flights to Rome"})
	require.NoError(t, err)
	assert.Equal(t, domain.TopicMessageReceived, evts[0].Topic)
	assert.Equal(t, domain.StatusAwaitingConfirmation, s.Status())
	assert.Equal(t, map[string]any{"q": "flights to Rome"}, store.Get(domain.KeyAnswer, nil))

	_, err = s.Deliver(ctx, map[string]any{"text": "sim"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, s.Status())

	messages := store.Get(domain.KeyMessages, nil).([]any)
	assert.Len(t, messages, 2)

	_, err = s.Deliver(ctx, map[string]any{"text": "again"})
	assert.ErrorIs(t, err, domain.ErrSessionFinished)
}

func TestScheduler_AbandonDiscardsInFlightResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	reg := registry.NewDefault()
	reg.Register("test:slow", ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		close(started)
		<-release
		return domain.Result{Output: "late", StateDelta: map[string]any{"late": true}}, nil
	}))

	desc := &domain.SolutionDescriptor{
		ID:            "slow",
		SchemaVersion: domain.SchemaVersion,
		EntryAgent:    "main",
		Agents: []domain.AgentSpec{{
			Name:  "main",
			Tools: []string{"slow"},
			Steps: []domain.StepSpec{{ID: "wait", Invoke: "slow"}},
		}},
		Tools: []domain.ToolSpec{{Name: "slow", Impl: "test:slow"}},
	}
	s, store, rec := newScheduler(build(t, reg, desc), nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	<-started
	s.Abandon()
	before := len(rec.Events())
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, domain.StatusEnded, s.Status())
	_, found := store.Lookup("late")
	assert.False(t, found)
	_, found = store.Lookup(domain.KeyAnswer)
	assert.False(t, found)
	assert.Len(t, rec.Events(), before, "no events after the session ended")
}

func TestScheduler_ModelErrorsAreStepErrors(t *testing.T) {
	reg := registry.NewDefault()
	reg.Register("test:model", ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		return domain.Result{}, errors.New("rate limited")
	}))
	desc := &domain.SolutionDescriptor{
		ID:            "m",
		SchemaVersion: domain.SchemaVersion,
		EntryAgent:    "main",
		AgentImpl:     "test:model",
		Agents:        []domain.AgentSpec{{Name: "main", Steps: []domain.StepSpec{{ID: "think"}}}},
	}
	s, _, _ := newScheduler(build(t, reg, desc), nil)

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrStepExecution)
	assert.Contains(t, err.Error(), "rate limited")
}

func failingSolution() *domain.SolutionDescriptor {
	return &domain.SolutionDescriptor{
		ID:            "broken",
		SchemaVersion: domain.SchemaVersion,
		EntryAgent:    "main",
		Agents: []domain.AgentSpec{{
			Name:  "main",
			Tools: []string{"explode"},
			Steps: []domain.StepSpec{
				{ID: "boom", Invoke: "explode", Inputs: map[string]any{"message": "upstream unavailable"}},
			},
		}},
		Tools: []domain.ToolSpec{{Name: "explode", Impl: registry.BuiltinFail}},
	}
}

func TestScheduler_FailureCallbacks(t *testing.T) {
	desc := failingSolution()
	desc.Callbacks = []domain.CallbackSpec{
		{Name: "on_tool", Trigger: string(domain.TopicToolError), Impl: registry.BuiltinSetState, Inputs: map[string]any{"seen_tool_error": true}},
		{Name: "on_step", Trigger: string(domain.TopicStepError), Impl: registry.BuiltinSetState, Inputs: map[string]any{"seen_step_error": true}},
		{Name: "on_session", Trigger: string(domain.TopicSessionFailed), Impl: registry.BuiltinSetState, Inputs: map[string]any{"seen_session_failed": true}},
	}
	s, store, _ := newScheduler(build(t, nil, desc), nil)

	evts, err := s.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrStepExecution)
	assert.Equal(t, domain.StatusFailed, s.Status())

	assert.Equal(t, true, store.Get("seen_tool_error", false))
	assert.Equal(t, true, store.Get("seen_step_error", false))
	assert.Equal(t, true, store.Get("seen_session_failed", false))

	// The last callback saw the failure it was triggered by.
	assert.Equal(t, string(domain.TopicSessionFailed), store.Get("event.topic", ""))
	assert.Contains(t, store.Get("event.error", ""), "upstream unavailable")

	var triggers []string
	for _, e := range evts {
		if e.Topic == domain.TopicCallbackInvoked {
			triggers = append(triggers, e.Payload["trigger"].(string))
		}
	}
	assert.Equal(t, []string{"tool.error", "step.error", "session.failed"}, triggers)
}

func TestScheduler_FailingFailureCallbackIsReported(t *testing.T) {
	desc := failingSolution()
	desc.Callbacks = []domain.CallbackSpec{
		{Name: "notify", Trigger: string(domain.TopicStepError), Impl: registry.BuiltinFail, Inputs: map[string]any{"message": "pager offline"}},
	}
	s, _, _ := newScheduler(build(t, nil, desc), nil)

	evts, err := s.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrStepExecution)
	assert.Contains(t, err.Error(), "upstream unavailable")
	assert.Equal(t, domain.StatusFailed, s.Status())

	var failed int
	for _, e := range evts {
		if e.Topic == domain.TopicSessionFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed, "session.failed is published once")
	assert.Equal(t, domain.TopicSessionFailed, evts[len(evts)-1].Topic)
}

func TestScheduler_ToolErrorCallbackFailureIsJoined(t *testing.T) {
	desc := failingSolution()
	desc.Callbacks = []domain.CallbackSpec{
		{Name: "audit", Trigger: string(domain.TopicToolError), Impl: registry.BuiltinFail, Inputs: map[string]any{"message": "audit sink down"}},
	}
	s, _, _ := newScheduler(build(t, nil, desc), nil)

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrStepExecution)
	assert.Contains(t, err.Error(), "upstream unavailable")
	assert.Contains(t, err.Error(), "audit sink down")

	var stepErr *domain.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "boom", stepErr.StepID)
	assert.Equal(t, "explode", stepErr.Target)
}

func TestScheduler_RepeatStopsAtMax(t *testing.T) {
	desc := delegationSolution()
	desc.Agents[0].Steps[1].Repeat = &domain.RepeatSpec{Max: 3}
	s, store, _ := newScheduler(build(t, nil, desc), nil)

	evts, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, s.Status())

	assert.Equal(t, []string{"s1", "x1", "x2", "x1", "x2", "x1", "x2", "s3"}, entered(evts))
	assert.Equal(t, 3, store.Get("sys.iterations.s2", 0))
	assert.Equal(t, 8, store.Get("sys.invocations.lookup", 0))

	var iterations []any
	for _, e := range evts {
		switch {
		case e.Topic == domain.TopicStepDelegated:
			iterations = append(iterations, e.Payload["iteration"])
		case e.Topic == domain.TopicStepCompleted && e.StepID == "s2":
			assert.Equal(t, 3, e.Payload["iterations"])
		}
	}
	assert.Equal(t, []any{1, 2, 3}, iterations)
}

func TestScheduler_RepeatStopsWhenUntilHolds(t *testing.T) {
	reg := registry.NewDefault()
	var reviews int
	reg.Register("test:review", ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		reviews++
		return domain.Result{StateDelta: map[string]any{"review": map[string]any{"approved": reviews >= 2}}}, nil
	}))

	desc := delegationSolution()
	desc.Agents[0].Steps[1].Repeat = &domain.RepeatSpec{Max: 5, Until: "{{ review.approved }}"}
	desc.Agents[1].Tools = []string{"lookup", "review"}
	desc.Agents[1].Steps[1] = domain.StepSpec{ID: "x2", Invoke: "review"}
	desc.Tools = append(desc.Tools, domain.ToolSpec{Name: "review", Impl: "test:review"})

	s, store, _ := newScheduler(build(t, reg, desc), nil)

	evts, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "x1", "x2", "x1", "x2", "s3"}, entered(evts))
	assert.Equal(t, 2, reviews)
	assert.Equal(t, 2, store.Get("sys.iterations.s2", 0))
	assert.Empty(t, s.Stack())
}
