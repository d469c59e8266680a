// Package scheduler drives one session through a compiled solution graph.
//
// Control flow follows a call/return discipline: the scheduler keeps an
// explicit stack of frames, one per active agent. A delegation step pushes the
// subagent's frame; when that frame runs out of steps it is popped and the
// delegating step completes, so execution resumes right after the delegation
// point.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aretw0/conductor/internal/hierarchy"
	"github.com/aretw0/conductor/internal/logging"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/placeholder"
	"github.com/aretw0/conductor/pkg/ports"
	"github.com/aretw0/conductor/pkg/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Component is stamped on every event the scheduler publishes.
const Component = "scheduler"

const instrumentationName = "conductor/scheduler"

// errDiscarded signals that a session ended while a capability was running.
var errDiscarded = errors.New("session ended during invocation")

// Frame is one entry of the call stack.
type Frame struct {
	Agent string `json:"agent"`
	Index int    `json:"index"`
	// Returned is set once the subagent delegated to by the step at Index has
	// completed.
	Returned bool `json:"returned,omitempty"`
	// Iteration counts the delegations made by the step at Index.
	Iteration int `json:"iteration,omitempty"`
}

// StepRef identifies a step within a solution.
type StepRef struct {
	Agent  string `json:"agent"`
	StepID string `json:"step_id"`
}

// Scheduler is the step state machine of one session. Calls to Run, Confirm
// and Deliver are serialized internally; Abandon and the read accessors may be
// called from any goroutine.
type Scheduler struct {
	graph     *hierarchy.Graph
	store     *state.Store
	publisher ports.Publisher
	sessionID string
	logger    *slog.Logger
	tracer    trace.Tracer

	run sync.Mutex

	mu       sync.RWMutex
	stack    []Frame
	status   domain.SessionStatus
	awaiting *StepRef
	history  []StepRef
	err      error

	ended atomic.Bool
	batch []domain.RuntimeEvent
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLogger configures a logger for the Scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

// New binds a scheduler to a graph, a session store and a publisher.
func New(sessionID string, graph *hierarchy.Graph, store *state.Store, publisher ports.Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		graph:     graph,
		store:     store,
		publisher: publisher,
		sessionID: sessionID,
		logger:    logging.NewNop(),
		status:    domain.StatusEntry,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	return s
}

// Status returns the current state of the machine.
func (s *Scheduler) Status() domain.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the failure that moved the session to FAILED, if any.
func (s *Scheduler) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Awaiting returns the step blocked on confirmation.
func (s *Scheduler) Awaiting() (StepRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.awaiting == nil {
		return StepRef{}, false
	}
	return *s.awaiting, true
}

// History returns every step entry in order. Delegation steps are not entries.
func (s *Scheduler) History() []StepRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StepRef(nil), s.history...)
}

// Stack returns a copy of the call stack, outermost frame first.
func (s *Scheduler) Stack() []Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Frame(nil), s.stack...)
}

// Abandon marks the session ended. A capability still running keeps running,
// but its result is discarded and no further events are published.
func (s *Scheduler) Abandon() {
	s.ended.Store(true)
	s.setStatus(domain.StatusEnded)
}

// Run advances the machine until it blocks on a confirmation or reaches a
// terminal state. It returns the events published during the call.
func (s *Scheduler) Run(ctx context.Context) ([]domain.RuntimeEvent, error) {
	s.run.Lock()
	defer s.run.Unlock()
	s.batch = nil

	switch st := s.Status(); {
	case st.Terminal():
		return nil, fmt.Errorf("session %s is %s: %w", s.sessionID, st, domain.ErrSessionFinished)
	case st == domain.StatusAwaitingConfirmation:
		return nil, nil
	case st == domain.StatusEntry:
		s.setStatus(domain.StatusRunning)
		if err := s.enterAgent(ctx, s.graph.Root); err != nil {
			return s.flush(), s.fail(ctx, StepRef{Agent: s.graph.Root}, err)
		}
	}

	err := s.loop(ctx)
	return s.flush(), err
}

// Confirm answers the confirmation gate of the awaiting step. A positive
// answer completes the step and advances; a negative or unknown answer
// re-enters the same step. An empty stepID matches whichever step is waiting.
func (s *Scheduler) Confirm(ctx context.Context, stepID string, c domain.Confirmation) ([]domain.RuntimeEvent, error) {
	s.run.Lock()
	defer s.run.Unlock()
	s.batch = nil

	err := s.confirm(ctx, stepID, c)
	return s.flush(), err
}

// Deliver records an incoming message and resumes the machine. While a step
// awaits confirmation, the message's "confirm" value (or its "text") is taken
// as the answer.
func (s *Scheduler) Deliver(ctx context.Context, payload map[string]any) ([]domain.RuntimeEvent, error) {
	s.run.Lock()
	defer s.run.Unlock()
	s.batch = nil

	if st := s.Status(); st.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", s.sessionID, st, domain.ErrSessionFinished)
	}

	payload, _ = state.Normalize(payload).(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	s.store.Set(domain.KeyMessage, payload)
	messages, _ := s.store.Get(domain.KeyMessages, []any{}).([]any)
	s.store.Set(domain.KeyMessages, append(messages, payload))

	if err := s.emit(ctx, s.event(domain.TopicMessageReceived, "", "").With("message", payload)); err != nil {
		return s.flush(), s.fail(ctx, StepRef{}, err)
	}

	switch s.Status() {
	case domain.StatusAwaitingConfirmation:
		answer, ok := payload["confirm"]
		if !ok {
			answer = payload["text"]
		}
		err := s.confirm(ctx, "", domain.ParseConfirmation(answer))
		return s.flush(), err
	case domain.StatusEntry:
		s.setStatus(domain.StatusRunning)
		if err := s.enterAgent(ctx, s.graph.Root); err != nil {
			return s.flush(), s.fail(ctx, StepRef{Agent: s.graph.Root}, err)
		}
	}

	err := s.loop(ctx)
	return s.flush(), err
}

func (s *Scheduler) confirm(ctx context.Context, stepID string, c domain.Confirmation) error {
	ref, waiting := s.Awaiting()
	if !waiting {
		return fmt.Errorf("session %s is %s: %w", s.sessionID, s.Status(), domain.ErrNotAwaitingConfirmation)
	}
	if stepID != "" && stepID != ref.StepID {
		return fmt.Errorf("step %s is not awaiting confirmation (waiting: %s): %w", stepID, ref.StepID, domain.ErrNotAwaitingConfirmation)
	}

	s.transition(domain.StatusRunning, nil)
	s.mu.RLock()
	top := len(s.stack) - 1
	s.mu.RUnlock()

	if c == domain.ConfirmYes {
		if err := s.emit(ctx, s.event(domain.TopicStepConfirmed, ref.Agent, ref.StepID)); err != nil {
			return s.fail(ctx, ref, err)
		}
		if err := s.completeStep(ctx, top); err != nil {
			return s.fail(ctx, ref, err)
		}
	} else {
		rejected := s.event(domain.TopicStepRejected, ref.Agent, ref.StepID).With("answer", c.String())
		if err := s.emit(ctx, rejected); err != nil {
			return s.fail(ctx, ref, err)
		}
		// Leaving the index in place makes the loop enter the step again.
		s.mu.Lock()
		s.stack[top].Returned = false
		s.stack[top].Iteration = 0
		s.mu.Unlock()
	}
	return s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) error {
	for {
		if s.ended.Load() {
			return nil
		}

		s.mu.RLock()
		depth := len(s.stack)
		var frame Frame
		if depth > 0 {
			frame = s.stack[depth-1]
		}
		s.mu.RUnlock()

		if depth == 0 {
			s.setStatus(domain.StatusDone)
			done := s.event(domain.TopicSessionDone, s.graph.Root, "")
			if out, ok := s.store.Lookup(domain.KeyAnswer); ok {
				done = done.With("answer", out)
			}
			return s.emit(ctx, done)
		}

		node := s.graph.Agents[frame.Agent]
		if frame.Index >= len(node.Steps) {
			if err := s.leaveAgent(ctx); err != nil {
				return s.fail(ctx, StepRef{Agent: frame.Agent}, err)
			}
			continue
		}

		step := node.Steps[frame.Index]
		ref := StepRef{Agent: frame.Agent, StepID: step.Spec.ID}

		if step.Kind == hierarchy.KindDelegate && frame.Returned && !s.repeatDone(step, frame.Iteration) {
			s.mu.Lock()
			s.stack[depth-1].Returned = false
			s.mu.Unlock()
			frame.Returned = false
		}

		if step.Kind == hierarchy.KindDelegate && !frame.Returned {
			s.mu.Lock()
			s.stack[depth-1].Iteration++
			iteration := s.stack[depth-1].Iteration
			s.mu.Unlock()

			delegated := s.event(domain.TopicStepDelegated, ref.Agent, ref.StepID).With("target", step.Target)
			if step.Spec.Repeat != nil {
				s.store.Set(domain.KeyIterations+"."+ref.StepID, iteration)
				delegated = delegated.With("iteration", iteration)
			}
			if err := s.emit(ctx, delegated); err != nil {
				return s.fail(ctx, ref, err)
			}
			if err := s.enterAgent(ctx, step.Target); err != nil {
				return s.fail(ctx, ref, err)
			}
			continue
		}

		if step.Kind != hierarchy.KindDelegate {
			if err := s.execute(ctx, node, step); err != nil {
				if errors.Is(err, errDiscarded) {
					return nil
				}
				return s.fail(ctx, ref, err)
			}
		}

		if step.Spec.Confirm {
			s.transition(domain.StatusAwaitingConfirmation, &ref)
			prompt := placeholder.ResolveString(instructionOf(node, step), s.resolver())
			return s.emit(ctx, s.event(domain.TopicStepAwaitingConfirmation, ref.Agent, ref.StepID).
				With("instruction", prompt).
				With("answer", s.store.Get(domain.KeyAnswer, nil)))
		}

		if err := s.completeStep(ctx, depth-1); err != nil {
			return s.fail(ctx, ref, err)
		}
	}
}

// repeatDone reports whether a returned delegation step may complete: it
// never repeats, its until condition holds, or it ran max times.
func (s *Scheduler) repeatDone(step hierarchy.Step, iteration int) bool {
	r := step.Spec.Repeat
	if r == nil || iteration >= r.Max {
		return true
	}
	if r.Until == "" {
		return false
	}
	return placeholder.Truthy(placeholder.Resolve(r.Until, s.resolver()))
}

func (s *Scheduler) enterAgent(ctx context.Context, name string) error {
	if _, ok := s.graph.Agent(name); !ok {
		return &domain.UndeclaredReferenceError{Solution: s.graph.Solution.ID, Owner: "scheduler", Kind: "agent", Name: name}
	}
	s.mu.Lock()
	s.stack = append(s.stack, Frame{Agent: name})
	depth := len(s.stack)
	s.mu.Unlock()
	return s.emit(ctx, s.event(domain.TopicAgentEntered, name, "").With("depth", depth))
}

// leaveAgent pops the finished frame and marks the caller's delegation step
// as returned.
func (s *Scheduler) leaveAgent(ctx context.Context) error {
	s.mu.Lock()
	done := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	if n := len(s.stack); n > 0 {
		s.stack[n-1].Returned = true
	}
	s.mu.Unlock()
	return s.emit(ctx, s.event(domain.TopicAgentCompleted, done.Agent, ""))
}

func (s *Scheduler) completeStep(ctx context.Context, frameIdx int) error {
	s.mu.Lock()
	frame := s.stack[frameIdx]
	s.stack[frameIdx].Index++
	s.stack[frameIdx].Returned = false
	s.stack[frameIdx].Iteration = 0
	s.mu.Unlock()

	node := s.graph.Agents[frame.Agent]
	step := node.Steps[frame.Index]
	completed := s.event(domain.TopicStepCompleted, frame.Agent, step.Spec.ID).With("kind", string(step.Kind))
	if step.Spec.Repeat != nil {
		completed = completed.With("iterations", frame.Iteration)
	}
	return s.emit(ctx, completed)
}

// execute enters a non-delegation step: it resolves the step's inputs against
// the current state, invokes the bound capability and applies the result.
func (s *Scheduler) execute(ctx context.Context, node *hierarchy.AgentNode, step hierarchy.Step) error {
	ref := StepRef{Agent: node.Spec.Name, StepID: step.Spec.ID}
	s.mu.Lock()
	s.history = append(s.history, ref)
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "Scheduler.Step", trace.WithAttributes(
		attribute.String("conductor.session_id", s.sessionID),
		attribute.String("conductor.agent", ref.Agent),
		attribute.String("conductor.step", ref.StepID),
		attribute.String("conductor.step_kind", string(step.Kind)),
	))
	defer span.End()

	if err := s.emit(ctx, s.event(domain.TopicStepEntered, ref.Agent, ref.StepID).With("kind", string(step.Kind))); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	resolver := s.resolver()
	inputs := placeholder.ResolveMap(step.Spec.Inputs, resolver)
	instruction := placeholder.ResolveString(instructionOf(node, step), resolver)

	var (
		target     = step.Target
		capability ports.Capability
		callInputs map[string]any
	)
	switch step.Kind {
	case hierarchy.KindPrompt:
		if node.Model == nil {
			return s.emit(ctx, s.event(domain.TopicStepPrompt, ref.Agent, ref.StepID).
				With("instruction", instruction).
				With("inputs", inputs))
		}
		target = node.Spec.Name
		capability = node.Model
		callInputs = map[string]any{
			"agent":       node.Spec.Name,
			"step":        step.Spec.ID,
			"instruction": instruction,
			"inputs":      inputs,
			"message":     s.store.Get(domain.KeyMessage, nil),
		}
	case hierarchy.KindTool:
		handle := s.graph.Tools[step.Target]
		capability = handle.Capability
		callInputs = placeholder.ResolveMap(handle.Spec.Inputs, resolver)
		for k, v := range inputs {
			callInputs[k] = v
		}
	case hierarchy.KindAgentTool:
		capability = s.graph.AgentTools[step.Target]
		agentInstruction := ""
		if spec, ok := s.graph.Solution.Agent(step.Target); ok {
			agentInstruction = placeholder.ResolveString(spec.Instruction, resolver)
		}
		callInputs = map[string]any{
			"agent":       step.Target,
			"instruction": agentInstruction,
			"task":        instruction,
			"inputs":      inputs,
		}
	}

	result, err := s.invoke(ctx, ref, target, capability, callInputs)
	if err != nil {
		if !errors.Is(err, errDiscarded) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	s.apply(step, result)
	return nil
}

func (s *Scheduler) invoke(ctx context.Context, ref StepRef, target string, c ports.Capability, inputs map[string]any) (domain.Result, error) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.Invoke", trace.WithAttributes(
		attribute.String("conductor.target", target),
	))
	defer span.End()

	s.store.Increment(domain.KeyInvocations + "." + target)
	if err := s.emit(ctx, s.event(domain.TopicToolInvoked, ref.Agent, ref.StepID).
		With("target", target).
		With("inputs", inputs)); err != nil {
		return domain.Result{}, err
	}

	result, err := c.Invoke(ctx, inputs)
	if s.ended.Load() {
		s.logger.Debug("discarding result of ended session", "session_id", s.sessionID, "target", target)
		return domain.Result{}, errDiscarded
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if cbErr := s.emit(ctx, s.event(domain.TopicToolError, ref.Agent, ref.StepID).With("target", target).WithErr(err)); cbErr != nil {
			err = errors.Join(err, cbErr)
		}
		return domain.Result{}, &domain.StepExecutionError{Agent: ref.Agent, StepID: ref.StepID, Target: target, Err: err}
	}

	return result, s.emit(ctx, s.event(domain.TopicToolReturned, ref.Agent, ref.StepID).
		With("target", target).
		With("output", result.Output))
}

// apply records a capability result in session state.
func (s *Scheduler) apply(step hierarchy.Step, result domain.Result) {
	s.store.Set(domain.KeyAnswer, result.Output)
	if step.Spec.SaveTo != "" {
		s.store.Set(step.Spec.SaveTo, result.Output)
	}
	if len(result.StateDelta) > 0 {
		s.store.Merge("", result.StateDelta)
	}
}

// emit publishes event and then runs the callbacks it triggers. A failing
// callback is returned as the step failure.
func (s *Scheduler) emit(ctx context.Context, event domain.RuntimeEvent) error {
	if s.ended.Load() {
		return nil
	}
	s.publish(ctx, event)
	return s.runCallbacks(ctx, event)
}

func (s *Scheduler) publish(ctx context.Context, event domain.RuntimeEvent) {
	s.batch = append(s.batch, event)
	if s.publisher != nil {
		s.publisher.Publish(ctx, event)
	}
}

func (s *Scheduler) runCallbacks(ctx context.Context, event domain.RuntimeEvent) error {
	for _, cb := range s.graph.CallbacksFor(event.Topic, event.Agent) {
		inputs := placeholder.ResolveMap(cb.Spec.Inputs, s.resolver())
		inputs["event"] = map[string]any{
			"topic":   string(event.Topic),
			"agent":   event.Agent,
			"step_id": event.StepID,
			"payload": event.Payload,
			"error":   event.Error,
		}

		s.publish(ctx, s.event(domain.TopicCallbackInvoked, event.Agent, event.StepID).
			With("callback", cb.Spec.Name).
			With("trigger", string(event.Topic)))

		result, err := cb.Capability.Invoke(ctx, inputs)
		if s.ended.Load() {
			return nil
		}
		if err != nil {
			s.publish(ctx, s.event(domain.TopicCallbackError, event.Agent, event.StepID).
				With("callback", cb.Spec.Name).
				WithErr(err))
			return &domain.StepExecutionError{Agent: event.Agent, StepID: event.StepID, Target: "callback " + cb.Spec.Name, Err: err}
		}
		if len(result.StateDelta) > 0 {
			s.store.Merge("", result.StateDelta)
		}
	}
	return nil
}

// fail moves the machine to FAILED and reports the failure before returning it.
func (s *Scheduler) fail(ctx context.Context, ref StepRef, err error) error {
	if s.ended.Load() {
		return nil
	}
	var stepErr *domain.StepExecutionError
	if !errors.As(err, &stepErr) {
		err = &domain.StepExecutionError{Agent: ref.Agent, StepID: ref.StepID, Err: err}
	}

	s.mu.Lock()
	if s.status == domain.StatusFailed {
		s.mu.Unlock()
		return err
	}
	s.status = domain.StatusFailed
	s.err = err
	s.awaiting = nil
	s.mu.Unlock()

	s.logger.Warn("session failed", "session_id", s.sessionID, "agent", ref.Agent, "step", ref.StepID, "err", err)
	for _, topic := range []domain.Topic{domain.TopicStepError, domain.TopicSessionFailed} {
		event := s.event(topic, ref.Agent, ref.StepID).WithErr(err)
		s.publish(ctx, event)
		// The session is already failed; a failing callback here is only reported.
		if cbErr := s.runCallbacks(ctx, event); cbErr != nil {
			s.logger.Warn("failure callback failed", "session_id", s.sessionID, "topic", topic, "err", cbErr)
		}
	}
	return err
}

func (s *Scheduler) flush() []domain.RuntimeEvent {
	out := s.batch
	s.batch = nil
	return out
}

func (s *Scheduler) setStatus(status domain.SessionStatus) {
	s.transition(status, nil)
}

// transition never leaves ENDED.
func (s *Scheduler) transition(status domain.SessionStatus, awaiting *StepRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.StatusEnded {
		return
	}
	s.status = status
	s.awaiting = awaiting
}

func (s *Scheduler) resolver() placeholder.Resolver {
	return placeholder.StateResolver{Store: s.store}
}

func (s *Scheduler) event(topic domain.Topic, agent, stepID string) domain.RuntimeEvent {
	e := domain.NewEvent(topic, Component)
	e.SessionID = s.sessionID
	e.Solution = s.graph.Solution.ID
	e.Agent = agent
	e.StepID = stepID
	return e
}

func instructionOf(node *hierarchy.AgentNode, step hierarchy.Step) string {
	if step.Spec.Instruction != "" {
		return step.Spec.Instruction
	}
	return node.Spec.Instruction
}
