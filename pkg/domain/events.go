package domain

import (
	"time"
)

// Topic names the category of a RuntimeEvent.
type Topic string

const (
	TopicCatalogLoaded  Topic = "catalog.loaded"
	TopicSolutionBuilt  Topic = "solution.built"
	TopicSolutionError  Topic = "solution.error"
	TopicSessionStarted Topic = "session.started"
	TopicSessionEnded   Topic = "session.ended"
	TopicSessionEvicted Topic = "session.evicted"
	TopicSessionDone    Topic = "session.done"
	TopicSessionFailed  Topic = "session.failed"

	TopicAgentEntered   Topic = "agent.entered"
	TopicAgentCompleted Topic = "agent.completed"

	TopicStepEntered              Topic = "step.entered"
	TopicStepPrompt               Topic = "step.prompt"
	TopicStepDelegated            Topic = "step.delegated"
	TopicStepCompleted            Topic = "step.completed"
	TopicStepAwaitingConfirmation Topic = "step.awaiting_confirmation"
	TopicStepConfirmed            Topic = "step.confirmed"
	TopicStepRejected             Topic = "step.rejected"
	TopicStepError                Topic = "step.error"

	TopicToolInvoked  Topic = "tool.invoked"
	TopicToolReturned Topic = "tool.returned"
	TopicToolError    Topic = "tool.error"

	TopicCallbackInvoked Topic = "callback.invoked"
	TopicCallbackError   Topic = "callback.error"

	TopicMessageReceived Topic = "message.received"
	TopicPluginError     Topic = "plugin.error"
)

// KnownTopics lists every topic the runtime itself publishes.
var KnownTopics = []Topic{
	TopicCatalogLoaded, TopicSolutionBuilt, TopicSolutionError,
	TopicSessionStarted, TopicSessionEnded, TopicSessionEvicted, TopicSessionDone, TopicSessionFailed,
	TopicAgentEntered, TopicAgentCompleted,
	TopicStepEntered, TopicStepPrompt, TopicStepDelegated, TopicStepCompleted,
	TopicStepAwaitingConfirmation, TopicStepConfirmed, TopicStepRejected, TopicStepError,
	TopicToolInvoked, TopicToolReturned, TopicToolError,
	TopicCallbackInvoked, TopicCallbackError,
	TopicMessageReceived, TopicPluginError,
}

// CallbackTopics lists the topics a session dispatches to callbacks. Topics
// published outside a session (catalog, registry, bus) cannot trigger them,
// and neither can the callback events themselves.
var CallbackTopics = []Topic{
	TopicSessionDone, TopicSessionFailed,
	TopicAgentEntered, TopicAgentCompleted,
	TopicStepEntered, TopicStepPrompt, TopicStepDelegated, TopicStepCompleted,
	TopicStepAwaitingConfirmation, TopicStepConfirmed, TopicStepRejected, TopicStepError,
	TopicToolInvoked, TopicToolReturned, TopicToolError,
	TopicMessageReceived,
}

// IsCallbackTopic reports whether a callback may be declared on t.
func IsCallbackTopic(t string) bool {
	for _, k := range CallbackTopics {
		if string(k) == t {
			return true
		}
	}
	return false
}

// With returns a copy of the event carrying an extra payload entry.
func (e RuntimeEvent) With(key string, value any) RuntimeEvent {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload[key] = value
	e.Payload = payload
	return e
}

// WithErr returns a copy of the event carrying err's message.
func (e RuntimeEvent) WithErr(err error) RuntimeEvent {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
