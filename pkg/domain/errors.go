package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	// ErrCatalogNotFound is returned when a catalog root or a referenced document is missing.
	ErrCatalogNotFound = errors.New("catalog not found")
	// ErrCatalogParse is returned when a catalog document is malformed.
	ErrCatalogParse = errors.New("catalog parse error")
	// ErrUnsupportedSchema is returned for an unknown schema_version.
	ErrUnsupportedSchema = errors.New("unsupported schema version")
	// ErrInvalidSpec is returned when a required field is missing or malformed.
	ErrInvalidSpec = errors.New("invalid solution spec")
	// ErrDuplicateName is returned when two declarations share a name.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrUndeclaredReference is returned when a reference does not resolve.
	ErrUndeclaredReference = errors.New("undeclared reference")
	// ErrCyclicDelegation is returned when the delegation graph has a cycle.
	ErrCyclicDelegation = errors.New("cyclic delegation")
	// ErrUnboundCapability is returned when an implementation reference has no capability.
	ErrUnboundCapability = errors.New("unbound capability")
	// ErrSolutionNotFound is returned when a solution id is not loaded.
	ErrSolutionNotFound = errors.New("solution not found")
	// ErrSessionNotFound is returned when a session id is unknown, ended or evicted.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionFinished is returned when input reaches a session that already reached DONE or FAILED.
	ErrSessionFinished = errors.New("session finished")
	// ErrNotAwaitingConfirmation is returned when Confirm targets a step that is not gated.
	ErrNotAwaitingConfirmation = errors.New("step is not awaiting confirmation")
	// ErrStepExecution is returned when a capability fails during a step.
	ErrStepExecution = errors.New("step execution failed")
	// ErrPluginLoad is returned when a plugin cannot be instantiated.
	ErrPluginLoad = errors.New("plugin load failed")
	// ErrPluginHandler is returned when a plugin fails while handling an event.
	ErrPluginHandler = errors.New("plugin handler failed")
)

// CatalogNotFoundError names the missing location.
type CatalogNotFoundError struct {
	Path string
}

func (e *CatalogNotFoundError) Error() string {
	return fmt.Sprintf("catalog not found: %s", e.Path)
}

func (e *CatalogNotFoundError) Is(target error) bool { return target == ErrCatalogNotFound }

// CatalogParseError wraps the decoder failure for a document.
type CatalogParseError struct {
	Path string
	Err  error
}

func (e *CatalogParseError) Error() string {
	return fmt.Sprintf("catalog parse error in %s: %v", e.Path, e.Err)
}

func (e *CatalogParseError) Unwrap() error { return e.Err }

func (e *CatalogParseError) Is(target error) bool { return target == ErrCatalogParse }

// UnsupportedSchemaError reports the version found in a document.
type UnsupportedSchemaError struct {
	Solution string
	Version  string
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("solution %q: unsupported schema version %q (supported: %q)", e.Solution, e.Version, SchemaVersion)
}

func (e *UnsupportedSchemaError) Is(target error) bool { return target == ErrUnsupportedSchema }

// ValidationError reports a missing or malformed field.
type ValidationError struct {
	Solution string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("solution %q: %s: %s", e.Solution, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidSpec }

// DuplicateNameError reports a name declared twice.
type DuplicateNameError struct {
	Solution string
	Kind     string
	Name     string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("solution %q: duplicate %s name %q", e.Solution, e.Kind, e.Name)
}

func (e *DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

// UndeclaredReferenceError reports a reference that resolves to nothing.
type UndeclaredReferenceError struct {
	Solution string
	Owner    string // declaration holding the reference, e.g. "agent planner" or "step planner/s1"
	Kind     string // what was expected: agent, tool, agent-or-tool
	Name     string
}

func (e *UndeclaredReferenceError) Error() string {
	return fmt.Sprintf("solution %q: %s references undeclared %s %q", e.Solution, e.Owner, e.Kind, e.Name)
}

func (e *UndeclaredReferenceError) Is(target error) bool { return target == ErrUndeclaredReference }

// CyclicDelegationError names the agents on the cycle, first agent repeated last.
type CyclicDelegationError struct {
	Solution string
	Path     []string
}

func (e *CyclicDelegationError) Error() string {
	return fmt.Sprintf("solution %q: cyclic delegation: %s", e.Solution, strings.Join(e.Path, " -> "))
}

func (e *CyclicDelegationError) Is(target error) bool { return target == ErrCyclicDelegation }

// UnboundCapabilityError reports an implementation reference without a capability.
type UnboundCapabilityError struct {
	Owner string
	Ref   string
}

func (e *UnboundCapabilityError) Error() string {
	return fmt.Sprintf("%s: no capability registered for %q", e.Owner, e.Ref)
}

func (e *UnboundCapabilityError) Is(target error) bool { return target == ErrUnboundCapability }

// SessionNotFoundError names the unknown session.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

func (e *SessionNotFoundError) Is(target error) bool { return target == ErrSessionNotFound }

// StepExecutionError wraps a capability failure with the failing step.
type StepExecutionError struct {
	Agent  string
	StepID string
	Target string
	Err    error
}

func (e *StepExecutionError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("step %s/%s (%s) failed: %v", e.Agent, e.StepID, e.Target, e.Err)
	}
	return fmt.Sprintf("step %s/%s failed: %v", e.Agent, e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

func (e *StepExecutionError) Is(target error) bool { return target == ErrStepExecution }

// PluginLoadError reports a plugin that could not be instantiated.
type PluginLoadError struct {
	Name string
	Kind string
	Err  error
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("plugin %q (%s) failed to load: %v", e.Name, e.Kind, e.Err)
}

func (e *PluginLoadError) Unwrap() error { return e.Err }

func (e *PluginLoadError) Is(target error) bool { return target == ErrPluginLoad }

// PluginHandlerError reports a plugin failure while handling an event.
type PluginHandlerError struct {
	Plugin string
	Topic  Topic
	Err    error
}

func (e *PluginHandlerError) Error() string {
	return fmt.Sprintf("plugin %q failed handling %s: %v", e.Plugin, e.Topic, e.Err)
}

func (e *PluginHandlerError) Unwrap() error { return e.Err }

func (e *PluginHandlerError) Is(target error) bool { return target == ErrPluginHandler }
