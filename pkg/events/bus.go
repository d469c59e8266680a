// Package events implements the synchronous, ordered event bus plugins observe.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/conductor/internal/logging"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
)

// Component is the component name stamped on events the bus raises itself.
const Component = "event-bus"

type registration struct {
	name   string
	plugin ports.Plugin
}

// Bus delivers every event to every registered plugin, in registration order,
// on the publisher's goroutine. A failing plugin never prevents delivery to
// the others; its failure is reported to them as a plugin.error event.
type Bus struct {
	mu      sync.RWMutex
	plugins []registration

	logger *slog.Logger
}

// Option configures the Bus.
type Option func(*Bus)

// WithLogger configures a logger for the Bus.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register appends a plugin. Registering an existing name replaces it in place.
func (b *Bus) Register(name string, plugin ports.Plugin) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]registration, 0, len(b.plugins)+1)
	replaced := false
	for _, r := range b.plugins {
		if r.name == name {
			next = append(next, registration{name: name, plugin: plugin})
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, registration{name: name, plugin: plugin})
	}
	b.plugins = next
}

// Unregister removes a plugin by name.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]registration, 0, len(b.plugins))
	for _, r := range b.plugins {
		if r.name != name {
			next = append(next, r)
		}
	}
	b.plugins = next
}

// Plugins returns the registered plugin names in delivery order.
func (b *Bus) Plugins() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.plugins))
	for i, r := range b.plugins {
		names[i] = r.name
	}
	return names
}

// Publish implements ports.Publisher.
func (b *Bus) Publish(ctx context.Context, event domain.RuntimeEvent) {
	b.mu.RLock()
	plugins := b.plugins
	b.mu.RUnlock()

	var failures []*domain.PluginHandlerError
	for _, r := range plugins {
		if err := deliver(ctx, r, event); err != nil {
			b.logger.Warn("plugin failed handling event", "plugin", r.name, "topic", event.Topic, "err", err)
			failures = append(failures, err)
		}
	}

	// Failures while handling plugin.error are only logged so a broken plugin
	// cannot start a feedback loop.
	if event.Topic == domain.TopicPluginError {
		return
	}

	for _, f := range failures {
		report := domain.NewEvent(domain.TopicPluginError, Component).WithErr(f)
		report.SessionID = event.SessionID
		report.Solution = event.Solution
		report.Payload = map[string]any{
			"plugin": f.Plugin,
			"topic":  string(f.Topic),
		}
		for _, r := range plugins {
			if r.name == f.Plugin {
				continue
			}
			if err := deliver(ctx, r, report); err != nil {
				b.logger.Warn("plugin failed handling plugin.error", "plugin", r.name, "err", err)
			}
		}
	}
}

func deliver(ctx context.Context, r registration, event domain.RuntimeEvent) (failure *domain.PluginHandlerError) {
	defer func() {
		if rec := recover(); rec != nil {
			failure = &domain.PluginHandlerError{
				Plugin: r.name,
				Topic:  event.Topic,
				Err:    fmt.Errorf("panic: %v", rec),
			}
		}
	}()

	if err := r.plugin.HandleEvent(ctx, event); err != nil {
		return &domain.PluginHandlerError{Plugin: r.name, Topic: event.Topic, Err: err}
	}
	return nil
}

// Recorder is a Publisher that keeps every event, for returning the events a
// single operation produced to its caller. It forwards to Next when set.
type Recorder struct {
	Next ports.Publisher

	mu     sync.Mutex
	events []domain.RuntimeEvent
}

// Publish implements ports.Publisher.
func (r *Recorder) Publish(ctx context.Context, event domain.RuntimeEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	if r.Next != nil {
		r.Next.Publish(ctx, event)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.RuntimeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RuntimeEvent(nil), r.events...)
}

// Topics returns the recorded topics in order.
func (r *Recorder) Topics() []domain.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Topic, len(r.events))
	for i, e := range r.events {
		out[i] = e.Topic
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
