package ports

import (
	"context"

	"github.com/aretw0/conductor/pkg/domain"
)

// Plugin observes runtime events. Implementations must not assume any
// ordering relative to other plugins besides registration order.
type Plugin interface {
	HandleEvent(ctx context.Context, event domain.RuntimeEvent) error
}

// PluginFunc adapts a plain function to the Plugin interface.
type PluginFunc func(ctx context.Context, event domain.RuntimeEvent) error

// HandleEvent calls f(ctx, event).
func (f PluginFunc) HandleEvent(ctx context.Context, event domain.RuntimeEvent) error {
	return f(ctx, event)
}

// Closer is implemented by plugins holding resources (connections, files).
type Closer interface {
	Close() error
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, event domain.RuntimeEvent)
}
