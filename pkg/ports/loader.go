package ports

import "context"

// Watchable defines an interface for sources that can notify about backend changes.
// This is typically used for hot-reload of catalogs.
type Watchable interface {
	// Watch returns a channel that is signaled when the underlying files change.
	// It abstracts away the specific event details, signaling only that a reload is required.
	Watch(ctx context.Context) (<-chan struct{}, error)
}
