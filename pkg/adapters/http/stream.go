package http

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aretw0/conductor/pkg/domain"
)

// StreamBuffer is the per-subscriber channel capacity.
const StreamBuffer = 64

// StreamManager fans runtime events out to SSE subscribers. It is a bus
// plugin: register it on the runtime bus to feed /events.
type StreamManager struct {
	logger      *slog.Logger
	mu          sync.RWMutex
	subscribers map[string]map[chan domain.RuntimeEvent]struct{} // session id ("" for all) -> channels
}

func NewStreamManager(logger *slog.Logger) *StreamManager {
	return &StreamManager{
		logger:      logger,
		subscribers: make(map[string]map[chan domain.RuntimeEvent]struct{}),
	}
}

// Subscribe returns a channel of the events of sessionID, or of every event
// when sessionID is empty, and the function that cancels the subscription.
func (sm *StreamManager) Subscribe(sessionID string) (<-chan domain.RuntimeEvent, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan domain.RuntimeEvent, StreamBuffer)
	if _, ok := sm.subscribers[sessionID]; !ok {
		sm.subscribers[sessionID] = make(map[chan domain.RuntimeEvent]struct{})
	}
	sm.subscribers[sessionID][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if subs, ok := sm.subscribers[sessionID]; ok {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(sm.subscribers, sessionID)
				}
			}
		})
	}
}

// Subscribers returns the number of open subscriptions for sessionID.
func (sm *StreamManager) Subscribers(sessionID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[sessionID])
}

// HandleEvent broadcasts e to the subscribers of its session and to the
// global subscribers. Slow subscribers lose events rather than block the bus.
func (sm *StreamManager) HandleEvent(ctx context.Context, e domain.RuntimeEvent) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	targets := []string{""}
	if e.SessionID != "" {
		targets = append(targets, e.SessionID)
	}
	for _, key := range targets {
		for ch := range sm.subscribers[key] {
			select {
			case ch <- e:
			default:
				sm.logger.Warn("sse buffer full, dropping event", "session_id", e.SessionID, "topic", e.Topic)
			}
		}
	}
	return nil
}
