package ports

import (
	"context"
	"testing"

	"github.com/aretw0/conductor/pkg/domain"
	"github.com/stretchr/testify/assert"
)

// RunPluginContract runs a suite of tests to verify that a Plugin implementation
// accepts every topic the runtime publishes, including a failure report.
func RunPluginContract(t *testing.T, plugin Plugin) {
	ctx := context.Background()

	t.Run("Handles every known topic", func(t *testing.T) {
		for _, topic := range domain.KnownTopics {
			event := domain.NewEvent(topic, "contract")
			event.SessionID = "contract-session"
			event.Solution = "contract-solution"
			event.Payload = map[string]any{"value": 1, "nested": map[string]any{"k": "v"}}
			assert.NotPanics(t, func() {
				assert.NoError(t, plugin.HandleEvent(ctx, event), "topic %s", topic)
			})
		}
	})

	t.Run("Handles events without session", func(t *testing.T) {
		event := domain.NewEvent(domain.TopicCatalogLoaded, "contract")
		assert.NoError(t, plugin.HandleEvent(ctx, event))
	})

	t.Run("Handles error events", func(t *testing.T) {
		event := domain.NewEvent(domain.TopicPluginError, "contract").
			WithErr(&domain.PluginHandlerError{Plugin: "other", Topic: domain.TopicStepEntered, Err: context.Canceled})
		assert.NoError(t, plugin.HandleEvent(ctx, event))
	})
}
