// Package plugins instantiates observer plugins from an explicit allow-list
// and registers them with the event bus.
//
// Plugin kinds are resolved through a process-wide factory registry.
// Pre-registered kinds: "log", "metrics", "audit" and "redis".
package plugins

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aretw0/conductor/pkg/ports"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
)

// Env carries the shared dependencies factories may use.
type Env struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Factory builds one plugin instance from its options.
type Factory func(env Env, options map[string]any) (ports.Plugin, error)

var (
	factories = map[string]Factory{
		"log":     newLogPlugin,
		"metrics": newMetricsPlugin,
		"audit":   newAuditPlugin,
		"redis":   newRedisPlugin,
	}
	mutex sync.RWMutex
)

// Lookup returns a registered factory by kind.
func Lookup(kind string) (Factory, error) {
	mutex.RLock()
	defer mutex.RUnlock()

	f, exists := factories[kind]
	if !exists {
		return nil, fmt.Errorf("unknown plugin kind: %s", kind)
	}
	return f, nil
}

// Register adds or replaces a named factory in the global registry.
func Register(kind string, factory Factory) {
	mutex.Lock()
	defer mutex.Unlock()

	factories[kind] = factory
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	mutex.RLock()
	defer mutex.RUnlock()

	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(options)
}
