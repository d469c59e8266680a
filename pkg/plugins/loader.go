package plugins

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aretw0/conductor/internal/logging"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
)

// Spec is one allow-list entry. Kind defaults to Name. Redact lists key
// patterns masked in the payloads the plugin receives.
type Spec struct {
	Name    string         `koanf:"name" json:"name" yaml:"name"`
	Kind    string         `koanf:"kind" json:"kind" yaml:"kind"`
	Options map[string]any `koanf:"options" json:"options" yaml:"options"`
	Redact  []string       `koanf:"redact" json:"redact,omitempty" yaml:"redact,omitempty"`
}

// Registrar is the part of the event bus the loader needs.
type Registrar interface {
	Register(name string, plugin ports.Plugin)
}

// Loader instantiates each allow-listed plugin exactly once.
type Loader struct {
	bus ports.Publisher
	reg Registrar
	env Env

	mu     sync.Mutex
	loaded map[string]ports.Plugin
	order  []string
}

// Option configures the Loader.
type Option func(*Loader)

// WithLogger configures the logger handed to factories.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.env.Logger = logger
	}
}

// WithEnv sets every shared factory dependency.
func WithEnv(env Env) Option {
	return func(l *Loader) {
		l.env = env
	}
}

// BusRegistrar is satisfied by *events.Bus.
type BusRegistrar interface {
	ports.Publisher
	Registrar
}

// NewLoader creates a loader registering plugins with bus.
func NewLoader(bus BusRegistrar, opts ...Option) *Loader {
	l := &Loader{
		bus:    bus,
		reg:    bus,
		loaded: make(map[string]ports.Plugin),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.env.Logger == nil {
		l.env.Logger = logging.NewNop()
	}
	return l
}

// Load instantiates every spec not loaded yet, in order. A failing plugin is
// reported as a PluginLoadError (also published as plugin.error) and the
// remaining plugins still load.
func (l *Loader) Load(ctx context.Context, specs []Spec) error {
	var errs []error
	for _, spec := range specs {
		if err := l.loadOne(spec); err != nil {
			l.env.Logger.Warn("plugin failed to load", "plugin", spec.Name, "kind", spec.Kind, "err", err)
			report := domain.NewEvent(domain.TopicPluginError, "plugin-loader").WithErr(err)
			report.Payload = map[string]any{"plugin": spec.Name, "stage": "load"}
			l.bus.Publish(ctx, report)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) loadOne(spec Spec) error {
	kind := spec.Kind
	if kind == "" {
		kind = spec.Name
	}
	if spec.Name == "" {
		spec.Name = kind
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, done := l.loaded[spec.Name]; done {
		l.env.Logger.Debug("plugin already loaded", "plugin", spec.Name)
		return nil
	}

	factory, err := Lookup(kind)
	if err != nil {
		return &domain.PluginLoadError{Name: spec.Name, Kind: kind, Err: err}
	}
	plugin, err := factory(l.env, spec.Options)
	if err != nil {
		return &domain.PluginLoadError{Name: spec.Name, Kind: kind, Err: err}
	}
	if len(spec.Redact) > 0 {
		if plugin, err = Redact(plugin, spec.Redact); err != nil {
			return &domain.PluginLoadError{Name: spec.Name, Kind: kind, Err: err}
		}
	}

	l.loaded[spec.Name] = plugin
	l.order = append(l.order, spec.Name)
	l.reg.Register(spec.Name, plugin)
	l.env.Logger.Debug("plugin loaded", "plugin", spec.Name, "kind", kind)
	return nil
}

// Get returns a loaded plugin instance.
func (l *Loader) Get(name string) (ports.Plugin, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.loaded[name]
	return p, ok
}

// Loaded returns the loaded plugin names in load order.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// Close releases plugins holding resources, in reverse load order.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for i := len(l.order) - 1; i >= 0; i-- {
		if c, ok := l.loaded[l.order[i]].(ports.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
