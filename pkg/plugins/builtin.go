package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redisadapter "github.com/aretw0/conductor/pkg/adapters/redis"
	"github.com/aretw0/conductor/pkg/adapters/sqlite"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
)

// LogPlugin emits events to a slog.Logger. Failure topics log at error level,
// high-volume topics at debug, everything else at info.
type LogPlugin struct {
	logger *slog.Logger
}

// NewLogPlugin creates a LogPlugin that emits to the given logger.
func NewLogPlugin(logger *slog.Logger) *LogPlugin {
	return &LogPlugin{logger: logger}
}

// HandleEvent implements ports.Plugin.
func (p *LogPlugin) HandleEvent(ctx context.Context, event domain.RuntimeEvent) error {
	attrs := make([]slog.Attr, 0, len(event.Payload)+5)
	attrs = append(attrs, slog.String("component", event.Component))
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Agent != "" {
		attrs = append(attrs, slog.String("agent", event.Agent))
	}
	if event.StepID != "" {
		attrs = append(attrs, slog.String("step", event.StepID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("err", event.Error))
	}
	for k, v := range event.Payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	p.logger.LogAttrs(ctx, LevelFor(event.Topic), string(event.Topic), attrs...)
	return nil
}

// LevelFor maps a topic to the log level it is emitted at.
func LevelFor(topic domain.Topic) slog.Level {
	switch topic {
	case domain.TopicStepError, domain.TopicToolError, domain.TopicCallbackError,
		domain.TopicSessionFailed, domain.TopicSolutionError, domain.TopicPluginError:
		return slog.LevelError
	case domain.TopicToolInvoked, domain.TopicToolReturned, domain.TopicStepEntered,
		domain.TopicStepCompleted, domain.TopicCallbackInvoked:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type logOptions struct {
	Level string `mapstructure:"level"`
}

func newLogPlugin(env Env, options map[string]any) (ports.Plugin, error) {
	var opts logOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	logger := env.Logger
	if opts.Level != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid level %q: %w", opts.Level, err)
		}
		logger = slog.New(&minLevelHandler{Handler: logger.Handler(), min: level})
	}
	return NewLogPlugin(logger), nil
}

// minLevelHandler raises the floor of an existing handler.
type minLevelHandler struct {
	slog.Handler
	min slog.Level
}

func (h *minLevelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.Handler.Enabled(ctx, level)
}

func (h *minLevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &minLevelHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h *minLevelHandler) WithGroup(name string) slog.Handler {
	return &minLevelHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}

// MetricsPlugin records event counts and step durations in Prometheus.
type MetricsPlugin struct {
	events       *prometheus.CounterVec
	pluginErrors prometheus.Counter
	activeSess   prometheus.Gauge
	stepDuration *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewMetricsPlugin creates the collectors and registers them with reg. Collectors
// already registered by an earlier instance are reused.
func NewMetricsPlugin(reg prometheus.Registerer, namespace string) (*MetricsPlugin, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "conductor"
	}

	m := &MetricsPlugin{started: make(map[string]time.Time)}
	var err error

	m.events, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of runtime events by topic",
		},
		[]string{"topic"},
	))
	if err != nil {
		return nil, err
	}
	m.pluginErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plugin_errors_total",
		Help:      "Total number of plugin failures reported on the bus",
	}))
	if err != nil {
		return nil, err
	}
	m.activeSess, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions started and not yet ended or evicted",
	}))
	if err != nil {
		return nil, err
	}
	m.stepDuration, err = register(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration from step entry to completion",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"solution", "agent", "step"},
	))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// HandleEvent implements ports.Plugin.
func (m *MetricsPlugin) HandleEvent(ctx context.Context, event domain.RuntimeEvent) error {
	m.events.WithLabelValues(string(event.Topic)).Inc()

	key := strings.Join([]string{event.SessionID, event.Agent, event.StepID}, "/")
	switch event.Topic {
	case domain.TopicPluginError:
		m.pluginErrors.Inc()
	case domain.TopicSessionStarted:
		m.activeSess.Inc()
	case domain.TopicSessionEnded, domain.TopicSessionEvicted:
		m.activeSess.Dec()
	case domain.TopicStepEntered:
		m.mu.Lock()
		m.started[key] = event.Timestamp
		m.mu.Unlock()
	case domain.TopicStepCompleted, domain.TopicStepError, domain.TopicStepAwaitingConfirmation:
		m.mu.Lock()
		start, ok := m.started[key]
		delete(m.started, key)
		m.mu.Unlock()
		if ok {
			m.stepDuration.WithLabelValues(event.Solution, event.Agent, event.StepID).
				Observe(event.Timestamp.Sub(start).Seconds())
		}
	}
	return nil
}

type metricsOptions struct {
	Namespace string `mapstructure:"namespace"`
}

func newMetricsPlugin(env Env, options map[string]any) (ports.Plugin, error) {
	var opts metricsOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewMetricsPlugin(env.Registerer, opts.Namespace)
}

type auditOptions struct {
	DSN string `mapstructure:"dsn"`
}

func newAuditPlugin(env Env, options map[string]any) (ports.Plugin, error) {
	var opts auditOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return sqlite.Open(opts.DSN)
}

type redisOptions struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	MaxLen   int64         `mapstructure:"max_len"`
	TTL      time.Duration `mapstructure:"ttl"`
}

func newRedisPlugin(env Env, options map[string]any) (ports.Plugin, error) {
	opts := redisOptions{Addr: "localhost:6379", MaxLen: 1000}
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	var streamOpts []redisadapter.Option
	if opts.Prefix != "" {
		streamOpts = append(streamOpts, redisadapter.WithPrefix(opts.Prefix))
	}
	streamOpts = append(streamOpts, redisadapter.WithMaxLen(opts.MaxLen))
	if opts.TTL > 0 {
		streamOpts = append(streamOpts, redisadapter.WithTTL(opts.TTL))
	}
	return redisadapter.New(opts.Addr, opts.Password, opts.DB, streamOpts...), nil
}
