package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/conductor/internal/catalog"
	"github.com/aretw0/conductor/internal/compiler"
	"github.com/aretw0/conductor/internal/hierarchy"
	"github.com/aretw0/conductor/internal/logging"
	"github.com/aretw0/conductor/internal/presentation/graph"
	"github.com/aretw0/conductor/internal/scheduler"
	"github.com/aretw0/conductor/pkg/adapters/process"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/events"
	"github.com/aretw0/conductor/pkg/input"
	"github.com/aretw0/conductor/pkg/plugins"
	"github.com/aretw0/conductor/pkg/ports"
	"github.com/aretw0/conductor/pkg/registry"
	"github.com/aretw0/conductor/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
)

// Component is stamped on the events the runtime publishes itself.
const Component = "runtime"

// StepRef identifies a step of a running session.
type StepRef = scheduler.StepRef

// Runtime is the high-level entry point: it owns the catalog, the compiled
// graphs, the event bus with its plugins and the live sessions.
type Runtime struct {
	loader     *catalog.Loader
	normalizer *compiler.Normalizer
	caps       *registry.Registry
	graphs     *hierarchy.Cache
	bus        *events.Bus
	plugins    *plugins.Loader
	sessions   *session.Registry
	logger     *slog.Logger

	paths         []string
	rootName      string
	pluginSpecs   []plugins.Spec
	instances     map[string]ports.Plugin
	instanceOrder []string
	processes     []process.ProcessConfig
	processDir    string
	registerer    prometheus.Registerer
	idleTimeout   time.Duration
	deferredStart bool
	maxInputSize  int
	sanitizer     *input.Sanitizer
	pluginErr     error

	mu        sync.RWMutex
	catalog   *catalog.Catalog
	solutions map[string]*domain.SolutionDescriptor
}

// Option defines a functional option for configuring the Runtime.
type Option func(*Runtime)

// WithPaths sets the catalog search paths, scanned in order.
func WithPaths(paths ...string) Option {
	return func(r *Runtime) {
		r.paths = append(r.paths, paths...)
	}
}

// WithRootName overrides the catalog index file name (default: catalog.yaml).
func WithRootName(name string) Option {
	return func(r *Runtime) {
		r.rootName = name
	}
}

// WithRegistry injects the capability registry. Defaults to the built-ins.
func WithRegistry(caps *registry.Registry) Option {
	return func(r *Runtime) {
		r.caps = caps
	}
}

// WithPlugins allow-lists plugins to instantiate from the factory registry.
func WithPlugins(specs ...plugins.Spec) Option {
	return func(r *Runtime) {
		r.pluginSpecs = append(r.pluginSpecs, specs...)
	}
}

// WithPlugin registers an already constructed plugin on the event bus.
func WithPlugin(name string, plugin ports.Plugin) Option {
	return func(r *Runtime) {
		if r.instances == nil {
			r.instances = make(map[string]ports.Plugin)
		}
		if _, exists := r.instances[name]; !exists {
			r.instanceOrder = append(r.instanceOrder, name)
		}
		r.instances[name] = plugin
	}
}

// WithProcesses exposes allow-listed commands as "process:<name>" capabilities.
func WithProcesses(procs []process.ProcessConfig) Option {
	return func(r *Runtime) {
		r.processes = append(r.processes, procs...)
	}
}

// WithProcessDir sets the working directory of process capabilities.
func WithProcessDir(dir string) Option {
	return func(r *Runtime) {
		r.processDir = dir
	}
}

// WithRegisterer sets where the metrics plugin registers its collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Runtime) {
		r.registerer = reg
	}
}

// WithIdleTimeout evicts sessions left untouched for longer than d.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.idleTimeout = d
	}
}

// WithDeferredStart makes StartSession only create the session; the first
// SendMessage starts the scheduler.
func WithDeferredStart(deferred bool) Option {
	return func(r *Runtime) {
		r.deferredStart = deferred
	}
}

// WithMaxInputSize caps each string of session inputs and messages, in
// bytes. Zero keeps input.DefaultMaxSize.
func WithMaxInputSize(n int) Option {
	return func(r *Runtime) {
		r.maxInputSize = n
	}
}

// WithLogger sets a custom structured logger for the runtime.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// New assembles a runtime. Plugins that fail to load are reported through
// PluginErrors and the plugin.error topic; they never make New fail.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		normalizer: compiler.NewNormalizer(),
		solutions:  make(map[string]*domain.SolutionDescriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.NewNop()
	}
	if r.caps == nil {
		r.caps = registry.NewDefault()
	}
	if r.registerer == nil {
		r.registerer = prometheus.DefaultRegisterer
	}
	if len(r.paths) == 0 {
		r.paths = []string{"."}
	}
	r.sanitizer = input.New(r.maxInputSize)

	if len(r.processes) > 0 {
		runner := process.NewRunner(process.WithRegistry(r.processes), process.WithBaseDir(r.processDir))
		r.caps.RegisterResolver(domain.ImplProcess, runner.Resolve)
	}

	loaderOpts := []catalog.Option{catalog.WithPaths(r.paths...), catalog.WithLogger(r.logger)}
	if r.rootName != "" {
		loaderOpts = append(loaderOpts, catalog.WithRootName(r.rootName))
	}
	r.loader = catalog.NewLoader(loaderOpts...)
	r.graphs = hierarchy.NewCache(hierarchy.NewBuilder(r.caps, hierarchy.WithLogger(r.logger)))
	r.bus = events.NewBus(events.WithLogger(r.logger))

	for _, name := range r.instanceOrder {
		r.bus.Register(name, r.instances[name])
	}
	r.plugins = plugins.NewLoader(r.bus, plugins.WithEnv(plugins.Env{
		Logger:     r.logger,
		Registerer: r.registerer,
	}))
	if err := r.plugins.Load(context.Background(), r.pluginSpecs); err != nil {
		r.logger.Warn("some plugins failed to load", "err", err)
		r.pluginErr = err
	}

	r.sessions = session.NewRegistry(r.graphs, r.bus,
		session.WithLogger(r.logger),
		session.WithIdleTimeout(r.idleTimeout),
	)
	return r, nil
}

// LoadReport summarizes one Load.
type LoadReport struct {
	Loaded      []string            `json:"loaded"`
	Cached      []string            `json:"cached,omitempty"`
	Failed      map[string]error    `json:"-"`
	Unreachable map[string][]string `json:"unreachable,omitempty"`
	// RootErrors holds index files that were skipped.
	RootErrors map[string]error `json:"-"`
}

// Err joins every skipped root and per-solution failure.
func (r *LoadReport) Err() error {
	var errs []error
	for _, root := range sortedKeys(r.RootErrors) {
		errs = append(errs, fmt.Errorf("root %s: %w", root, r.RootErrors[root]))
	}
	for _, id := range sortedKeys(r.Failed) {
		errs = append(errs, fmt.Errorf("solution %s: %w", id, r.Failed[id]))
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load reads the catalog and (re)builds every solution independently. A broken
// solution is reported and left unregistered; the others still load. Only a
// catalog that cannot be read at all makes Load fail.
func (r *Runtime) Load(ctx context.Context) (*LoadReport, error) {
	cat, err := r.loader.Load(ctx)
	if err != nil {
		return nil, err
	}

	report := &LoadReport{
		Failed:      make(map[string]error),
		Unreachable: make(map[string][]string),
		RootErrors:  cat.RootErrors,
	}
	for id, err := range cat.Errors {
		report.Failed[id] = err
	}

	solutions := make(map[string]*domain.SolutionDescriptor, len(cat.Documents))
	keep := make(map[string]bool, len(cat.Documents))
	for _, doc := range cat.Documents {
		desc, err := r.normalizer.Normalize(doc)
		if err != nil {
			report.Failed[doc.SolutionID] = err
			continue
		}
		graph, hit, err := r.graphs.Build(desc)
		if err != nil {
			report.Failed[doc.SolutionID] = err
			continue
		}

		solutions[desc.ID] = desc
		keep[desc.ID] = true
		report.Loaded = append(report.Loaded, desc.ID)
		if hit {
			report.Cached = append(report.Cached, desc.ID)
		}
		if len(graph.Unreachable) > 0 {
			report.Unreachable[desc.ID] = graph.Unreachable
		}

		built := domain.NewEvent(domain.TopicSolutionBuilt, Component).
			With("fingerprint", graph.Fingerprint).
			With("agents", graph.Order).
			With("cached", hit)
		built.Solution = desc.ID
		r.bus.Publish(ctx, built)
	}

	for _, id := range sortedKeys(report.Failed) {
		r.logger.Warn("solution not registered", "solution", id, "err", report.Failed[id])
		failed := domain.NewEvent(domain.TopicSolutionError, Component).WithErr(report.Failed[id])
		failed.Solution = id
		r.bus.Publish(ctx, failed)
	}

	r.graphs.Retain(keep)
	r.mu.Lock()
	r.catalog = cat
	r.solutions = solutions
	r.mu.Unlock()

	r.bus.Publish(ctx, domain.NewEvent(domain.TopicCatalogLoaded, Component).
		With("roots", cat.Roots).
		With("loaded", len(report.Loaded)).
		With("failed", len(report.Failed)))
	r.logger.Info("catalog loaded", "loaded", len(report.Loaded), "failed", len(report.Failed))
	return report, nil
}

// Watch signals when any catalog file read by the last Load changes.
func (r *Runtime) Watch(ctx context.Context) (<-chan struct{}, error) {
	r.mu.RLock()
	cat := r.catalog
	r.mu.RUnlock()
	if cat == nil {
		return nil, fmt.Errorf("catalog not loaded")
	}
	w := catalog.NewWatcher(cat.Files(), catalog.WithWatcherLogger(r.logger))
	return w.Watch(ctx)
}

// StartSession creates a session of solutionID seeded with inputs and, unless
// the runtime defers starts, runs it until it blocks or finishes. The returned
// events are those produced by that first run.
func (r *Runtime) StartSession(ctx context.Context, solutionID string, inputs map[string]any) (string, []domain.RuntimeEvent, error) {
	inputs, err := r.sanitizer.Payload(inputs)
	if err != nil {
		return "", nil, err
	}
	sess, err := r.sessions.Create(ctx, solutionID, inputs)
	if err != nil {
		return "", nil, err
	}
	if r.deferredStart {
		return sess.ID, nil, nil
	}

	var out []domain.RuntimeEvent
	err = r.sessions.WithLock(ctx, sess.ID, func(ctx context.Context, s *session.Session) error {
		var runErr error
		out, runErr = s.Scheduler.Run(ctx)
		return runErr
	})
	return sess.ID, out, err
}

// SendMessage delivers payload to the session and resumes it.
func (r *Runtime) SendMessage(ctx context.Context, sessionID string, payload map[string]any) ([]domain.RuntimeEvent, error) {
	payload, err := r.sanitizer.Payload(payload)
	if err != nil {
		return nil, err
	}
	var out []domain.RuntimeEvent
	err = r.sessions.WithLock(ctx, sessionID, func(ctx context.Context, s *session.Session) error {
		var runErr error
		out, runErr = s.Scheduler.Deliver(ctx, payload)
		return runErr
	})
	return out, err
}

// Confirm answers the confirmation gate of stepID (empty matches any waiting
// step). value accepts booleans and the strings ParseConfirmation knows.
func (r *Runtime) Confirm(ctx context.Context, sessionID, stepID string, value any) ([]domain.RuntimeEvent, error) {
	answer := domain.ParseConfirmation(value)
	var out []domain.RuntimeEvent
	err := r.sessions.WithLock(ctx, sessionID, func(ctx context.Context, s *session.Session) error {
		var runErr error
		out, runErr = s.Scheduler.Confirm(ctx, stepID, answer)
		return runErr
	})
	return out, err
}

// EndSession releases a session. A step still running is not interrupted,
// but its result is discarded.
func (r *Runtime) EndSession(ctx context.Context, sessionID string) error {
	return r.sessions.End(ctx, sessionID)
}

// SessionView is a read-only snapshot of one session.
type SessionView struct {
	session.Info
	Awaiting *StepRef      `json:"awaiting,omitempty"`
	History  []StepRef      `json:"history"`
	State    map[string]any `json:"state"`
	Error    string         `json:"error,omitempty"`
}

// Session returns a snapshot of a live session.
func (r *Runtime) Session(sessionID string) (*SessionView, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	view := &SessionView{
		Info:    sess.Info(),
		History: sess.Scheduler.History(),
		State:   sess.Store.Snapshot(),
	}
	if ref, ok := sess.Scheduler.Awaiting(); ok {
		view.Awaiting = &ref
	}
	if err := sess.Scheduler.Err(); err != nil {
		view.Error = err.Error()
	}
	return view, nil
}

// Status returns the scheduler state of a session.
func (r *Runtime) Status(sessionID string) (domain.SessionStatus, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	return sess.Scheduler.Status(), nil
}

// Snapshot returns a copy of a session's state tree.
func (r *Runtime) Snapshot(sessionID string) (map[string]any, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Store.Snapshot(), nil
}

// Sessions lists the live sessions.
func (r *Runtime) Sessions() []session.Info {
	return r.sessions.List()
}

// SolutionInfo describes a registered solution.
type SolutionInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	EntryAgent  string   `json:"entry_agent"`
	Agents      []string `json:"agents"`
	Fingerprint string   `json:"fingerprint"`
	Source      string   `json:"source,omitempty"`
}

// Solutions lists the registered solutions, sorted by id.
func (r *Runtime) Solutions() []SolutionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SolutionInfo, 0, len(r.solutions))
	for id, desc := range r.solutions {
		info := SolutionInfo{
			ID:          id,
			Name:        desc.Name,
			Description: desc.Description,
			EntryAgent:  desc.EntryAgent,
			Source:      desc.Source,
		}
		if g, ok := r.graphs.Get(id); ok {
			info.Agents = g.Order
			info.Fingerprint = g.Fingerprint
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Solution returns the normalized descriptor of a registered solution.
func (r *Runtime) Solution(solutionID string) (*domain.SolutionDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.solutions[solutionID]
	if !ok {
		return nil, fmt.Errorf("solution %q: %w", solutionID, domain.ErrSolutionNotFound)
	}
	return desc, nil
}

// Describe renders the compiled graph of a solution as an indented tree.
func (r *Runtime) Describe(solutionID string) (string, error) {
	g, ok := r.graphs.Get(solutionID)
	if !ok {
		return "", fmt.Errorf("solution %q: %w", solutionID, domain.ErrSolutionNotFound)
	}
	return g.Describe(), nil
}

// GraphView is the rendered compiled graph of a solution.
type GraphView struct {
	Solution    string   `json:"solution"`
	Fingerprint string   `json:"fingerprint"`
	Root        string   `json:"root"`
	Agents      []string `json:"agents"`
	Unreachable []string `json:"unreachable,omitempty"`
	Tree        string   `json:"tree"`
	Mermaid     string   `json:"mermaid"`
}

// Graph renders the compiled graph of a solution. When sessionID names a live
// session of that solution, the Mermaid chart highlights its progress.
func (r *Runtime) Graph(solutionID, sessionID string) (*GraphView, error) {
	g, ok := r.graphs.Get(solutionID)
	if !ok {
		return nil, fmt.Errorf("solution %q: %w", solutionID, domain.ErrSolutionNotFound)
	}

	var overlay *graph.Overlay
	if sessionID != "" {
		sess, err := r.sessions.Get(sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Solution == solutionID {
			overlay = &graph.Overlay{}
			for _, ref := range sess.Scheduler.History() {
				overlay.VisitedAgents = append(overlay.VisitedAgents, ref.Agent)
			}
			if stack := sess.Scheduler.Stack(); len(stack) > 0 {
				overlay.CurrentAgent = stack[len(stack)-1].Agent
			}
		}
	}

	return &GraphView{
		Solution:    g.Solution.ID,
		Fingerprint: g.Fingerprint,
		Root:        g.Root,
		Agents:      g.Order,
		Unreachable: g.Unreachable,
		Tree:        g.Describe(),
		Mermaid:     graph.Mermaid(g, overlay),
	}, nil
}

// Bus returns the event bus, for registering additional plugins.
func (r *Runtime) Bus() *events.Bus {
	return r.bus
}

// Capabilities returns the capability registry.
func (r *Runtime) Capabilities() *registry.Registry {
	return r.caps
}

// PluginErrors returns the aggregated plugin load failures, if any.
func (r *Runtime) PluginErrors() error {
	return r.pluginErr
}

// StartJanitor evicts idle sessions every interval until ctx is done.
func (r *Runtime) StartJanitor(ctx context.Context, interval time.Duration) {
	r.sessions.StartJanitor(ctx, interval)
}

// Close ends every session and releases plugin resources.
func (r *Runtime) Close() error {
	r.sessions.Close(context.Background())
	return r.plugins.Close()
}
