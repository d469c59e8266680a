package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/conductor/internal/hierarchy"
	"github.com/aretw0/conductor/internal/logging"
	"github.com/aretw0/conductor/internal/scheduler"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
	"github.com/aretw0/conductor/pkg/state"
	"github.com/google/uuid"
)

// Component is stamped on the events the registry publishes.
const Component = "session-registry"

// GraphSource resolves a solution id to its compiled graph.
type GraphSource interface {
	Get(solutionID string) (*hierarchy.Graph, bool)
}

// Session is one live interaction with a solution.
type Session struct {
	ID        string
	Solution  string
	Created   time.Time
	Store     *state.Store
	Scheduler *scheduler.Scheduler

	ctx        context.Context
	cancel     context.CancelFunc
	lastActive atomic.Int64
}

// LastActive returns when the session was last operated on.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch(t time.Time) {
	s.lastActive.Store(t.UnixNano())
}

// Info is a read-only summary of a session.
type Info struct {
	ID         string               `json:"id"`
	Solution   string               `json:"solution"`
	Status     domain.SessionStatus `json:"status"`
	Created    time.Time            `json:"created"`
	LastActive time.Time            `json:"last_active"`
}

// Info summarizes the session.
func (s *Session) Info() Info {
	return Info{
		ID:         s.ID,
		Solution:   s.Solution,
		Status:     s.Scheduler.Status(),
		Created:    s.Created,
		LastActive: s.LastActive(),
	}
}

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Registry owns the session-id to session mapping.
// It uses reference counting to garbage collect unused per-session locks.
type Registry struct {
	graphs    GraphSource
	publisher ports.Publisher

	mu       sync.RWMutex
	sessions map[string]*Session

	lockMu sync.Mutex
	locks  map[string]*lockEntry

	idleTimeout time.Duration
	now         func() time.Time
	newID       func() string
	schedOpts   []scheduler.Option
	logger      *slog.Logger
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger configures a logger for the Registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithIdleTimeout sets how long a session may stay untouched before Sweep
// evicts it. Zero disables eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator replaces the uuid based identifier generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		r.newID = fn
	}
}

// WithSchedulerOptions are applied to every scheduler the registry creates.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(r *Registry) {
		r.schedOpts = append(r.schedOpts, opts...)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(graphs GraphSource, publisher ports.Publisher, opts ...Option) *Registry {
	r := &Registry{
		graphs:    graphs,
		publisher: publisher,
		sessions:  make(map[string]*Session),
		locks:     make(map[string]*lockEntry),
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts a session of solutionID seeded with inputs. The scheduler is
// created in its ENTRY state; nothing runs until the caller drives it.
func (r *Registry) Create(ctx context.Context, solutionID string, inputs map[string]any) (*Session, error) {
	graph, ok := r.graphs.Get(solutionID)
	if !ok {
		return nil, fmt.Errorf("solution %q: %w", solutionID, domain.ErrSolutionNotFound)
	}

	now := r.now()
	id := r.newID()
	store := state.New(inputs)
	store.Set(domain.KeySession, map[string]any{
		"id":       id,
		"solution": solutionID,
		"started":  now.UTC().Format(time.RFC3339),
	})

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &Session{
		ID:        id,
		Solution:  solutionID,
		Created:   now,
		Store:     store,
		Scheduler: scheduler.New(id, graph, store, r.publisher, r.schedulerOptions()...),
		ctx:       sessCtx,
		cancel:    cancel,
	}
	sess.touch(now)

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("session id collision: %s", id)
	}
	r.sessions[id] = sess
	r.mu.Unlock()

	r.logger.Debug("session created", "session_id", id, "solution", solutionID)
	r.publish(ctx, sess, domain.TopicSessionStarted, map[string]any{"inputs": store.Snapshot()})
	return sess, nil
}

func (r *Registry) schedulerOptions() []scheduler.Option {
	opts := make([]scheduler.Option, 0, len(r.schedOpts)+1)
	opts = append(opts, scheduler.WithLogger(r.logger))
	return append(opts, r.schedOpts...)
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, &domain.SessionNotFoundError{SessionID: id}
	}
	return sess, nil
}

// Lookup returns the state store and scheduler of a live session.
func (r *Registry) Lookup(id string) (*state.Store, *scheduler.Scheduler, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, nil, err
	}
	return sess.Store, sess.Scheduler, nil
}

// List returns every live session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// End removes a session and releases its state. It does not wait for an
// in-flight step: the session context is cancelled and the scheduler drops
// whatever result arrives later.
func (r *Registry) End(ctx context.Context, id string) error {
	sess, ok := r.remove(id)
	if !ok {
		return &domain.SessionNotFoundError{SessionID: id}
	}
	r.logger.Debug("session ended", "session_id", id)
	r.publish(ctx, sess, domain.TopicSessionEnded, nil)
	return nil
}

// Close ends every live session.
func (r *Registry) Close(ctx context.Context) {
	for _, info := range r.List() {
		_ = r.End(ctx, info.ID)
	}
}

func (r *Registry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	sess.cancel()
	sess.Scheduler.Abandon()
	return sess, true
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(id) after unlocking.
func (r *Registry) acquire(id string) *lockEntry {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	entry, exists := r.locks[id]
	if !exists {
		entry = &lockEntry{}
		r.locks[id] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (r *Registry) release(id string) {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	entry, exists := r.locks[id]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(r.locks, id)
	}
}

func (r *Registry) busy(id string) bool {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	_, held := r.locks[id]
	return held
}

// WithLock runs fn while holding the session's lock. The context handed to
// fn is also cancelled when the session ends.
func (r *Registry) WithLock(ctx context.Context, id string, fn func(context.Context, *Session) error) error {
	if _, err := r.Get(id); err != nil {
		return err
	}

	entry := r.acquire(id)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		r.release(id)
	}()

	// The session may have ended while we waited for the lock.
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	sess.touch(r.now())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	err = fn(ctx, sess)
	sess.touch(r.now())
	return err
}

// Sweep evicts sessions idle for longer than the idle timeout and returns
// their ids. Sessions currently held by WithLock are skipped.
func (r *Registry) Sweep(ctx context.Context, now time.Time) []string {
	if r.idleTimeout <= 0 {
		return nil
	}

	var stale []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if now.Sub(s.LastActive()) > r.idleTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(stale)

	var evicted []string
	for _, id := range stale {
		if r.busy(id) {
			continue
		}
		sess, ok := r.remove(id)
		if !ok {
			continue
		}
		evicted = append(evicted, id)
		r.logger.Info("session evicted", "session_id", id, "idle", now.Sub(sess.LastActive()).String())
		r.publish(ctx, sess, domain.TopicSessionEvicted, map[string]any{"idle_timeout": r.idleTimeout.String()})
	}
	return evicted
}

// StartJanitor sweeps every interval until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx, r.now())
			}
		}
	}()
}

func (r *Registry) publish(ctx context.Context, sess *Session, topic domain.Topic, payload map[string]any) {
	if r.publisher == nil {
		return
	}
	e := domain.NewEvent(topic, Component)
	e.SessionID = sess.ID
	e.Solution = sess.Solution
	e.Payload = payload
	r.publisher.Publish(ctx, e)
}
