// Package http exposes the session lifecycle of a conductor runtime as a JSON
// API, plus a server-sent event stream of runtime events.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/conductor"
	"github.com/aretw0/conductor/internal/logging"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/input"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 1 << 20

// Runtime is the part of *conductor.Runtime the server drives.
type Runtime interface {
	StartSession(ctx context.Context, solutionID string, inputs map[string]any) (string, []domain.RuntimeEvent, error)
	SendMessage(ctx context.Context, sessionID string, payload map[string]any) ([]domain.RuntimeEvent, error)
	Confirm(ctx context.Context, sessionID, stepID string, value any) ([]domain.RuntimeEvent, error)
	EndSession(ctx context.Context, sessionID string) error
	Session(sessionID string) (*conductor.SessionView, error)
	Status(sessionID string) (domain.SessionStatus, error)
	Solutions() []conductor.SolutionInfo
	Graph(solutionID, sessionID string) (*conductor.GraphView, error)
}

// Server serves the runtime over HTTP.
type Server struct {
	Runtime  Runtime
	Streams  *StreamManager
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer creates a server for rt. Register Streams on the runtime bus to
// feed the /events endpoint.
func NewServer(rt Runtime, opts ...Option) *Server {
	s := &Server{
		Runtime:  rt,
		logger:   logging.NewNop(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Streams = NewStreamManager(s.logger)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/events", s.SubscribeEvents)

	r.Get("/solutions", s.ListSolutions)
	r.Get("/solutions/{id}/graph", s.GetGraph)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.StartSession)
		r.Get("/{id}", s.GetSession)
		r.Delete("/{id}", s.EndSession)
		r.Post("/{id}/messages", s.SendMessage)
		r.Post("/{id}/confirm", s.Confirm)
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartSessionRequest is the body of POST /sessions.
type StartSessionRequest struct {
	Solution string         `json:"solution"`
	Inputs   map[string]any `json:"inputs,omitempty"`
}

// ConfirmRequest is the body of POST /sessions/{id}/confirm. Value accepts a
// boolean or a yes/no string.
type ConfirmRequest struct {
	StepID string `json:"step_id,omitempty"`
	Value  any    `json:"value"`
}

// EventsResponse reports the events a call produced and where it left the session.
type EventsResponse struct {
	SessionID string                `json:"session_id"`
	Status    domain.SessionStatus  `json:"status"`
	Events    []domain.RuntimeEvent `json:"events"`
}

// ErrorResponse is written for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartSession handles POST /sessions.
func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	var body StartSessionRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Solution == "" {
		s.fail(w, fmt.Errorf("%w: solution is required", errBadRequest))
		return
	}

	id, evts, err := s.Runtime.StartSession(r.Context(), body.Solution, body.Inputs)
	if err != nil && id == "" {
		s.fail(w, err)
		return
	}
	s.respondEvents(w, http.StatusCreated, id, evts, err)
}

// SendMessage handles POST /sessions/{id}/messages. The body is the payload.
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var payload map[string]any
	if !s.decode(w, r, &payload) {
		return
	}
	evts, err := s.Runtime.SendMessage(r.Context(), id, payload)
	s.respondEvents(w, http.StatusOK, id, evts, err)
}

// Confirm handles POST /sessions/{id}/confirm.
func (s *Server) Confirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body ConfirmRequest
	if !s.decode(w, r, &body) {
		return
	}
	evts, err := s.Runtime.Confirm(r.Context(), id, body.StepID, body.Value)
	s.respondEvents(w, http.StatusOK, id, evts, err)
}

// GetSession handles GET /sessions/{id}.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.Runtime.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// EndSession handles DELETE /sessions/{id}.
func (s *Server) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Runtime.EndSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSolutions handles GET /solutions.
func (s *Server) ListSolutions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Runtime.Solutions())
}

// GetGraph handles GET /solutions/{id}/graph. format=mermaid returns the chart
// as text; session_id highlights a live session's progress.
func (s *Server) GetGraph(w http.ResponseWriter, r *http.Request) {
	view, err := s.Runtime.Graph(chi.URLParam(r, "id"), r.URL.Query().Get("session_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	switch r.URL.Query().Get("format") {
	case "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(view.Mermaid))
	case "tree":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(view.Tree))
	default:
		s.writeJSON(w, http.StatusOK, view)
	}
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":     "conductor-http",
		"version": conductor.Version,
	})
}

var errBadRequest = errors.New("bad request")

// StatusFor maps runtime errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSolutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, input.ErrTooLarge), errors.Is(err, input.ErrInvalidUTF8):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionFinished), errors.Is(err, domain.ErrNotAwaitingConfirmation):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStepExecution):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("invalid request body", "path", r.URL.Path, "err", err)
		s.fail(w, fmt.Errorf("%w: invalid body: %v", errBadRequest, err))
		return false
	}
	return true
}

// respondEvents writes the events of a call. A step failure still carries
// the events that led up to it, under the mapped error status.
func (s *Server) respondEvents(w http.ResponseWriter, code int, id string, evts []domain.RuntimeEvent, err error) {
	if err != nil && !errors.Is(err, domain.ErrStepExecution) {
		s.fail(w, err)
		return
	}
	resp := EventsResponse{SessionID: id, Events: evts}
	if resp.Events == nil {
		resp.Events = []domain.RuntimeEvent{}
	}
	if status, statusErr := s.Runtime.Status(id); statusErr == nil {
		resp.Status = status
	}
	if err != nil {
		s.logger.Warn("step failed", "session_id", id, "err", err)
		code = StatusFor(err)
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	s.writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

// SubscribeEvents handles GET /events as a server-sent event stream.
// session_id narrows the stream to one session and topics to a comma
// separated list of topics or topic prefixes ("step.", "session.done").
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := r.URL.Query().Get("session_id")
	var filters []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				filters = append(filters, f)
			}
		}
	}

	ch, cancel := s.Streams.Subscribe(sessionID)
	defer cancel()
	s.logger.Info("sse client subscribed", "session_id", sessionID)

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("sse client disconnected", "session_id", sessionID)
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !matchTopic(evt.Topic, filters) {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Topic, data)
			flusher.Flush()
		}
	}
}

func matchTopic(topic domain.Topic, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if string(topic) == f || (strings.HasSuffix(f, ".") && strings.HasPrefix(string(topic), f)) {
			return true
		}
	}
	return false
}
