// Package mcp exposes the session lifecycle of a conductor runtime as Model
// Context Protocol tools, so an AI client can drive solutions directly.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aretw0/conductor"
	"github.com/aretw0/conductor/internal/logging"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// SolutionsURI is the resource listing the registered solutions.
const SolutionsURI = "conductor://solutions"

// Runtime is the part of *conductor.Runtime the server drives.
type Runtime interface {
	StartSession(ctx context.Context, solutionID string, inputs map[string]any) (string, []domain.RuntimeEvent, error)
	SendMessage(ctx context.Context, sessionID string, payload map[string]any) ([]domain.RuntimeEvent, error)
	Confirm(ctx context.Context, sessionID, stepID string, value any) ([]domain.RuntimeEvent, error)
	EndSession(ctx context.Context, sessionID string) error
	Session(sessionID string) (*conductor.SessionView, error)
	Solutions() []conductor.SolutionInfo
	Graph(solutionID, sessionID string) (*conductor.GraphView, error)
}

// CallResult is the JSON body of every lifecycle tool result.
type CallResult struct {
	SessionID string                `json:"session_id"`
	Status    domain.SessionStatus  `json:"status,omitempty"`
	Awaiting  *conductor.StepRef    `json:"awaiting,omitempty"`
	Events    []domain.RuntimeEvent `json:"events"`
	Error     string                `json:"error,omitempty"`
}

// Server wraps a runtime and exposes it as an MCP server.
type Server struct {
	runtime   Runtime
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. Over stdio it must not write to stdout.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP server instance.
func NewServer(rt Runtime, opts ...Option) *Server {
	s := &Server{
		runtime:   rt,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("conductor-mcp", conductor.Version),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves on stdin and stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves over server-sent events on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())
	httpServer := &http.Server{Addr: addr, Handler: mux}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("mcp server listening (sse)", "addr", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("start_session",
		mcp.WithDescription("Start a session of a registered solution and run it until it needs input or finishes."),
		mcp.WithString("solution", mcp.Required(), mcp.Description("Solution id")),
		mcp.WithString("inputs", mcp.Description("JSON object seeding the session state (optional)")),
	), s.handleStartSession)

	s.mcpServer.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Deliver a message to a session. While a step awaits confirmation the text is taken as the answer."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("text", mcp.Description("Message text")),
		mcp.WithString("payload", mcp.Description("JSON object merged into the message (optional)")),
	), s.handleSendMessage)

	s.mcpServer.AddTool(mcp.NewTool("confirm_step",
		mcp.WithDescription("Answer the confirmation gate of a session. Anything but yes re-enters the step."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("value", mcp.Required(), mcp.Description("yes or no")),
		mcp.WithString("step_id", mcp.Description("Step waiting for confirmation (optional)")),
	), s.handleConfirm)

	s.mcpServer.AddTool(mcp.NewTool("end_session",
		mcp.WithDescription("End a session and release its state."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), s.handleEndSession)

	s.mcpServer.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Inspect a live session: status, awaited step, history and state."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), s.handleGetSession)

	s.mcpServer.AddTool(mcp.NewTool("list_solutions",
		mcp.WithDescription("List the registered solutions."),
	), s.handleListSolutions)

	s.mcpServer.AddTool(mcp.NewTool("get_graph",
		mcp.WithDescription("Render the compiled agent graph of a solution as a Mermaid chart."),
		mcp.WithString("solution", mcp.Required(), mcp.Description("Solution id")),
		mcp.WithString("session_id", mcp.Description("Highlight the progress of this session (optional)")),
	), s.handleGetGraph)
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(SolutionsURI, "Registered solutions",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := json.Marshal(s.runtime.Solutions())
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      SolutionsURI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	solution, _ := args["solution"].(string)
	if solution == "" {
		return mcp.NewToolResultError("solution is required"), nil
	}
	inputs, err := objectArg(args, "inputs")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, evts, err := s.runtime.StartSession(ctx, solution, inputs)
	if id == "" {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	return s.callResult(id, evts, err)
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, _ := args["session_id"].(string)
	payload, err := objectArg(args, "payload")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if text, ok := args["text"].(string); ok {
		payload["text"] = text
	}

	evts, err := s.runtime.SendMessage(ctx, id, payload)
	return s.callResult(id, evts, err)
}

func (s *Server) handleConfirm(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, _ := args["session_id"].(string)
	step, _ := args["step_id"].(string)

	evts, err := s.runtime.Confirm(ctx, id, step, args["value"])
	return s.callResult(id, evts, err)
}

func (s *Server) handleEndSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := request.GetArguments()["session_id"].(string)
	if err := s.runtime.EndSession(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("session %s ended", id)), nil
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := request.GetArguments()["session_id"].(string)
	view, err := s.runtime.Session(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(view)
}

func (s *Server) handleListSolutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.runtime.Solutions())
}

func (s *Server) handleGetGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	solution, _ := args["solution"].(string)
	session, _ := args["session_id"].(string)
	view, err := s.runtime.Graph(solution, session)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(view.Mermaid), nil
}

// callResult reports the events of a lifecycle call. A failed step is a tool
// error that still carries the events leading to it.
func (s *Server) callResult(id string, evts []domain.RuntimeEvent, err error) (*mcp.CallToolResult, error) {
	if err != nil && !errors.Is(err, domain.ErrStepExecution) {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res := CallResult{SessionID: id, Events: evts}
	if res.Events == nil {
		res.Events = []domain.RuntimeEvent{}
	}
	if view, viewErr := s.runtime.Session(id); viewErr == nil {
		res.Status = view.Status
		res.Awaiting = view.Awaiting
	}
	if err != nil {
		s.logger.Warn("step failed", "session_id", id, "err", err)
		res.Error = err.Error()
	}

	out, jerr := jsonResult(res)
	if jerr == nil && err != nil {
		out.IsError = true
	}
	return out, jerr
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// objectArg reads a JSON object argument, given either as a JSON string or
// as an object.
func objectArg(args map[string]any, key string) (map[string]any, error) {
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("%s must be a JSON object: %w", key, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a JSON object", key)
	}
}
