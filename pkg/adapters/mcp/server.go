package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const processesURI = "stepflow://processes"

// Scheduler is the part of the scheduler exposed as tools.
type Scheduler interface {
	Start(ctx context.Context, entry qualifier.Qualifier, params map[string]any) (*domain.Token, error)
	Get(ctx context.Context, id string) (*domain.Token, error)
	Outputs(ctx context.Context, id string) (map[string]any, error)
	Resume(ctx context.Context, id, target string, params map[string]any) (*domain.Token, error)
	Cancel(ctx context.Context, id, reason string) (*domain.Token, error)
}

// Catalog lists and loads deployed processes. model.Manager implements it.
type Catalog interface {
	List(ctx context.Context) ([]qualifier.Qualifier, error)
	Load(ctx context.Context, q qualifier.Qualifier) (*domain.ProcessDefinition, error)
}

// TokenResult is the structured output of every token tool.
type TokenResult struct {
	ID        string             `json:"id" jsonschema_description:"Token id"`
	Process   string             `json:"process" jsonschema_description:"Root process qualifier"`
	Status    domain.TokenStatus `json:"status" jsonschema_description:"NEW, RUNNING, WAITING, COMPLETED, FAILED or CANCELLED"`
	Positions []string           `json:"positions,omitempty" jsonschema_description:"Current cursor positions"`
	Failure   *domain.Failure    `json:"failure,omitempty"`
}

// StartInput is the input of start_process.
type StartInput struct {
	Process string         `json:"process" jsonschema:"required" jsonschema_description:"Process qualifier, e.g. /orders/Checkout"`
	Entry   string         `json:"entry,omitempty" jsonschema_description:"Start step and port, e.g. Start.Out"`
	Params  map[string]any `json:"params,omitempty" jsonschema_description:"Input parameters"`
}

// TokenInput addresses one token.
type TokenInput struct {
	TokenID string `json:"token_id" jsonschema:"required"`
}

// ResumeInput is the input of resume_token.
type ResumeInput struct {
	TokenID string         `json:"token_id" jsonschema:"required"`
	Target  string         `json:"target" jsonschema:"required" jsonschema_description:"Waiting step and port, e.g. Approve.Resume"`
	Params  map[string]any `json:"params,omitempty"`
}

// CancelInput is the input of cancel_token.
type CancelInput struct {
	TokenID string `json:"token_id" jsonschema:"required"`
	Reason  string `json:"reason,omitempty"`
}

// ProcessInput addresses one process.
type ProcessInput struct {
	Process string `json:"process" jsonschema:"required"`
}

// Server exposes a scheduler as an MCP server.
type Server struct {
	scheduler Scheduler
	catalog   Catalog
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new MCP Server instance.
func NewServer(sched Scheduler, catalog Catalog, version string, opts ...Option) *Server {
	s := &Server{
		scheduler: sched,
		catalog:   catalog,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("stepflow-mcp", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

// ServeSSE serves MCP over SSE on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{Addr: addr, Handler: mux}
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
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
	s.mcpServer.AddTool(mcp.NewTool("start_process",
		mcp.WithDescription("Start a process and advance it until it completes, fails or waits."),
		mcp.WithInputSchema[StartInput](),
		mcp.WithOutputSchema[TokenResult](),
	), startHandler(s.scheduler))

	s.mcpServer.AddTool(mcp.NewTool("get_token",
		mcp.WithDescription("Read the current state of a token."),
		mcp.WithInputSchema[TokenInput](),
		mcp.WithOutputSchema[TokenResult](),
	), getHandler(s.scheduler))

	s.mcpServer.AddTool(mcp.NewTool("get_outputs",
		mcp.WithDescription("Read the outputs of a completed token."),
		mcp.WithInputSchema[TokenInput](),
	), outputsHandler(s.scheduler))

	s.mcpServer.AddTool(mcp.NewTool("resume_token",
		mcp.WithDescription("Deliver an external event to a waiting token."),
		mcp.WithInputSchema[ResumeInput](),
		mcp.WithOutputSchema[TokenResult](),
	), resumeHandler(s.scheduler))

	s.mcpServer.AddTool(mcp.NewTool("cancel_token",
		mcp.WithDescription("Cancel a token that is not currently being advanced."),
		mcp.WithInputSchema[CancelInput](),
		mcp.WithOutputSchema[TokenResult](),
	), cancelHandler(s.scheduler))

	s.mcpServer.AddTool(mcp.NewTool("list_processes",
		mcp.WithDescription("List the deployed processes."),
	), listHandler(s.catalog))

	s.mcpServer.AddTool(mcp.NewTool("describe_process",
		mcp.WithDescription("Return the definition of a process: steps, ports and links."),
		mcp.WithInputSchema[ProcessInput](),
	), describeHandler(s.catalog))
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(processesURI, "Deployed processes",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		names, err := processNames(ctx, s.catalog)
		if err != nil {
			return nil, fmt.Errorf("list processes: %w", err)
		}
		data, err := json.Marshal(names)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: processesURI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

type toolHandler = func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func startHandler(sched Scheduler) toolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var input StartInput
		if err := request.BindArguments(&input); err != nil {
			return mcp.NewToolResultErrorFromErr("invalid start_process arguments", err), nil
		}
		entry, err := qualifier.Parse(input.Process)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invalid process", err), nil
		}
		if input.Entry != "" {
			entry = entry.WithObjectPath(input.Entry)
		}
		token, err := sched.Start(ctx, entry, input.Params)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("start failed", err), nil
		}
		return mcp.NewToolResultStructuredOnly(tokenResult(token)), nil
	}
}

func getHandler(sched Scheduler) toolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var input TokenInput
		if err := request.BindArguments(&input); err != nil || input.TokenID == "" {
			return mcp.NewToolResultError("token_id is required"), nil
		}
		token, err := sched.Get(ctx, input.TokenID)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("get failed", err), nil
		}
		return mcp.NewToolResultStructuredOnly(tokenResult(token)), nil
	}
}

func outputsHandler(sched Scheduler) toolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var input TokenInput
		if err := request.BindArguments(&input); err != nil || input.TokenID == "" {
			return mcp.NewToolResultError("token_id is required"), nil
		}
		outputs, err := sched.Outputs(ctx, input.TokenID)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("outputs unavailable", err), nil
		}
		if outputs == nil {
			outputs = map[string]any{}
		}
		return mcp.NewToolResultStructuredOnly(outputs), nil
	}
}

func resumeHandler(sched Scheduler) toolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var input ResumeInput
		if err := request.BindArguments(&input); err != nil {
			return mcp.NewToolResultErrorFromErr("invalid resume_token arguments", err), nil
		}
		if input.TokenID == "" || input.Target == "" {
			return mcp.NewToolResultError("token_id and target are required"), nil
		}
		token, err := sched.Resume(ctx, input.TokenID, input.Target, input.Params)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("resume failed", err), nil
		}
		return mcp.NewToolResultStructuredOnly(tokenResult(token)), nil
	}
}

func cancelHandler(sched Scheduler) toolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var input CancelInput
		if err := request.BindArguments(&input); err != nil || input.TokenID == "" {
			return mcp.NewToolResultError("token_id is required"), nil
		}
		token, err := sched.Cancel(ctx, input.TokenID, input.Reason)
		if errors.Is(err, domain.ErrTokenBusy) {
			return mcp.NewToolResultError("token is being advanced, retry later"), nil
		}
		if err != nil {
			return mcp.NewToolResultErrorFromErr("cancel failed", err), nil
		}
		return mcp.NewToolResultStructuredOnly(tokenResult(token)), nil
	}
}

func listHandler(catalog Catalog) toolHandler {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		names, err := processNames(ctx, catalog)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("list failed", err), nil
		}
		return mcp.NewToolResultStructuredOnly(map[string][]string{"processes": names}), nil
	}
}

func describeHandler(catalog Catalog) toolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var input ProcessInput
		if err := request.BindArguments(&input); err != nil || input.Process == "" {
			return mcp.NewToolResultError("process is required"), nil
		}
		q, err := qualifier.Parse(input.Process)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invalid process", err), nil
		}
		def, err := catalog.Load(ctx, q)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("describe failed", err), nil
		}
		return mcp.NewToolResultStructuredOnly(def), nil
	}
}

func processNames(ctx context.Context, catalog Catalog) ([]string, error) {
	list, err := catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(list))
	for i, q := range list {
		names[i] = q.String()
	}
	return names, nil
}

func tokenResult(t *domain.Token) TokenResult {
	res := TokenResult{
		ID:      t.ID,
		Process: t.Process.String(),
		Status:  t.Status,
		Failure: t.Failure,
	}
	for _, c := range t.Cursors {
		res.Positions = append(res.Positions, c.Position())
	}
	return res
}
