package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/model"
	"github.com/aretw0/stepflow/pkg/notify"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SessionHeader carries the caller's session on model notification endpoints.
const SessionHeader = "X-Stepflow-Session"

// Scheduler is the part of the scheduler the HTTP surface drives.
type Scheduler interface {
	Start(ctx context.Context, entry qualifier.Qualifier, params map[string]any) (*domain.Token, error)
	Get(ctx context.Context, id string) (*domain.Token, error)
	Outputs(ctx context.Context, id string) (map[string]any, error)
	Resume(ctx context.Context, id, target string, params map[string]any) (*domain.Token, error)
	Cancel(ctx context.Context, id, reason string) (*domain.Token, error)
}

// Publisher enqueues fire and forget start requests.
type Publisher interface {
	Publish(ctx context.Context, req domain.StartRequest) error
}

// Notifier broadcasts model changes to registered observers.
type Notifier interface {
	Authorize(ctx context.Context, session string) (string, error)
	ModelUpdated(ctx context.Context, q qualifier.Qualifier, mode domain.UpdateMode) error
	ModelReset(ctx context.Context) error
}

// Catalog lists the deployed processes.
type Catalog interface {
	List(ctx context.Context) ([]qualifier.Qualifier, error)
}

// Server exposes a scheduler over HTTP.
type Server struct {
	Scheduler Scheduler
	Streams   *StreamManager

	requests Publisher
	notifier Notifier
	catalog  Catalog
	metrics  http.Handler
	version  string
	logger   *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithRequestQueue enables POST /requests.
func WithRequestQueue(p Publisher) Option {
	return func(s *Server) { s.requests = p }
}

// WithNotifier enables the /models notification endpoints.
func WithNotifier(n Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithCatalog enables GET /processes.
func WithCatalog(c Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithStreams shares a stream manager created before the server, typically one
// already registered as the scheduler's diff listener.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) {
		s.Streams = sm
	}
}

// WithVersion sets the version reported by GET /info.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a server over sched.
func NewServer(sched Scheduler, opts ...Option) *Server {
	s := &Server{
		Scheduler: sched,
		version:   "dev",
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Streams == nil {
		s.Streams = NewStreamManager(s.logger)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/events", s.SubscribeEvents)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.catalog != nil {
		r.Get("/processes", s.ListProcesses)
	}

	r.Post("/tokens", s.StartToken)
	r.Get("/tokens/{id}", s.GetToken)
	r.Get("/tokens/{id}/outputs", s.GetOutputs)
	r.Post("/tokens/{id}/resume", s.ResumeToken)
	r.Post("/tokens/{id}/cancel", s.CancelToken)

	if s.requests != nil {
		r.Post("/requests", s.SubmitRequest)
	}
	if s.notifier != nil {
		r.Post("/models/updated", s.ModelUpdated)
		r.Post("/models/reset", s.ModelReset)
	}
	return r
}

// NewHandler is a shortcut for NewServer(sched, opts...).Handler().
func NewHandler(sched Scheduler, opts ...Option) http.Handler {
	return NewServer(sched, opts...).Handler()
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartRequestBody is the body of POST /tokens and POST /requests.
type StartRequestBody struct {
	RequestID string         `json:"request_id,omitempty"`
	Process   string         `json:"process"`
	Entry     string         `json:"entry,omitempty"`
	Params    domain.Values  `json:"params,omitempty"`
}

func (b StartRequestBody) entry() (qualifier.Qualifier, error) {
	q, err := qualifier.Parse(b.Process)
	if err != nil {
		return qualifier.Qualifier{}, err
	}
	if b.Entry != "" {
		q = q.WithObjectPath(b.Entry)
	}
	return q, nil
}

// ResumeBody is the body of POST /tokens/{id}/resume.
type ResumeBody struct {
	Target string        `json:"target"`
	Params domain.Values `json:"params,omitempty"`
}

// CancelBody is the body of POST /tokens/{id}/cancel.
type CancelBody struct {
	Reason string `json:"reason,omitempty"`
}

// ModelUpdatedBody is the body of POST /models/updated.
type ModelUpdatedBody struct {
	Process string `json:"process"`
	Mode    string `json:"mode"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Failures []string `json:"failures,omitempty"`
}

// StartToken handles POST /tokens. The token is advanced until it blocks before the
// response is written, unless a ready queue takes it.
func (s *Server) StartToken(w http.ResponseWriter, r *http.Request) {
	var body StartRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	entry, err := body.entry()
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	token, err := s.Scheduler.Start(r.Context(), entry, body.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, token)
}

// SubmitRequest handles POST /requests. The caller never learns the outcome.
func (s *Server) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body StartRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	process, err := qualifier.Parse(body.Process)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if body.RequestID == "" {
		body.RequestID = middleware.GetReqID(r.Context())
	}

	req := domain.StartRequest{
		RequestID: body.RequestID,
		Process:   process,
		Entry:     body.Entry,
		Params:    body.Params,
	}
	if err := s.requests.Publish(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"request_id": req.RequestID})
}

// GetToken handles GET /tokens/{id}.
func (s *Server) GetToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.Scheduler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, token)
}

// GetOutputs handles GET /tokens/{id}/outputs.
func (s *Server) GetOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := s.Scheduler.Outputs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	s.respond(w, http.StatusOK, outputs)
}

// ResumeToken handles POST /tokens/{id}/resume.
func (s *Server) ResumeToken(w http.ResponseWriter, r *http.Request) {
	var body ResumeBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Target == "" {
		s.fail(w, http.StatusBadRequest, errors.New("missing target"))
		return
	}
	token, err := s.Scheduler.Resume(r.Context(), chi.URLParam(r, "id"), body.Target, body.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, token)
}

// CancelToken handles POST /tokens/{id}/cancel. An empty body is allowed.
func (s *Server) CancelToken(w http.ResponseWriter, r *http.Request) {
	var body CancelBody
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	token, err := s.Scheduler.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, token)
}

// ListProcesses handles GET /processes.
func (s *Server) ListProcesses(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	names := make([]string, len(list))
	for i, q := range list {
		names[i] = q.String()
	}
	s.respond(w, http.StatusOK, names)
}

// ModelUpdated handles POST /models/updated.
func (s *Server) ModelUpdated(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var body ModelUpdatedBody
	if !s.decode(w, r, &body) {
		return
	}
	q, err := qualifier.Parse(body.Process)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	mode := domain.UpdateMode(body.Mode)
	switch mode {
	case domain.ModeAdded, domain.ModeUpdated, domain.ModeRemoved:
	case "":
		mode = domain.ModeUpdated
	default:
		s.fail(w, http.StatusBadRequest, errors.New("unknown mode "+body.Mode))
		return
	}

	s.broadcastResult(w, s.notifier.ModelUpdated(r.Context(), q, mode))
}

// ModelReset handles POST /models/reset.
func (s *Server) ModelReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	s.broadcastResult(w, s.notifier.ModelReset(r.Context()))
}

// broadcastResult reports observer failures without failing the request: every
// other observer has already been notified.
func (s *Server) broadcastResult(w http.ResponseWriter, err error) {
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var be *notify.BroadcastError
	if !errors.As(err, &be) {
		s.writeError(w, err)
		return
	}
	resp := ErrorResponse{Error: be.Error()}
	for _, f := range be.Failures {
		resp.Failures = append(resp.Failures, f.Name)
	}
	s.respond(w, http.StatusOK, resp)
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{
		"app":     "stepflow-http",
		"version": s.version,
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	subject, err := s.notifier.Authorize(r.Context(), r.Header.Get(SessionHeader))
	if err != nil {
		s.logger.Warn("notification rejected", "path", r.URL.Path, "error", err)
		s.writeError(w, err)
		return false
	}
	s.logger.Debug("notification accepted", "path", r.URL.Path, "subject", subject)
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("invalid request body", "path", r.URL.Path, "error", err)
		s.fail(w, http.StatusBadRequest, errors.New("invalid request body"))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.fail(w, status, err)
}

// StatusOf maps engine errors to HTTP status codes.
func StatusOf(err error) int {
	var ee *domain.EngineError
	switch {
	case errors.Is(err, notify.ErrInvalidSession):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrTokenNotFound), errors.Is(err, domain.ErrProcessNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTokenBusy),
		errors.Is(err, domain.ErrTokenTerminal),
		errors.Is(err, domain.ErrNotWaiting),
		errors.Is(err, domain.ErrTokenNotStarted),
		errors.Is(err, domain.ErrTokenStarted),
		errors.Is(err, domain.ErrTokenNotCompleted):
		return http.StatusConflict
	case errors.Is(err, qualifier.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidModel):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ee):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
