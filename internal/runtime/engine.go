package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/handler"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/google/uuid"
)

// DefaultMaxSteps bounds one AdvanceUntilBlocked call.
const DefaultMaxSteps = 10000

// ModelLoader resolves process definitions. model.Manager implements it.
type ModelLoader interface {
	Load(ctx context.Context, q qualifier.Qualifier) (*domain.ProcessDefinition, error)
}

// HandlerSource creates handlers by id. handler.Registry implements it.
type HandlerSource interface {
	New(id string) (handler.Handler, error)
}

// ConditionEvaluator evaluates a branch condition against the entry parameters of
// the branch step.
type ConditionEvaluator func(ctx context.Context, expr string, vars map[string]any) (bool, error)

// Engine is the core token runner.
type Engine struct {
	models    ModelLoader
	handlers  HandlerSource
	objects   ports.ObjectStore
	evaluator ConditionEvaluator
	hooks     domain.LifecycleHooks
	logger    *slog.Logger
	maxSteps  int
	newID     func() string
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) EngineOption {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithConditionEvaluator sets the evaluator for branch conditions. Without one, a
// branch exit with a condition fails the token.
func WithConditionEvaluator(eval ConditionEvaluator) EngineOption {
	return func(e *Engine) {
		e.evaluator = eval
	}
}

// WithObjectStore gives handlers access to business objects.
func WithObjectStore(store ports.ObjectStore) EngineOption {
	return func(e *Engine) {
		e.objects = store
	}
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithIDGenerator replaces the uuid token id generator.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		e.newID = fn
	}
}

// NewEngine creates an engine.
func NewEngine(models ModelLoader, handlers HandlerSource, opts ...EngineOption) *Engine {
	e := &Engine{
		models:   models,
		handlers: handlers,
		logger:   logging.NewNop(),
		maxSteps: DefaultMaxSteps,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateToken returns a NEW token with an empty parameter map.
func (e *Engine) CreateToken() *domain.Token {
	return domain.NewToken(e.newID())
}

// StartToken binds the input parameters to the entry port of a start step, places the
// first cursor there and moves the token to RUNNING.
//
// entry addresses the process and optionally the start step: /model/Process or
// /model/Process.Start. Without a step the process must have a single start step.
func (e *Engine) StartToken(ctx context.Context, token *domain.Token, entry qualifier.Qualifier, params map[string]any) error {
	if token.Status != domain.StatusNew {
		return fmt.Errorf("start %s: %w", token.ID, domain.ErrTokenStarted)
	}

	def, err := e.models.Load(ctx, entry)
	if err != nil {
		return fmt.Errorf("start %s: %w", token.ID, err)
	}

	segs := entry.Segments()
	var stepName, portName string
	if len(segs) > 0 {
		stepName = segs[0]
	}
	if len(segs) > 1 {
		portName = segs[1]
	}

	start, err := def.StartStep(stepName)
	if err != nil {
		return fmt.Errorf("start %s: %w", token.ID, err)
	}
	_, port, err := def.ResolvePort(start.Name, portName)
	if err != nil {
		return fmt.Errorf("start %s: %w", token.ID, err)
	}

	token.Process = def.ID
	for name, v := range params {
		token.Set(domain.PortKey("", start.Name, port.Name, name), v)
	}
	token.AddCursor(domain.Cursor{Process: def.ID, Step: start.Name, Port: port.Name})

	e.logger.DebugContext(ctx, "token started",
		"token_id", token.DebugID,
		"process", def.ID.String(),
		"start", start.Name,
	)
	e.setStatus(ctx, token, domain.StatusRunning)
	return nil
}

// Step executes exactly one step of the first runnable cursor. It is a no-op when
// every cursor is waiting.
//
// Step failures do not surface as errors: they are routed inside the graph or recorded
// on the token, which then becomes FAILED. The error return is for calls that are
// invalid for the token's state.
func (e *Engine) Step(ctx context.Context, token *domain.Token) error {
	if err := checkLive(token); err != nil {
		return err
	}
	cur, ok := token.Runnable()
	if !ok {
		e.settle(ctx, token)
		return nil
	}
	e.execute(ctx, token, *cur)
	e.settle(ctx, token)
	return nil
}

// AdvanceUntilBlocked steps the token until it is WAITING or terminal. It gives up
// with a step_limit failure after the configured number of steps, and returns the
// context error, leaving the token RUNNING, when ctx is done between steps.
func (e *Engine) AdvanceUntilBlocked(ctx context.Context, token *domain.Token) error {
	if err := checkLive(token); err != nil {
		return err
	}

	for steps := 0; token.Status == domain.StatusRunning; steps++ {
		cur, ok := token.Runnable()
		if !ok {
			e.settle(ctx, token)
			break
		}
		if steps >= e.maxSteps {
			e.failToken(ctx, token, *cur, domain.Fatal(domain.CodeStepLimit, cur.Step,
				fmt.Errorf("more than %d steps without blocking", e.maxSteps)))
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.execute(ctx, token, *cur)
		e.settle(ctx, token)
	}
	return nil
}

// Resume re-delivers an external event to a waiting cursor. target selects the cursor
// by "Step" or "Step.Port" (prefixed by the call scope for sub-processes); an empty
// target picks the first waiting cursor. params are bound to the resume port.
func (e *Engine) Resume(ctx context.Context, token *domain.Token, target string, params map[string]any) error {
	if err := checkLive(token); err != nil {
		return err
	}

	var cur *domain.Cursor
	for i := range token.Cursors {
		c := &token.Cursors[i]
		if c.Waiting && matchesWaiting(c, target) {
			cur = c
			break
		}
	}
	if cur == nil {
		return fmt.Errorf("resume %s at %q: %w", token.ID, target, domain.ErrNotWaiting)
	}

	cur.Waiting = false
	cur.Port = cur.ResumePort
	cur.ResumePort = ""

	// Values held by a wait step stay unless params replaces them.
	for name, v := range params {
		token.Set(domain.PortKey(cur.Scope, cur.Step, cur.Port, name), v)
	}

	e.logger.DebugContext(ctx, "token resumed", "token_id", token.DebugID, "position", cur.Position())
	e.setStatus(ctx, token, domain.StatusRunning)
	return nil
}

func matchesWaiting(c *domain.Cursor, target string) bool {
	if target == "" {
		return true
	}
	step := qualifier.Join(c.Scope, c.Step)
	return target == step || target == qualifier.Join(step, c.ResumePort)
}

// Cancel moves a live token to CANCELLED. Callers must make sure no worker is
// advancing the token.
func (e *Engine) Cancel(ctx context.Context, token *domain.Token, reason string) error {
	if token.Status.Terminal() {
		return fmt.Errorf("cancel %s: %w", token.ID, domain.ErrTokenTerminal)
	}
	if reason == "" {
		reason = "cancelled"
	}
	token.Failure = &domain.Failure{Code: domain.CodeCancelled, Message: reason}
	e.setStatus(ctx, token, domain.StatusCancelled)
	return nil
}

// RetrieveOutputs copies the outputs of a COMPLETED token into target.
func (e *Engine) RetrieveOutputs(token *domain.Token, target map[string]any) error {
	if token.Status != domain.StatusCompleted {
		return fmt.Errorf("outputs of %s (%s): %w", token.ID, token.Status, domain.ErrTokenNotCompleted)
	}
	maps.Copy(target, token.Outputs())
	return nil
}

// Outputs returns the outputs of a COMPLETED token.
func (e *Engine) Outputs(token *domain.Token) (map[string]any, error) {
	out := make(map[string]any)
	if err := e.RetrieveOutputs(token, out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkLive(token *domain.Token) error {
	switch {
	case token.Status == domain.StatusNew:
		return fmt.Errorf("token %s: %w", token.ID, domain.ErrTokenNotStarted)
	case token.Status.Terminal():
		return fmt.Errorf("token %s: %w", token.ID, domain.ErrTokenTerminal)
	}
	return nil
}

// settle derives the live status from the cursors.
func (e *Engine) settle(ctx context.Context, token *domain.Token) {
	if token.Status.Terminal() {
		return
	}
	if len(token.Cursors) == 0 {
		if len(token.Joins) > 0 {
			e.stallJoin(ctx, token)
			return
		}
		e.setStatus(ctx, token, domain.StatusCompleted)
		return
	}
	if _, ok := token.Runnable(); ok {
		e.setStatus(ctx, token, domain.StatusRunning)
		return
	}
	e.setStatus(ctx, token, domain.StatusWaiting)
}

// stallJoin fails a token whose last cursor ended while a join still waits for
// links that no cursor can deliver any more.
func (e *Engine) stallJoin(ctx context.Context, token *domain.Token) {
	key := slices.Min(slices.Collect(maps.Keys(token.Joins)))
	token.Failure = &domain.Failure{
		Code:          domain.CodeJoinStalled,
		Message:       fmt.Sprintf("join %s never fired, arrived: %s", key, strings.Join(token.Joins[key], ", ")),
		Step:          key,
		Unrecoverable: true,
	}
	e.logger.ErrorContext(ctx, "token failed", "token_id", token.DebugID, "code", string(domain.CodeJoinStalled), "join", key)
	e.setStatus(ctx, token, domain.StatusFailed)
}

func (e *Engine) setStatus(ctx context.Context, token *domain.Token, to domain.TokenStatus) {
	from := token.Status
	if from == to {
		return
	}
	token.Status = to
	token.UpdatedAt = time.Now().UTC()

	e.logger.DebugContext(ctx, "token status", "token_id", token.DebugID, "from", string(from), "to", string(to))
	if e.hooks.OnTokenStatus != nil {
		e.hooks.OnTokenStatus(ctx, &domain.StatusEvent{
			Timestamp: token.UpdatedAt,
			TokenID:   token.ID,
			Process:   token.Process,
			From:      from,
			To:        to,
		})
	}
}

// placeCursor writes cur back into the token, restoring it if it was removed.
func placeCursor(token *domain.Token, cur domain.Cursor) {
	if c, ok := token.Cursor(cur.ID); ok {
		*c = cur
		return
	}
	token.Cursors = append(token.Cursors, cur)
}
