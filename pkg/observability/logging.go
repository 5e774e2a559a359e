package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/stepflow/pkg/domain"
)

// LoggingHooks logs every lifecycle event. Step events are logged at debug level.
func LoggingHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepEnter: func(ctx context.Context, e *domain.StepEvent) {
			logger.DebugContext(ctx, "step_enter",
				"token_id", e.TokenID,
				"process", e.Process.String(),
				"step", e.Step,
				"port", e.Port,
				"kind", string(e.Kind),
			)
		},
		OnStepLeave: func(ctx context.Context, e *domain.StepEvent) {
			logger.DebugContext(ctx, "step_leave",
				"token_id", e.TokenID,
				"step", e.Step,
				"exit", e.Exit,
				"duration", e.Duration,
			)
		},
		OnTokenStatus: func(ctx context.Context, e *domain.StatusEvent) {
			logger.InfoContext(ctx, "token_status",
				"token_id", e.TokenID,
				"process", e.Process.String(),
				"from", string(e.From),
				"to", string(e.To),
			)
		},
		OnHandlerError: func(ctx context.Context, e *domain.HandlerErrorEvent) {
			level := slog.LevelError
			if e.Caught {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "handler_error",
				"token_id", e.TokenID,
				"step", e.Step,
				"handler", e.Handler,
				"caught", e.Caught,
				"error", e.Err,
			)
		},
	}
}
