package notify

import (
	"context"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// Observer receives model change events. model.Manager implements it.
type Observer interface {
	ModelUpdated(ctx context.Context, q qualifier.Qualifier, mode domain.UpdateMode) error
	ModelReset(ctx context.Context) error
}

// ObserverFuncs adapts plain functions to Observer. Nil fields ignore the event.
type ObserverFuncs struct {
	Updated func(ctx context.Context, q qualifier.Qualifier, mode domain.UpdateMode) error
	Reset   func(ctx context.Context) error
}

func (o ObserverFuncs) ModelUpdated(ctx context.Context, q qualifier.Qualifier, mode domain.UpdateMode) error {
	if o.Updated == nil {
		return nil
	}
	return o.Updated(ctx, q, mode)
}

func (o ObserverFuncs) ModelReset(ctx context.Context) error {
	if o.Reset == nil {
		return nil
	}
	return o.Reset(ctx)
}
