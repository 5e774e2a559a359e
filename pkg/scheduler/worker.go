package scheduler

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Run drains the ready queue with the worker pool, and the request queue when one is
// configured, until ctx is done. Failures of individual tokens are logged; Run only
// returns early for queue errors.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.ready == nil {
		return errors.New("run: no ready queue configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range s.workers {
		g.Go(func() error {
			return s.work(ctx, i)
		})
	}
	if s.requests != nil {
		g.Go(func() error {
			return s.receive(ctx)
		})
	}

	s.logger.InfoContext(ctx, "scheduler running", "workers", s.workers, "requests", s.requests != nil)
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Scheduler) work(ctx context.Context, worker int) error {
	logger := s.logger.With("worker", worker)
	for {
		id, err := s.ready.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		token, err := s.Process(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.ErrorContext(ctx, "process failed", "token_id", id, "err", err)
			continue
		}
		logger.DebugContext(ctx, "token processed", "token_id", id, "status", string(token.Status))
	}
}

func (s *Scheduler) receive(ctx context.Context) error {
	for {
		req, err := s.requests.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.HandleStartRequest(ctx, req)
	}
}
