package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/stepflow"
	"github.com/aretw0/stepflow/internal/presentation/tui"
	httpAdapter "github.com/aretw0/stepflow/pkg/adapters/http"
	"github.com/aretw0/stepflow/pkg/persistence/middleware"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and the worker pool",
	Long: `Exposes the engine as a JSON API over HTTP, streams token diffs and model
notifications over SSE and runs the worker pool that advances queued tokens.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTPAddr = addr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		masker, err := newMasker(cfg)
		if err != nil {
			return err
		}
		streams := httpAdapter.NewStreamManager(logger)
		listener := streams.PublishDiff
		if masker != nil {
			listener = middleware.MaskDiffs(masker, streams.PublishDiff)
		}
		a, err := newApp(ctx, cfg, logger, stepflow.WithDiffListener(listener))
		if err != nil {
			return err
		}
		defer closeApp(a)
		a.engine.Notifier.AddNamed("sse", streams)

		opts := []httpAdapter.Option{
			httpAdapter.WithStreams(streams),
			httpAdapter.WithNotifier(a.engine.Notifier),
			httpAdapter.WithCatalog(a.engine.Models),
			httpAdapter.WithVersion(stepflow.Version),
			httpAdapter.WithLogger(logger),
		}
		if a.requests != nil {
			opts = append(opts, httpAdapter.WithRequestQueue(a.requests))
		}
		if a.metrics != nil {
			opts = append(opts, httpAdapter.WithMetricsHandler(a.metrics.Handler()))
		}
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpAdapter.NewServer(a.engine.Scheduler, opts...).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		tui.PrintBanner(cmd.ErrOrStderr(), stepflow.Version)
		errs := make(chan error, 2)
		go func() {
			logger.Info("HTTP server listening", "address", srv.Addr, "models", cfg.Models, "store", cfg.Store)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
		go func() {
			errs <- a.engine.Run(ctx)
		}()

		select {
		case err := <-errs:
			stop()
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown did not complete", "timeout", shutdownTimeout, "err", err)
			return srv.Close()
		}
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool without the HTTP surface",
	Long: `Consumes the ready and request queues until interrupted. Several workers share
tokens through the Redis queue and distributed locks.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Queue == "none" {
			return errors.New("worker needs a queue: set --queue memory or redis")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeApp(a)
		logger.Info("worker started", "workers", cfg.Workers, "queue", cfg.Queue)
		return a.engine.Run(ctx)
	},
}

func closeApp(a *app) {
	if err := a.Close(context.Background()); err != nil {
		logger.Warn("close failed", "err", err)
	}
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from STEPFLOW_HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd, workerCmd)
}
