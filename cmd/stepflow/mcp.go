package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/stepflow"
	"github.com/aretw0/stepflow/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes the engine to AI agents as MCP tools (start, get, resume, cancel and
outputs of tokens) and resources (the deployed processes).

Supported transports:
- stdio (default): standard input and output, for local process integration.
- sse: Server-Sent Events over HTTP, for remote agents.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		baseURL, _ := cmd.Flags().GetString("base-url")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Tokens advance inline so that each tool call returns the blocked token.
		inline := cfg
		inline.Queue = "none"
		a, err := newApp(ctx, inline, logger)
		if err != nil {
			return err
		}
		defer closeApp(a)
		go func() {
			if err := a.engine.Run(ctx); err != nil {
				logger.Error("engine stopped", "err", err)
			}
		}()

		srv := mcp.NewServer(a.engine.Scheduler, a.engine.Models, stepflow.Version, mcp.WithLogger(logger))
		switch transport {
		case "stdio":
			// Logs go to stderr; stdout carries JSON-RPC.
			logger.Info("starting MCP server (stdio)")
			return srv.ServeStdio()
		case "sse":
			if baseURL == "" {
				baseURL = "http://localhost" + cfg.MCPAddr
			}
			err := srv.ServeSSE(ctx, cfg.MCPAddr, baseURL)
			if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("MCP server stopped gracefully")
			return nil
		default:
			return fmt.Errorf("unknown transport %q: supported are stdio and sse", transport)
		}
	},
}

func init() {
	mcpCmd.Flags().String("transport", "stdio", "Transport protocol: stdio or sse")
	mcpCmd.Flags().String("base-url", "", "Public base URL of the SSE endpoint")
	rootCmd.AddCommand(mcpCmd)
}
