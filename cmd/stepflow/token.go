package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/spf13/cobra"
)

// withApp builds the app for a one-shot command and closes it afterwards. Tokens
// advance inline: the command returns once they block.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	oneShot := cfg
	oneShot.Queue = "none"
	a, err := newApp(ctx, oneShot, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}()
	return fn(ctx, a)
}

func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayP("param", "p", nil, "Parameter as key=value (repeatable)")
	cmd.Flags().String("params", "", "Parameters as a JSON object")
	cmd.Flags().Bool("json", false, "Print the token as JSON")
}

func paramsOf(cmd *cobra.Command) (map[string]any, error) {
	pairs, _ := cmd.Flags().GetStringArray("param")
	raw, _ := cmd.Flags().GetString("params")
	return parseParams(raw, pairs)
}

var runCmd = &cobra.Command{
	Use:   "run <process>",
	Short: "Start a process and advance it until it blocks",
	Long: `Starts a token on the process (e.g. /orders/Order, or /orders/Order.Named to use
a named start step) and advances it inline until it completes, fails or waits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, err := qualifier.Parse(args[0])
		if err != nil {
			return err
		}
		params, err := paramsOf(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			token, err := a.engine.Start(ctx, entry, params)
			if err != nil {
				return err
			}
			return printToken(cmd.OutOrStdout(), token, asJSON, a.masker)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <token-id> <step[.port]>",
	Short: "Resume a waiting token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := paramsOf(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			token, err := a.engine.Resume(ctx, args[0], args[1], params)
			if err != nil {
				return err
			}
			return printToken(cmd.OutOrStdout(), token, asJSON, a.masker)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <token-id>",
	Short: "Cancel a token that is not advancing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			token, err := a.engine.Cancel(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return printToken(cmd.OutOrStdout(), token, false, a.masker)
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect persisted tokens",
	Long:  `List, inspect and remove tokens of the configured store.`,
}

var tokenLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ids, err := a.store.List(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tokens found.")
				return nil
			}
			for _, id := range ids {
				token, err := a.store.Load(ctx, id)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "- %s (unreadable: %v)\n", id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "- %s %s %s\n", id, token.Process, token.Status)
			}
			return nil
		})
	},
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect <token-id>",
	Short: "Print a token as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			token, err := a.engine.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printToken(cmd.OutOrStdout(), token, true, a.masker)
		})
	},
}

var tokenOutputsCmd = &cobra.Command{
	Use:   "outputs <token-id>",
	Short: "Print the outputs of a completed token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			out, err := a.engine.Outputs(ctx, args[0])
			if err != nil {
				return err
			}
			if a.masker != nil {
				out = a.masker.Params(out)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		})
	},
}

var tokenRmCmd = &cobra.Command{
	Use:   "rm <token-id>...",
	Short: "Remove one or more tokens",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			failed := 0
			for _, id := range args {
				if err := a.store.Delete(ctx, id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error removing '%s': %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed token '%s'\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tokens not removed", failed, len(args))
			}
			return nil
		})
	},
}

func init() {
	addParamFlags(runCmd)
	addParamFlags(resumeCmd)
	cancelCmd.Flags().String("reason", "cancelled from the command line", "Reason recorded on the token")

	tokenCmd.AddCommand(tokenLsCmd, tokenInspectCmd, tokenOutputsCmd, tokenRmCmd)
	rootCmd.AddCommand(runCmd, resumeCmd, cancelCmd, tokenCmd)
}
