package main

import (
	"context"
	"fmt"

	"github.com/aretw0/stepflow/internal/presentation/graph"
	"github.com/aretw0/stepflow/internal/presentation/tui"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every process definition",
	Long: `Loads every process of the model source and reports definitions that do not
parse, link unknown steps or ports, or name handlers that are not registered.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			processes, err := a.engine.Validate(ctx)
			if err != nil {
				return fmt.Errorf("validation failed:\n%w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d processes are valid\n", len(processes))
			return nil
		})
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <process>",
	Short: "Describe the steps and ports of a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := qualifier.Parse(args[0])
		if err != nil {
			return err
		}
		style, _ := cmd.Flags().GetString("style")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			def, err := a.engine.Models.Load(ctx, q)
			if err != nil {
				return err
			}
			out := tui.Describe(def)
			w := cmd.OutOrStdout()
			if tui.IsTerminal(w) || cmd.Flags().Changed("style") {
				render, err := tui.NewRenderer(style)
				if err != nil {
					return err
				}
				if out, err = render(out); err != nil {
					return err
				}
			}
			_, err = fmt.Fprint(w, out)
			return err
		})
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph <process>",
	Short: "Export the process graph as a Mermaid diagram",
	Long: `Prints a Mermaid flowchart of the process. With --token the steps the token
visited and the steps it currently sits on are highlighted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := qualifier.Parse(args[0])
		if err != nil {
			return err
		}
		tokenID, _ := cmd.Flags().GetString("token")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			def, err := a.engine.Models.Load(ctx, q)
			if err != nil {
				return err
			}
			var overlay *graph.Overlay
			if tokenID != "" {
				token, err := a.engine.Get(ctx, tokenID)
				if err != nil {
					return err
				}
				overlay = graph.OverlayOf(token)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(def, overlay))
			return err
		})
	},
}

func init() {
	describeCmd.Flags().String("style", "", "Glamour style (dark, light, notty); detected from the terminal by default")
	graphCmd.Flags().String("token", "", "Highlight the path of this token")
	rootCmd.AddCommand(validateCmd, describeCmd, graphCmd)
}
