package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/stepflow/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "stepflow",
	Short: "Stepflow runs business processes defined as step graphs",
	Long: `Stepflow executes process definitions (steps joined by entry and exit ports)
for many concurrent tokens, suspending and resuming them across long-running steps.

Settings come from STEPFLOW_* environment variables; flags override them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		parsed, err := config.Parse()
		if err != nil {
			return err
		}
		applyFlags(cmd.Flags(), &parsed)
		if err := parsed.Validate(); err != nil {
			return err
		}
		cfg = parsed
		logger = newLogger(cfg)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("models", "", "Directory (or Loam repository) holding process definitions")
	flags.String("model-source", "", "Model source: file or loam")
	flags.String("model", "", "Model name of a Loam repository")
	flags.String("store", "", "Token store: memory, file, sqlite or redis")
	flags.String("data-dir", "", "Directory of the file store")
	flags.String("sqlite", "", "Path of the SQLite database")
	flags.String("redis", "", "Redis address")
	flags.String("handlers", "", "File binding handler ids to external commands")
	flags.String("queue", "", "Ready queue: none, memory or redis")
	flags.Int("workers", 0, "Worker pool size")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: text or json")
	flags.BoolP("watch", "w", false, "Reload process definitions when they change")
}

// applyFlags copies explicitly set flags over the environment configuration.
func applyFlags(flags *pflag.FlagSet, c *config.Config) {
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("models", &c.Models)
	str("model-source", &c.ModelSource)
	str("model", &c.Model)
	str("store", &c.Store)
	str("data-dir", &c.DataDir)
	str("sqlite", &c.SQLitePath)
	str("redis", &c.RedisAddr)
	str("handlers", &c.Handlers)
	str("queue", &c.Queue)
	str("log-level", &c.LogLevel)
	str("log-format", &c.LogFormat)
	if flags.Changed("workers") {
		c.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("watch") {
		c.Watch, _ = flags.GetBool("watch")
	}
}
