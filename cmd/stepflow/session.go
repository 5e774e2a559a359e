package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage observer sessions",
}

var sessionIssueCmd = &cobra.Command{
	Use:   "issue <subject>",
	Short: "Issue a signed session for a remote observer",
	Long: `Signs a session token with STEPFLOW_SESSION_KEY. Remote observers present it in
the X-Stepflow-Session header to subscribe to model notifications.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.SessionKey == "" {
			return errors.New("STEPFLOW_SESSION_KEY is not set")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		session, err := newSessions(cfg).Issue(args[0], ttl)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), session)
		return err
	},
}

func init() {
	sessionIssueCmd.Flags().Duration("ttl", 24*time.Hour, "Validity of the session")
	sessionCmd.AddCommand(sessionIssueCmd)
	rootCmd.AddCommand(sessionCmd)
}
