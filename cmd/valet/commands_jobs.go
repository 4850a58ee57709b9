package main

import (
	"github.com/spf13/cobra"
)

// buildJobsCmd groups the scheduler management commands. They all talk
// to a running daemon over its control surface; editing the job store
// directly would desync the daemon's in-memory schedule.
func buildJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs on a running daemon",
	}
	cmd.AddCommand(
		buildJobsListCmd(),
		buildJobsAddCmd(),
		buildJobsRemoveCmd(),
		buildJobsPauseCmd(),
		buildJobsResumeCmd(),
		buildJobsStatusCmd(),
		buildJobsHistoryCmd(),
	)
	return cmd
}

func addDaemonFlags(cmd *cobra.Command, configPath, addr *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", "", "Path to configuration file (default valet.yaml, or VALET_CONFIG)")
	cmd.Flags().StringVar(addr, "addr", "", "Daemon address (default from server.listen in the config)")
}

func buildJobsListCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsList(cmd, configPath, addr)
		},
	}
	addDaemonFlags(cmd, &configPath, &addr)
	return cmd
}

func buildJobsAddCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		cronExpr   string
		everyMin   int
		delay      string
		prompt     string
		notifyUser bool
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a job",
		Long: `Create a scheduled job on the running daemon.

Exactly one schedule flag is required:

  --cron "0 8 * * *"   recurring, five-field cron expression
  --every 30           recurring, every N minutes
  --in 90m             one-shot, after a delay (30s, 90m, 2h, 1d)

Example:

  valet jobs add morning-brief --cron "0 8 * * *" \
    --prompt "Summarize my day" --notify`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsAdd(cmd, configPath, addr, args[0], cronExpr, everyMin, delay, prompt, notifyUser)
		},
	}
	addDaemonFlags(cmd, &configPath, &addr)
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Five-field cron expression")
	cmd.Flags().IntVar(&everyMin, "every", 0, "Run every N minutes")
	cmd.Flags().StringVar(&delay, "in", "", "Run once after a delay (30s, 90m, 2h, 1d)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt the agent runs when the job fires (required)")
	cmd.Flags().BoolVar(&notifyUser, "notify", false, "Deliver the result as a notification")
	return cmd
}

func buildJobsRemoveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"remove"},
		Short:   "Remove a job and its history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsRemove(cmd, configPath, addr, args[0])
		},
	}
	addDaemonFlags(cmd, &configPath, &addr)
	return cmd
}

func buildJobsPauseCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "pause NAME",
		Short: "Pause a job without losing its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsToggle(cmd, configPath, addr, args[0], true)
		},
	}
	addDaemonFlags(cmd, &configPath, &addr)
	return cmd
}

func buildJobsResumeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "resume NAME",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsToggle(cmd, configPath, addr, args[0], false)
		},
	}
	addDaemonFlags(cmd, &configPath, &addr)
	return cmd
}

func buildJobsStatusCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "status NAME",
		Short: "Show a job and its last execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsStatus(cmd, configPath, addr, args[0])
		},
	}
	addDaemonFlags(cmd, &configPath, &addr)
	return cmd
}

func buildJobsHistoryCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history NAME",
		Short: "Show recent executions of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsHistory(cmd, configPath, addr, args[0], limit)
		},
	}
	addDaemonFlags(cmd, &configPath, &addr)
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of executions to show")
	return cmd
}
