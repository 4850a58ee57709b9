package main

import (
	"github.com/spf13/cobra"
)

func buildUsageCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show cloud spend against the configured budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd, configPath, addr)
		},
	}
	addDaemonFlags(cmd, &configPath, &addr)
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, addr)
		},
	}
	addDaemonFlags(cmd, &configPath, &addr)
	return cmd
}
