package main

import (
	"strings"

	"github.com/spf13/cobra"
)

// buildChatCmd creates the chat command: an interactive REPL on a
// terminal, a one-shot request otherwise.
func buildChatCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant",
		Long: `Talk to the assistant in this terminal.

With no arguments on a terminal, chat opens a REPL; tool calls that need
confirmation prompt inline. With a message argument, or with input piped
on stdin, chat submits once, prints the reply, and exits. Gated tool
calls are denied in one-shot mode since nobody can approve them.

The chat runtime is self-contained: it shares the workspace, memory, and
budget state with the daemon but runs no scheduler and binds no port.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default valet.yaml, or VALET_CONFIG)")
	return cmd
}
