package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/observability"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/internal/server"
	"github.com/haasonsaas/valet/pkg/models"
)

const chatShutdownGrace = 5 * time.Second

func runChat(cmd *cobra.Command, configPath, message string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// Chat is a foreground tool; keep its own log noise out of the
	// conversation unless the config says otherwise.
	if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}
	logger := observability.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	// No scheduler and no listener: chat can run beside a live daemon
	// without fighting over the job store or the port.
	d, err := newDaemon(ctx, cfg, logger, daemonOptions{})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), chatShutdownGrace)
		defer cancel()
		if err := d.shutdown(shutdownCtx); err != nil {
			logger.Warn("chat shutdown incomplete", "error", err)
		}
	}()

	sessionID := uuid.NewString()
	out := cmd.OutOrStdout()

	if strings.TrimSpace(message) != "" {
		return oneShot(ctx, d.runtime, out, sessionID, message)
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return repl(ctx, d.runtime, out, in, sessionID)
	}

	// Piped input: read it all and submit once.
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	piped := strings.TrimSpace(string(data))
	if piped == "" {
		return fmt.Errorf("no message given: pass one as an argument or pipe it on stdin")
	}
	return oneShot(ctx, d.runtime, out, sessionID, piped)
}

// oneShot submits a single message and prints the reply. Gated tool
// calls are denied: nobody is at the keyboard to approve them, and the
// in-memory session evaporates when the process exits anyway.
func oneShot(ctx context.Context, rt server.AgentRuntime, out io.Writer, sessionID, message string) error {
	outcome, err := rt.Submit(ctx, sessionID, message)
	if err != nil && outcome.Status != agent.OutcomePendingConfirmation {
		return err
	}

	if outcome.Status == agent.OutcomePendingConfirmation {
		fmt.Fprintf(out, "[denied: %s requires confirmation, which needs an interactive session]\n", describeCall(outcome.PendingCall))
		outcome, err = rt.Deny(ctx, sessionID)
		if err != nil {
			return err
		}
	}

	switch outcome.Status {
	case agent.OutcomeCompleted:
		if content := strings.TrimSpace(outcome.Content); content != "" {
			fmt.Fprintln(out, content)
		}
		return nil
	case agent.OutcomeFailed:
		return outcome.Err
	default:
		return fmt.Errorf("unexpected outcome %q", outcome.Status)
	}
}

func repl(ctx context.Context, rt server.AgentRuntime, out io.Writer, in io.Reader, sessionID string) error {
	fmt.Fprintln(out, "valet chat (/new for a fresh session, /quit to exit)")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = uuid.NewString()
			fmt.Fprintln(out, "started a fresh session")
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := replTurn(ctx, rt, out, scanner, sessionID, line); err != nil {
			return err
		}
	}
}

// replTurn streams one reply to the terminal and walks any confirmation
// prompts the turn raises.
func replTurn(ctx context.Context, rt server.AgentRuntime, out io.Writer, scanner *bufio.Scanner, sessionID, line string) error {
	chunks := make(chan providers.StreamChunk, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range chunks {
			if chunk.Text != "" {
				fmt.Fprint(out, chunk.Text)
			}
		}
	}()

	fmt.Fprint(out, "valet> ")
	outcome, err := rt.SubmitStream(ctx, sessionID, line, chunks)
	close(chunks)
	<-done
	fmt.Fprintln(out)

	switch outcome.Status {
	case agent.OutcomeCompleted:
		return nil
	case agent.OutcomePendingConfirmation:
		return confirmFlow(ctx, rt, out, scanner, sessionID, outcome.PendingCall)
	default:
		// Keep the REPL alive on request failures; a dead local model
		// should not eat the conversation so far.
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		return nil
	}
}

// confirmFlow prompts for approval of a parked tool call and resolves
// it. Approval can surface another gated call, so the flow recurses
// until the turn completes.
func confirmFlow(ctx context.Context, rt server.AgentRuntime, out io.Writer, scanner *bufio.Scanner, sessionID string, call *models.ToolCall) error {
	fmt.Fprintf(out, "assistant wants to run %s\napprove? [y/N] ", describeCall(call))
	if !scanner.Scan() {
		// EOF mid-prompt: deny so the session is not left parked.
		fmt.Fprintln(out)
		_, err := rt.Deny(ctx, sessionID)
		return err
	}

	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	var outcome agent.Outcome
	var err error
	if answer == "y" || answer == "yes" {
		outcome, err = rt.Confirm(ctx, sessionID)
	} else {
		outcome, err = rt.Deny(ctx, sessionID)
	}
	if err != nil && outcome.Status != agent.OutcomePendingConfirmation {
		return err
	}

	switch outcome.Status {
	case agent.OutcomeCompleted:
		if content := strings.TrimSpace(outcome.Content); content != "" {
			fmt.Fprintln(out, content)
		}
		return nil
	case agent.OutcomePendingConfirmation:
		return confirmFlow(ctx, rt, out, scanner, sessionID, outcome.PendingCall)
	default:
		if outcome.Err != nil {
			fmt.Fprintf(out, "error: %v\n", outcome.Err)
		}
		return nil
	}
}

func describeCall(call *models.ToolCall) string {
	if call == nil {
		return "a tool"
	}
	if len(call.Arguments) == 0 {
		return call.Name
	}
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		return call.Name
	}
	return call.Name + " " + string(args)
}
