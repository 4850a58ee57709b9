package builtin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

// DefaultMaxCommandOutput bounds captured stdout and stderr, each.
const DefaultMaxCommandOutput = 64000

// ExecResult is the outcome of one sandboxed command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox runs a shell command on behalf of the model. Implementations own
// isolation; the local default executes directly on the host, which is why
// the shell tool is confirmation-gated.
type Sandbox interface {
	Run(ctx context.Context, command, dir string) (ExecResult, error)
}

// LocalSandbox runs commands through /bin/sh on the host. The execution
// deadline arrives via ctx from the tool executor.
type LocalSandbox struct {
	// MaxOutputBytes caps captured stdout and stderr each. Zero means
	// DefaultMaxCommandOutput.
	MaxOutputBytes int
}

// Run implements Sandbox.
func (s *LocalSandbox) Run(ctx context.Context, command, dir string) (ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return ExecResult{}, fmt.Errorf("command is required")
	}
	maxOutput := s.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxCommandOutput
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	stdout := newLimitedBuffer(maxOutput)
	stderr := newLimitedBuffer(maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(err),
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Non-zero exit is a result, not a transport failure.
			return result, nil
		}
		return result, err
	}
	return result, nil
}

type shellParams struct {
	Command    string `json:"command" jsonschema:"required,description=Shell command to run with /bin/sh -c"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Directory to run the command in"`
}

// Shell returns the shell tool. Output is untrusted and every call needs
// user confirmation before it runs. A nil sandbox falls back to the local
// runner.
func Shell(sandbox Sandbox) tools.Definition {
	if sandbox == nil {
		sandbox = &LocalSandbox{}
	}
	return tools.Definition{
		Name:                 "shell",
		Description:          "Run a shell command and return its output.",
		Parameters:           mustSchema[shellParams](),
		RequiresConfirmation: true,
		Trust:                tools.TrustUntrusted,
		Handler: func(ctx context.Context, args map[string]any, _ *models.Session) models.ToolResult {
			result, err := sandbox.Run(ctx, stringArg(args, "command"), stringArg(args, "working_dir"))
			if err != nil {
				return models.Failf("Command failed to start: %v", err)
			}

			output := combineOutput(result)
			if result.ExitCode != 0 {
				return models.Failf("exit status %d\n%s", result.ExitCode, output)
			}
			return models.OKWithMetadata(output, map[string]any{"exit_code": result.ExitCode})
		},
	}
}

func combineOutput(result ExecResult) string {
	out := strings.TrimRight(result.Stdout, "\n")
	if result.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += "[stderr]\n" + strings.TrimRight(result.Stderr, "\n")
	}
	if out == "" {
		out = "(no output)"
	}
	return out
}

// limitedBuffer keeps the first max bytes written and silently drops the
// rest, so a chatty command cannot blow up the transcript.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
