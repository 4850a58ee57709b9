package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/pkg/models"
)

// scriptedRuntime pops queued outcomes in order, whichever method asks.
// A turn that goes pending and then completes is two queue entries.
type scriptedRuntime struct {
	mu      sync.Mutex
	queue   []agent.Outcome
	chunks  []providers.StreamChunk
	submits []string
	confirm int
	deny    int
}

func (s *scriptedRuntime) next() agent.Outcome {
	if len(s.queue) == 0 {
		return agent.Outcome{Status: agent.OutcomeCompleted}
	}
	out := s.queue[0]
	s.queue = s.queue[1:]
	return out
}

func (s *scriptedRuntime) Submit(_ context.Context, _, text string) (agent.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, text)
	return s.next(), nil
}

func (s *scriptedRuntime) SubmitStream(_ context.Context, _, text string, stream chan<- providers.StreamChunk) (agent.Outcome, error) {
	s.mu.Lock()
	s.submits = append(s.submits, text)
	chunks := s.chunks
	out := s.next()
	s.mu.Unlock()
	for _, chunk := range chunks {
		stream <- chunk
	}
	return out, nil
}

func (s *scriptedRuntime) Confirm(context.Context, string) (agent.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirm++
	return s.next(), nil
}

func (s *scriptedRuntime) Deny(context.Context, string) (agent.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny++
	return s.next(), nil
}

func TestOneShotPrintsReply(t *testing.T) {
	rt := &scriptedRuntime{queue: []agent.Outcome{
		{Status: agent.OutcomeCompleted, Content: "All set."},
	}}
	var buf bytes.Buffer

	if err := oneShot(context.Background(), rt, &buf, "s1", "hello"); err != nil {
		t.Fatalf("oneShot: %v", err)
	}
	if got := buf.String(); got != "All set.\n" {
		t.Fatalf("output = %q, want %q", got, "All set.\n")
	}
	if len(rt.submits) != 1 || rt.submits[0] != "hello" {
		t.Fatalf("submits = %v", rt.submits)
	}
}

func TestOneShotDeniesGatedCalls(t *testing.T) {
	rt := &scriptedRuntime{queue: []agent.Outcome{
		{Status: agent.OutcomePendingConfirmation, PendingCall: &models.ToolCall{Name: "shell", Arguments: map[string]any{"command": "rm -rf /tmp/x"}}},
		{Status: agent.OutcomeCompleted, Content: "Skipped the cleanup."},
	}}
	var buf bytes.Buffer

	if err := oneShot(context.Background(), rt, &buf, "s1", "clean up"); err != nil {
		t.Fatalf("oneShot: %v", err)
	}
	if rt.deny != 1 {
		t.Fatalf("deny calls = %d, want 1", rt.deny)
	}
	out := buf.String()
	if !strings.Contains(out, "[denied: shell") {
		t.Fatalf("output missing denial notice: %q", out)
	}
	if !strings.Contains(out, "Skipped the cleanup.") {
		t.Fatalf("output missing final reply: %q", out)
	}
}

func TestReplQuitEndsSession(t *testing.T) {
	rt := &scriptedRuntime{}
	var buf bytes.Buffer

	err := repl(context.Background(), rt, &buf, strings.NewReader("/quit\n"), "s1")
	if err != nil {
		t.Fatalf("repl: %v", err)
	}
	if len(rt.submits) != 0 {
		t.Fatalf("quit should not submit, got %v", rt.submits)
	}
	if !strings.Contains(buf.String(), "you> ") {
		t.Fatalf("missing prompt in %q", buf.String())
	}
}

func TestReplStreamsAndConfirms(t *testing.T) {
	rt := &scriptedRuntime{
		queue: []agent.Outcome{
			{Status: agent.OutcomePendingConfirmation, PendingCall: &models.ToolCall{Name: "shell"}},
			{Status: agent.OutcomeCompleted, Content: "Done: 3 files moved."},
		},
		chunks: []providers.StreamChunk{{Text: "Let me check the folder."}},
	}
	var buf bytes.Buffer
	in := strings.NewReader("tidy my downloads\ny\n/quit\n")

	if err := repl(context.Background(), rt, &buf, in, "s1"); err != nil {
		t.Fatalf("repl: %v", err)
	}
	if rt.confirm != 1 {
		t.Fatalf("confirm calls = %d, want 1", rt.confirm)
	}
	out := buf.String()
	for _, want := range []string{"Let me check the folder.", "approve? [y/N]", "Done: 3 files moved."} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestReplDeniesOnEOFMidPrompt(t *testing.T) {
	rt := &scriptedRuntime{queue: []agent.Outcome{
		{Status: agent.OutcomePendingConfirmation, PendingCall: &models.ToolCall{Name: "shell"}},
	}}
	var buf bytes.Buffer

	// Input ends right after the message, so the approval prompt hits EOF.
	err := repl(context.Background(), rt, &buf, strings.NewReader("run it\n"), "s1")
	if err != nil {
		t.Fatalf("repl: %v", err)
	}
	if rt.deny != 1 {
		t.Fatalf("deny calls = %d, want 1", rt.deny)
	}
}

func TestReplAnythingButYesDenies(t *testing.T) {
	rt := &scriptedRuntime{queue: []agent.Outcome{
		{Status: agent.OutcomePendingConfirmation, PendingCall: &models.ToolCall{Name: "shell"}},
		{Status: agent.OutcomeCompleted, Content: "Understood, leaving it alone."},
	}}
	var buf bytes.Buffer
	in := strings.NewReader("run it\nnope\n/quit\n")

	if err := repl(context.Background(), rt, &buf, in, "s1"); err != nil {
		t.Fatalf("repl: %v", err)
	}
	if rt.deny != 1 || rt.confirm != 0 {
		t.Fatalf("deny=%d confirm=%d, want 1/0", rt.deny, rt.confirm)
	}
	if !strings.Contains(buf.String(), "Understood, leaving it alone.") {
		t.Fatalf("output missing post-denial reply:\n%s", buf.String())
	}
}

func TestDescribeCall(t *testing.T) {
	if got := describeCall(nil); got != "a tool" {
		t.Fatalf("describeCall(nil) = %q", got)
	}
	got := describeCall(&models.ToolCall{Name: "shell", Arguments: map[string]any{"command": "ls"}})
	if !strings.HasPrefix(got, "shell ") || !strings.Contains(got, `"ls"`) {
		t.Fatalf("describeCall = %q", got)
	}
	if got := describeCall(&models.ToolCall{Name: "current_time"}); got != "current_time" {
		t.Fatalf("describeCall without args = %q", got)
	}
}
