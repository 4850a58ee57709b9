package window

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/valet/internal/backoff"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/internal/routing"
	"github.com/haasonsaas/valet/pkg/models"
)

// scriptedProvider answers every request with a fixed response or error.
type scriptedProvider struct {
	resp  *providers.NormalizedResponse
	err   error
	calls int
	reqs  []*providers.GenerateRequest
}

func (p *scriptedProvider) Generate(_ context.Context, req *providers.GenerateRequest) (*providers.NormalizedResponse, error) {
	p.calls++
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *scriptedProvider) GenerateStream(ctx context.Context, req *providers.GenerateRequest, chunks chan<- providers.StreamChunk) (*providers.NormalizedResponse, error) {
	resp, err := p.Generate(ctx, req)
	if err == nil && chunks != nil {
		chunks <- providers.StreamChunk{Text: resp.Content, Done: true}
	}
	return resp, err
}

func (p *scriptedProvider) Available(context.Context) bool           { return true }
func (p *scriptedProvider) ModelLoaded(context.Context, string) bool { return true }

func newCompressorRouter(t *testing.T, local providers.Provider) *routing.Router {
	t.Helper()
	t.Setenv(config.EnvEscalationEnabled, "")
	cfg := config.Default()
	disabled := false
	cfg.Router.EscalationEnabled = &disabled
	return routing.New(cfg.Router, cfg.Tiers, providers.NewRegistry(local, nil), nil, nil,
		routing.WithLogger(quietLogger()),
		routing.WithSleep(func(context.Context, backoff.Policy, int) error { return nil }),
	)
}

func TestTierCompressorSummarizes(t *testing.T) {
	local := &scriptedProvider{resp: &providers.NormalizedResponse{
		Content:      "User planned a garden and ordered seeds.",
		FinishReason: providers.FinishStop,
	}}
	comp := NewTierCompressor(newCompressorRouter(t, local), "")

	msgs := []*models.Message{
		user("Help me plan the garden layout"),
		assistant("Sure, start with the sunny border."),
	}
	got, err := comp.Summarize(context.Background(), msgs, 100)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "User planned a garden and ordered seeds." {
		t.Errorf("summary = %q", got)
	}
	if len(local.reqs) != 1 {
		t.Fatalf("provider called %d times, want 1", len(local.reqs))
	}
	req := local.reqs[0]
	if req.Model != "llama3.2:1b" {
		t.Errorf("summary ran on model %s, want the whisper tier model", req.Model)
	}
	if req.System == "" || !strings.Contains(req.System, "summary") {
		t.Errorf("summarization system prompt missing: %q", req.System)
	}
	if !strings.Contains(req.Messages[0].Content, "user: Help me plan the garden layout") {
		t.Errorf("transcript missing user line:\n%s", req.Messages[0].Content)
	}
}

func TestTierCompressorEmptyTranscript(t *testing.T) {
	local := &scriptedProvider{}
	comp := NewTierCompressor(newCompressorRouter(t, local), "")

	got, err := comp.Summarize(context.Background(), nil, 100)
	if err != nil || got != "" {
		t.Errorf("Summarize(nil) = %q, %v; want empty, nil", got, err)
	}
	if local.calls != 0 {
		t.Errorf("provider called %d times for an empty transcript", local.calls)
	}
}

func TestTierCompressorPropagatesRouterError(t *testing.T) {
	local := &scriptedProvider{err: &providers.ProviderError{
		Reason:  providers.ReasonInvalidRequest,
		Message: "model missing",
	}}
	comp := NewTierCompressor(newCompressorRouter(t, local), "")

	_, err := comp.Summarize(context.Background(), []*models.Message{user("hello there")}, 100)
	if err == nil {
		t.Fatal("Summarize swallowed the provider error")
	}
}

func TestRenderTranscriptSkipsMarkersAndBlanks(t *testing.T) {
	msgs := []*models.Message{
		user("real question"),
		{Role: models.RoleUser, Content: flushInstruction},
		assistant("   "),
		assistant("real answer"),
	}
	got := renderTranscript(msgs)
	if strings.Contains(got, "CONTEXT MAINTENANCE") {
		t.Errorf("transcript leaked maintenance marker:\n%s", got)
	}
	want := "user: real question\nassistant: real answer"
	if got != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}
}
