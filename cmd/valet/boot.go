package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/audit"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/memory"
	"github.com/haasonsaas/valet/internal/notify"
	"github.com/haasonsaas/valet/internal/observability"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/internal/routing"
	"github.com/haasonsaas/valet/internal/schedule"
	"github.com/haasonsaas/valet/internal/server"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/internal/skills"
	"github.com/haasonsaas/valet/internal/tokens"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/internal/tools/builtin"
	"github.com/haasonsaas/valet/internal/usage"
	"github.com/haasonsaas/valet/internal/window"
	"github.com/haasonsaas/valet/internal/workspace"
	"github.com/haasonsaas/valet/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

// daemonOptions selects which optional subsystems a command boots. The
// serve command runs everything the config enables; chat builds the same
// runtime but keeps the scheduler and control surface off, so it can run
// beside a live daemon without fighting over the job store.
type daemonOptions struct {
	scheduler bool
	server    bool
}

// daemon is the assembled runtime: every component the process needs,
// built once from configuration and torn down in reverse order.
type daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	traceFlush func(context.Context) error

	auditLog  *audit.Logger
	budgetDB  *usage.BudgetDB
	tracker   *usage.Tracker
	sessions  sessions.Store
	memory    *memory.Store
	workspace workspace.Files
	bootstrap workspace.BootstrapResult
	skills    *skills.Registry
	tools     *tools.Registry
	executor  *tools.Executor
	ollama    *providers.OllamaProvider
	anthropic *providers.AnthropicProvider
	router    *routing.Router

	// runtime is the interactive agent surface shared by chat and the
	// control server, wrapped with request metrics and tracing.
	runtime server.AgentRuntime

	jobStore  *schedule.JobStore
	scheduler *schedule.Scheduler
	notifier  *notify.Service
	srv       *server.Server
}

// newDaemon wires the full component graph from cfg. On failure,
// everything opened so far is closed before returning.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts daemonOptions) (d *daemon, err error) {
	d = &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.closeStores()
		}
	}()

	if cfg.Observability.MetricsOn() {
		d.metrics = observability.NewMetrics()
	}
	tracer, flush, traceErr := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "valet",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.OTLPInsecure,
	})
	if traceErr != nil {
		logger.Warn("trace export disabled", "error", traceErr)
	}
	d.tracer = tracer
	d.traceFlush = flush

	if err = os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	d.auditLog, err = audit.New(filepath.Join(cfg.DataDir, "audit.log"), audit.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	d.budgetDB, err = usage.OpenBudgetDB(ctx, filepath.Join(cfg.DataDir, "budget.db"))
	if err != nil {
		return nil, err
	}
	ledger, err := usage.NewLedger(cfg.DataDir, usage.WithLedgerLogger(logger))
	if err != nil {
		return nil, err
	}
	d.tracker, err = usage.NewTracker(ctx, ledger, d.budgetDB, usage.TrackerConfig{
		DailyBudgetUSD:   cfg.Budget.DailyUSD,
		MonthlyBudgetUSD: cfg.Budget.MonthlyUSD,
		CloudInputRate:   cloudInputRate(cfg),
		EstimateTokens:   cfg.Budget.EstimateTokens,
	}, usage.WithTrackerLogger(logger))
	if err != nil {
		return nil, err
	}

	d.bootstrap, err = workspace.Ensure(cfg.Workspace, workspace.DefaultBootstrapFiles())
	if err != nil {
		return nil, err
	}
	d.workspace, err = workspace.Load(cfg.Workspace)
	if err != nil {
		return nil, err
	}

	d.sessions = sessions.NewMemoryStore()
	d.memory = memory.NewStore(cfg.Workspace, memory.WithLogger(logger))

	d.tools = tools.NewRegistry()
	if err = builtin.RegisterAll(d.tools, builtin.Deps{Memory: d.memory}); err != nil {
		return nil, err
	}
	d.executor = tools.NewExecutor(d.tools, tools.ExecutorConfig{
		Timeout:   cfg.Tools.ExecutionTimeout(),
		Audit:     d.auditLog,
		Sanitizer: tools.NewSanitizer(cfg.Tools.MaxUntrustedBytes, logger),
		Logger:    logger,
		Observer:  d.observeTool,
	})

	skillsDir := cfg.Skills.Dir
	if skillsDir == "" {
		skillsDir = filepath.Join(cfg.Workspace, "skills")
	}
	// The directory must exist for the watcher to attach, even when no
	// skills ship with the config.
	if err = os.MkdirAll(skillsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create skills dir %s: %w", skillsDir, err)
	}
	if err = materializeInlineSkills(skillsDir, cfg.Skills.Inline); err != nil {
		return nil, err
	}
	d.skills = skills.NewRegistry(skillsDir, d.tools, logger)
	if err = d.skills.Load(ctx); err != nil {
		return nil, err
	}
	mergeSkillTiers(cfg, d.skills.TierHints(), logger)

	d.ollama = providers.NewOllamaProvider(providers.OllamaConfig{
		BaseURL:   cfg.Providers.Ollama.BaseURL,
		KeepAlive: cfg.Providers.Ollama.KeepAlive,
		Timeout:   time.Duration(cfg.Providers.Ollama.TimeoutSeconds) * time.Second,
	})
	d.anthropic = providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:     config.AnthropicAPIKey(),
		BaseURL:    cfg.Providers.Anthropic.BaseURL,
		MaxRetries: cfg.Providers.Anthropic.MaxRetries,
	})
	d.router = routing.New(cfg.Router, cfg.Tiers, providers.NewRegistry(d.ollama, d.anthropic),
		d.tracker, d.auditLog, routing.WithLogger(logger))

	defaultTier := cfg.Tiers[cfg.Router.DefaultTier]
	budget, err := tokens.NewBudget(defaultTier.ContextWindow, tokens.DefaultPercentages())
	if err != nil {
		return nil, err
	}
	conversationBudget, err := budget.TokensFor(tokens.SectionConversation)
	if err != nil {
		return nil, err
	}

	runtimeCfg := agent.RuntimeConfig{
		Store:      d.sessions,
		Dispatcher: agent.NewDispatcher(agent.FromConfig(cfg.Agents), logger),
		Prompts: agent.NewPromptBuilder(agent.PromptBuilderConfig{
			Workspace: d.workspace,
			Memory:    d.memory,
			Tools:     d.tools,
			Budget:    budget,
			Logger:    logger,
		}),
		Skills:             d.skills,
		Generator:          &observedGenerator{router: d.router, metrics: d.metrics, tracer: d.tracer},
		Executor:           d.executor,
		Tools:              d.tools,
		Usage:              &observedUsage{tracker: d.tracker, metrics: d.metrics},
		Audit:              d.auditLog,
		Compressor:         window.NewTierCompressor(d.router, compressionTier(cfg)),
		Logger:             logger,
		ConversationBudget: conversationBudget,
		CompactionEnabled:  cfg.Context.CompactionOn(),
		SoftThreshold:      cfg.Context.SoftThreshold,
		PreservedTurns:     cfg.Context.PreservedTurns,
	}
	d.runtime = &instrumentedRuntime{
		inner:   agent.NewRuntime(runtimeCfg),
		source:  string(models.SourceInteractive),
		metrics: d.metrics,
		tracer:  d.tracer,
	}

	sink, err := buildSink(cfg.Notifications, logger)
	if err != nil {
		return nil, err
	}
	d.notifier, err = notify.NewService(cfg.Notifications, &observedSink{inner: sink, metrics: d.metrics},
		notify.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if opts.scheduler {
		// Scheduled runs get their own runtime so the tighter turn cap
		// never bleeds into interactive conversations.
		schedCfg := runtimeCfg
		schedCfg.MaxTurns = cfg.Scheduler.MaxTurns
		runner := &instrumentedRuntime{
			inner:   agent.NewRuntime(schedCfg),
			source:  string(models.SourceScheduled),
			metrics: d.metrics,
			tracer:  d.tracer,
		}

		d.jobStore, err = schedule.OpenJobStore(ctx, filepath.Join(cfg.DataDir, "scheduler.db"))
		if err != nil {
			return nil, err
		}
		d.scheduler, err = schedule.NewScheduler(d.jobStore, d.sessions, runner,
			schedule.WithLogger(logger),
			schedule.WithNotifier(d.notifier),
			schedule.WithAudit(d.auditLog),
			schedule.WithRunObserver(d.observeRun),
			schedule.WithTickInterval(time.Duration(cfg.Scheduler.TickSeconds)*time.Second),
		)
		if err != nil {
			return nil, err
		}
	}

	if opts.server {
		d.srv, err = server.New(server.Config{
			Listen:      cfg.Server.Listen,
			AllowRemote: cfg.Server.AllowRemote,
			Runtime:     d.runtime,
			Scheduler:   d.scheduler,
			Usage:       d.tracker,
			Metrics:     d.metrics,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return d, nil
}

// start brings up the background subsystems: skill watching, the
// notification drain loop, job scheduling, and the control surface.
func (d *daemon) start(ctx context.Context) error {
	if d.cfg.Skills.Watch {
		if err := d.skills.Watch(ctx); err != nil {
			d.logger.Warn("skill watcher unavailable", "error", err)
		}
	}
	d.notifier.Start(ctx)

	if d.scheduler != nil {
		restored, err := d.scheduler.Restore(ctx)
		if err != nil {
			return fmt.Errorf("restore jobs: %w", err)
		}
		d.logger.Info("scheduler restored", "jobs", restored)
		if err := d.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	if d.srv != nil {
		if err := d.srv.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// shutdown tears the daemon down in reverse boot order: stop accepting
// work, drain the workers, then close the stores and flush traces.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if d.srv != nil {
		if err := d.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
	}
	if d.scheduler != nil {
		if err := d.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if err := d.notifier.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}
	if err := d.closeStores(); err != nil {
		errs = append(errs, err)
	}
	if d.traceFlush != nil {
		if err := d.traceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

// closeStores releases everything holding a file handle. Safe to call on
// a partially-built daemon.
func (d *daemon) closeStores() error {
	var errs []error
	if d.skills != nil {
		if err := d.skills.Close(); err != nil {
			errs = append(errs, fmt.Errorf("skills: %w", err))
		}
	}
	if d.jobStore != nil {
		if err := d.jobStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("job store: %w", err))
		}
	}
	if d.budgetDB != nil {
		if err := d.budgetDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("budget db: %w", err))
		}
	}
	if d.auditLog != nil {
		if err := d.auditLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}
	return errors.Join(errs...)
}

// checkup logs the boot report: where state lives, which backends
// answer, and what the budget looks like right now.
func (d *daemon) checkup(ctx context.Context) {
	if len(d.bootstrap.Created) > 0 {
		d.logger.Info("workspace seeded", "dir", d.cfg.Workspace, "files", len(d.bootstrap.Created))
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	localUp := d.ollama.Available(probeCtx)
	if localUp {
		model := d.cfg.Tiers[d.cfg.Router.DefaultTier].Model
		if !d.ollama.ModelLoaded(probeCtx, model) {
			d.logger.Warn("default model not pulled", "model", model, "hint", "ollama pull "+model)
		}
	} else {
		d.logger.Warn("ollama unreachable", "base_url", d.cfg.Providers.Ollama.BaseURL)
	}

	summary := d.tracker.Summary()
	d.logger.Info("boot checkup",
		"data_dir", d.cfg.DataDir,
		"local_provider", localUp,
		"cloud_configured", d.anthropic.Available(probeCtx),
		"escalation", d.cfg.Router.EscalationOn(),
		"skills", len(d.skills.List()),
		"tools", len(d.tools.Definitions()),
		"daily_budget_usd", summary.DailyBudgetUSD,
		"spent_today_usd", summary.SpentTodayUSD,
	)
}

func (d *daemon) observeTool(ctx context.Context, tool string, success bool, elapsed time.Duration) {
	d.metrics.RecordToolExecution(tool, success, elapsed.Seconds())
	d.tracer.RecordToolSpan(ctx, tool, success, elapsed)
}

func (d *daemon) observeRun(job string, status schedule.ExecStatus, elapsed time.Duration) {
	d.metrics.RecordScheduledRun(job, string(status), elapsed.Seconds())
}

// instrumentedRuntime wraps the agent runtime with a request counter and
// a server span per request. The Metrics receiver tolerates nil, so the
// wrapper is unconditional.
type instrumentedRuntime struct {
	inner   *agent.Runtime
	source  string
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func (r *instrumentedRuntime) Submit(ctx context.Context, sessionID, text string) (agent.Outcome, error) {
	ctx, span := r.tracer.TraceRequest(ctx, sessionID, r.source)
	out, err := r.inner.Submit(ctx, sessionID, text)
	r.finish(span, out, err)
	return out, err
}

func (r *instrumentedRuntime) SubmitStream(ctx context.Context, sessionID, text string, stream chan<- providers.StreamChunk) (agent.Outcome, error) {
	ctx, span := r.tracer.TraceRequest(ctx, sessionID, r.source)
	out, err := r.inner.SubmitStream(ctx, sessionID, text, stream)
	r.finish(span, out, err)
	return out, err
}

func (r *instrumentedRuntime) Confirm(ctx context.Context, sessionID string) (agent.Outcome, error) {
	ctx, span := r.tracer.TraceRequest(ctx, sessionID, r.source)
	out, err := r.inner.Confirm(ctx, sessionID)
	r.finish(span, out, err)
	return out, err
}

func (r *instrumentedRuntime) Deny(ctx context.Context, sessionID string) (agent.Outcome, error) {
	ctx, span := r.tracer.TraceRequest(ctx, sessionID, r.source)
	out, err := r.inner.Deny(ctx, sessionID)
	r.finish(span, out, err)
	return out, err
}

func (r *instrumentedRuntime) finish(span trace.Span, out agent.Outcome, err error) {
	status := string(out.Status)
	if status == "" {
		status = string(agent.OutcomeFailed)
	}
	r.metrics.RecordRequest(status)
	span.SetAttributes(attribute.String("request.status", status))
	r.tracer.RecordError(span, err)
	span.End()
}

// observedGenerator layers route and provider telemetry over the router.
// The span opens before resolution, so its attributes land after the
// call, once the tier is known.
type observedGenerator struct {
	router  *routing.Router
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func (g *observedGenerator) Generate(ctx context.Context, session *models.Session, req *routing.Request) (*providers.NormalizedResponse, routing.Decision, error) {
	ctx, span := g.tracer.Start(ctx, "llm.generate", trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	resp, decision, err := g.router.Generate(ctx, session, req)

	model := decision.Tier.Model
	var used providers.Usage
	if resp != nil {
		model = resp.Model
		used = resp.Usage
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.RecordRouteDecision(decision.Tier.Name, decision.Reason)
	g.metrics.RecordProviderRequest(decision.Tier.Provider, model, status,
		time.Since(start).Seconds(), used.PromptTokens, used.CompletionTokens)

	span.SetAttributes(
		attribute.String("llm.provider", decision.Tier.Provider),
		attribute.String("llm.tier", decision.Tier.Name),
		attribute.String("llm.model", model),
		attribute.String("llm.route_reason", decision.Reason),
		attribute.Int("llm.prompt_tokens", used.PromptTokens),
		attribute.Int("llm.completion_tokens", used.CompletionTokens),
	)
	g.tracer.RecordError(span, err)
	span.End()
	return resp, decision, err
}

// observedUsage forwards usage records and mirrors cloud cost into the
// spend counter.
type observedUsage struct {
	tracker *usage.Tracker
	metrics *observability.Metrics
}

func (u *observedUsage) Record(ctx context.Context, provider, tier, skill string, resp *providers.NormalizedResponse, latency time.Duration) error {
	if resp != nil && resp.CostUSD > 0 {
		u.metrics.RecordCloudCost(resp.CostUSD)
	}
	return u.tracker.Record(ctx, provider, tier, skill, resp, latency)
}

// observedSink counts deliveries without caring where they land.
type observedSink struct {
	inner   notify.Sink
	metrics *observability.Metrics
}

func (s *observedSink) Deliver(ctx context.Context, n notify.Notification) error {
	if err := s.inner.Deliver(ctx, n); err != nil {
		s.metrics.RecordNotification("error")
		return err
	}
	s.metrics.RecordNotification("delivered")
	return nil
}

// buildSink selects the notification destination: a webhook when one is
// configured, the structured log otherwise.
func buildSink(cfg config.NotifyConfig, logger *slog.Logger) (notify.Sink, error) {
	if strings.TrimSpace(cfg.Webhook) != "" {
		return notify.NewWebhookSink(cfg.Webhook, nil)
	}
	return notify.NewSlogSink(logger), nil
}

// compressionTier picks the summarizer tier: whisper when the config
// defines it, otherwise the router's local fallback.
func compressionTier(cfg *config.Config) string {
	if _, ok := cfg.Tiers[window.SummaryTier]; ok {
		return window.SummaryTier
	}
	return cfg.Router.FallbackLocalTier
}

// cloudInputRate resolves the price the affordability probe charges a
// hypothetical next call: the default tier's escalation target when that
// is a cloud tier, otherwise the first cloud tier by name. With no cloud
// tiers the rate is zero and the probe only checks remaining budget.
func cloudInputRate(cfg *config.Config) float64 {
	if target, ok := cfg.Router.Escalation[cfg.Router.DefaultTier]; ok {
		if tier, ok := cfg.Tiers[target]; ok && tier.IsCloud() {
			return providers.PriceFor(tier.Model).Input
		}
	}
	var names []string
	for name, tier := range cfg.Tiers {
		if tier.IsCloud() {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return 0
	}
	sort.Strings(names)
	return providers.PriceFor(cfg.Tiers[names[0]].Model).Input
}

// materializeInlineSkills writes config-declared skills into the skills
// directory, so the registry, the watcher, and hand-written files share
// one load path. Existing files are never overwritten.
func materializeInlineSkills(dir string, inline []config.SkillConfig) error {
	for _, sk := range inline {
		name := strings.TrimSpace(sk.Name)
		if name == "" {
			continue
		}
		path := filepath.Join(dir, name+".yaml")
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		data, err := yaml.Marshal(sk)
		if err != nil {
			return fmt.Errorf("encode skill %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

// mergeSkillTiers folds tier hints from skill files into the router's
// skill map. Config entries win; hints naming unknown tiers are dropped.
func mergeSkillTiers(cfg *config.Config, hints map[string]string, logger *slog.Logger) {
	for skill, tier := range hints {
		if _, ok := cfg.Router.SkillTiers[skill]; ok {
			continue
		}
		if _, ok := cfg.Tiers[tier]; !ok {
			logger.Warn("skill names unknown tier", "skill", skill, "tier", tier)
			continue
		}
		cfg.Router.SkillTiers[skill] = tier
	}
}
