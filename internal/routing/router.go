// Package routing decides which model tier serves a request and folds
// fallback, escalation, and budget gating into one dispatch path.
//
// Resolution is a first-match chain: session override, caller tier, skill
// mapping, keyword scan, default. Cloud tiers pass through a budget gate
// that silently downgrades to a local tier when spend caps are hit. Local
// responses pass through a quality gate that can promote the request to
// the paired cloud tier.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/valet/internal/audit"
	"github.com/haasonsaas/valet/internal/backoff"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

// Decision reasons, in resolution-order terms. budget_exhausted and
// escalation_disabled replace the original reason when a gate rewrites
// the tier choice.
const (
	ReasonUserOverride       = "user_override"
	ReasonExplicitTier       = "explicit_tier"
	ReasonSkillMapping       = "skill_mapping"
	ReasonKeywordMatch       = "keyword_match"
	ReasonDefault            = "default"
	ReasonBudgetExhausted    = "budget_exhausted"
	ReasonEscalationDisabled = "escalation_disabled"
)

// Decision is the routing outcome: the tier that will (or did) serve the
// request and why it was chosen.
type Decision struct {
	Tier   config.TierConfig `json:"tier"`
	Reason string            `json:"reason"`
}

// BudgetGate is the slice of the usage tracker the router consults before
// dispatching to a priced tier.
type BudgetGate interface {
	CanUseCloud(estimatedTokens int) bool
}

// Request is a routed completion request. The router picks the tier,
// turns this into a provider request, and handles retries and escalation.
type Request struct {
	Messages []*models.Message
	System   string
	Tools    []tools.Definition

	// RequestedTier is the caller-supplied tier, empty for automatic
	// resolution.
	RequestedTier string

	// ActiveSkills are the skill names injected into the prompt, in
	// activation order. Consulted for skill to tier mapping.
	ActiveSkills []string

	// AgentPreference is the dispatched agent's provider preference
	// (local, cloud, or auto). It is the weakest signal in the chain:
	// consulted only when resolution otherwise lands on the default
	// tier.
	AgentPreference string

	// Stream, when non-nil, receives incremental chunks. Local responses
	// are buffered until they clear the quality gate and then replayed,
	// so rejected attempts never leak onto the stream; direct cloud
	// responses stream live.
	Stream chan<- providers.StreamChunk
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithSleep replaces the backoff sleeper. Tests use this to skip real
// delays.
func WithSleep(sleep func(ctx context.Context, policy backoff.Policy, attempt int) error) Option {
	return func(r *Router) { r.sleep = sleep }
}

// Router resolves tiers and dispatches requests to providers.
type Router struct {
	cfg       config.RouterConfig
	tiers     map[string]config.TierConfig
	providers *providers.Registry
	budget    BudgetGate
	audit     *audit.Logger
	logger    *slog.Logger
	policy    backoff.Policy
	sleep     func(ctx context.Context, policy backoff.Policy, attempt int) error
}

// New builds a Router. budget may be nil, in which case cloud dispatch is
// never budget-gated (useful for local-only deployments where no cloud
// tier exists anyway).
func New(cfg config.RouterConfig, tiers map[string]config.TierConfig, reg *providers.Registry, budget BudgetGate, auditLog *audit.Logger, opts ...Option) *Router {
	r := &Router{
		cfg:       cfg,
		tiers:     tiers,
		providers: reg,
		budget:    budget,
		audit:     auditLog,
		logger:    slog.Default(),
		policy:    backoff.LocalPolicy(),
		sleep:     backoff.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks the tier for a request without dispatching it. The budget
// and escalation-disabled gates are applied, so the returned tier is the
// one Generate would actually call.
func (r *Router) Resolve(ctx context.Context, session *models.Session, message, requestedTier string, activeSkills []string) Decision {
	return r.resolve(ctx, session, message, requestedTier, activeSkills, "")
}

// ResolveForAgent is Resolve with an agent-level provider preference
// applied at the weakest precedence: it only adjusts a default-reason
// decision, and the gates run after the adjustment.
func (r *Router) ResolveForAgent(ctx context.Context, session *models.Session, message, requestedTier string, activeSkills []string, preference string) Decision {
	return r.resolve(ctx, session, message, requestedTier, activeSkills, preference)
}

func (r *Router) resolve(ctx context.Context, session *models.Session, message, requestedTier string, activeSkills []string, preference string) Decision {
	d := r.resolveBase(session, message, requestedTier, activeSkills)

	if d.Reason == ReasonDefault {
		if p := normalizePreference(preference); p != "" {
			d.Tier = r.constrainProvider(d.Tier, p)
		}
	}

	if !d.Tier.IsCloud() {
		return d
	}

	if !r.cfg.EscalationOn() {
		fallback := r.localFallback()
		r.logger.Debug("cloud tier suppressed, escalation disabled",
			"from_tier", d.Tier.Name, "to_tier", fallback.Name)
		return Decision{Tier: fallback, Reason: ReasonEscalationDisabled}
	}

	if r.budget != nil && !r.budget.CanUseCloud(0) {
		fallback := r.localFallback()
		r.logger.Warn("cloud budget exhausted, downgrading",
			"from_tier", d.Tier.Name, "to_tier", fallback.Name)
		if r.audit != nil {
			r.audit.BudgetDowngrade(sessionID(session), d.Tier.Name, fallback.Name)
		}
		return Decision{Tier: fallback, Reason: ReasonBudgetExhausted}
	}

	return d
}

// resolveBase runs the first-match resolution chain without gates.
func (r *Router) resolveBase(session *models.Session, message, requestedTier string, activeSkills []string) Decision {
	if session != nil && session.ForcedProvider != models.ForceNone {
		natural := r.resolveAutomatic(message, requestedTier, activeSkills)
		return Decision{
			Tier:   r.constrainProvider(natural.Tier, string(session.ForcedProvider)),
			Reason: ReasonUserOverride,
		}
	}
	return r.resolveAutomatic(message, requestedTier, activeSkills)
}

// resolveAutomatic is the chain below the session override: caller tier,
// skill mapping, keyword scan, default.
func (r *Router) resolveAutomatic(message, requestedTier string, activeSkills []string) Decision {
	if requestedTier != "" {
		if tier, ok := r.tier(requestedTier); ok {
			return Decision{Tier: tier, Reason: ReasonExplicitTier}
		}
		r.logger.Warn("requested tier not configured, ignoring", "tier", requestedTier)
	}

	for _, skill := range activeSkills {
		name, ok := r.cfg.SkillTiers[skill]
		if !ok {
			continue
		}
		if tier, tok := r.tier(name); tok {
			return Decision{Tier: tier, Reason: ReasonSkillMapping}
		}
		r.logger.Warn("skill maps to unconfigured tier, ignoring", "skill", skill, "tier", name)
	}

	if name := r.matchKeywords(message); name != "" {
		if tier, ok := r.tier(name); ok {
			return Decision{Tier: tier, Reason: ReasonKeywordMatch}
		}
		r.logger.Warn("keyword rule maps to unconfigured tier, ignoring", "tier", name)
	}

	tier, ok := r.tier(r.defaultTierName())
	if !ok {
		r.logger.Error("default tier not configured", "tier", r.defaultTierName())
	}
	return Decision{Tier: tier, Reason: ReasonDefault}
}

// normalizePreference maps an agent model preference onto a provider
// name. "auto", empty, and unknown values mean no preference.
func normalizePreference(pref string) string {
	switch strings.ToLower(strings.TrimSpace(pref)) {
	case providers.ProviderLocal:
		return providers.ProviderLocal
	case providers.ProviderCloud:
		return providers.ProviderCloud
	}
	return ""
}

// matchKeywords scans the user message against the configured rules in
// declared order. First hit wins.
func (r *Router) matchKeywords(message string) string {
	if message == "" {
		return ""
	}
	lower := strings.ToLower(message)
	for _, rule := range r.cfg.Keywords {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return rule.Tier
			}
		}
	}
	return ""
}

// constrainProvider maps a tier onto the forced provider: a tier already
// on that provider stands, otherwise the nearest tier on the forced side
// is substituted (the escalation pairing for cloud, the local fallback for
// local).
func (r *Router) constrainProvider(tier config.TierConfig, provider string) config.TierConfig {
	if tier.Provider == provider {
		return tier
	}
	if provider == providers.ProviderCloud {
		if esc, ok := r.escalationTarget(tier.Name); ok {
			return esc
		}
		return tier
	}
	return r.localFallback()
}

// escalationTarget returns the cloud tier paired with a local tier.
func (r *Router) escalationTarget(name string) (config.TierConfig, bool) {
	target, ok := r.cfg.Escalation[name]
	if !ok {
		return config.TierConfig{}, false
	}
	return r.tier(target)
}

// localFallback returns the configured fallback local tier.
func (r *Router) localFallback() config.TierConfig {
	name := r.cfg.FallbackLocalTier
	if name == "" {
		name = r.defaultTierName()
	}
	tier, ok := r.tier(name)
	if !ok {
		r.logger.Error("fallback local tier not configured", "tier", name)
	}
	return tier
}

func (r *Router) defaultTierName() string {
	if r.cfg.DefaultTier != "" {
		return r.cfg.DefaultTier
	}
	return config.DefaultTierName
}

// tier looks up a tier by name, stamping the name into the returned
// config.
func (r *Router) tier(name string) (config.TierConfig, bool) {
	t, ok := r.tiers[name]
	if !ok {
		return config.TierConfig{}, false
	}
	t.Name = name
	return t, true
}

// maxLocalRetries returns the retry budget for local provider errors.
func (r *Router) maxLocalRetries() int {
	if r.cfg.MaxLocalRetries > 0 {
		return r.cfg.MaxLocalRetries
	}
	return 0
}

// Generate resolves a tier and runs the request to completion, applying
// local retries, the quality gate, and escalation. The returned Decision
// names the tier that produced the response; escalated responses carry
// EscalatedFrom as well.
func (r *Router) Generate(ctx context.Context, session *models.Session, req *Request) (*providers.NormalizedResponse, Decision, error) {
	message := lastUserMessage(req.Messages)
	decision := r.resolve(ctx, session, message, req.RequestedTier, req.ActiveSkills, req.AgentPreference)
	if decision.Tier.Name == "" {
		return nil, decision, fmt.Errorf("no tier resolved for request")
	}

	if decision.Tier.IsCloud() {
		resp, err := r.dispatch(ctx, decision.Tier, req, req.Stream)
		return resp, decision, err
	}

	return r.generateLocal(ctx, session, req, decision)
}

// generateLocal runs the local dispatch loop: bounded retries on
// retryable provider errors, then the quality gate, escalating to the
// paired cloud tier when allowed.
func (r *Router) generateLocal(ctx context.Context, session *models.Session, req *Request, decision Decision) (*providers.NormalizedResponse, Decision, error) {
	tier := decision.Tier

	resp, err := r.dispatch(ctx, tier, req, nil)
	for attempt := 1; err != nil && attempt <= r.maxLocalRetries(); attempt++ {
		if providers.IsSecurityError(err) || !providers.IsRetryable(err) {
			break
		}
		r.logger.Warn("local tier failed, retrying",
			"tier", tier.Name, "attempt", attempt, "error", err)
		if serr := r.sleep(ctx, r.policy, attempt); serr != nil {
			return nil, decision, serr
		}
		resp, err = r.dispatch(ctx, tier, req, nil)
	}

	if err != nil {
		if providers.IsSecurityError(err) {
			return nil, decision, err
		}
		return r.escalateAfterError(ctx, session, req, decision, err)
	}

	if reason := LowQuality(resp, req.Tools); reason != "" {
		return r.escalateAfterQuality(ctx, session, req, decision, resp, reason)
	}

	r.replay(req.Stream, resp)
	return resp, decision, nil
}

// escalateAfterError promotes a failed local request to the paired cloud
// tier. When escalation is blocked the local error stands and the
// decision reason says why no recovery was attempted.
func (r *Router) escalateAfterError(ctx context.Context, session *models.Session, req *Request, decision Decision, localErr error) (*providers.NormalizedResponse, Decision, error) {
	if ctx.Err() != nil {
		return nil, decision, localErr
	}

	perr, _ := providers.GetProviderError(localErr)
	escReason := "provider_error"
	if perr != nil {
		escReason = string(perr.Reason)
	}

	target, allowed := r.escalationAllowed(session, decision.Tier)
	if !allowed.ok {
		decision.Reason = allowed.reason
		return nil, decision, localErr
	}

	if r.audit != nil {
		r.audit.Escalation(sessionID(session), decision.Tier.Name, target.Name, escReason)
	}
	r.logger.Info("escalating after local failure",
		"from_tier", decision.Tier.Name, "to_tier", target.Name, "reason", escReason)

	resp, cloudErr := r.dispatch(ctx, target, req, req.Stream)
	if cloudErr != nil {
		return nil, decision, errors.Join(localErr, cloudErr)
	}

	resp.EscalatedFrom = decision.Tier.Name
	decision.Tier = target
	return resp, decision, nil
}

// escalateAfterQuality promotes a low-quality local response to the
// paired cloud tier. The local response stands when escalation is blocked
// or the cloud attempt fails.
func (r *Router) escalateAfterQuality(ctx context.Context, session *models.Session, req *Request, decision Decision, local *providers.NormalizedResponse, reason string) (*providers.NormalizedResponse, Decision, error) {
	target, allowed := r.escalationAllowed(session, decision.Tier)
	if !allowed.ok {
		r.logger.Debug("low-quality local response kept",
			"tier", decision.Tier.Name, "quality", reason, "blocked_by", allowed.reason)
		decision.Reason = allowed.reason
		r.replay(req.Stream, local)
		return local, decision, nil
	}

	if r.audit != nil {
		r.audit.Escalation(sessionID(session), decision.Tier.Name, target.Name, reason)
	}
	r.logger.Info("escalating low-quality local response",
		"from_tier", decision.Tier.Name, "to_tier", target.Name, "reason", reason)

	resp, err := r.dispatch(ctx, target, req, req.Stream)
	if err != nil {
		r.logger.Warn("escalation failed, keeping local response",
			"to_tier", target.Name, "error", err)
		r.replay(req.Stream, local)
		return local, decision, nil
	}

	resp.EscalatedFrom = decision.Tier.Name
	decision.Tier = target
	return resp, decision, nil
}

// escalationBlock explains why an escalation did not happen.
type escalationBlock struct {
	ok     bool
	reason string
}

// escalationAllowed checks the escalation switch, the tier pairing, and
// the budget, returning the target tier when all three clear.
func (r *Router) escalationAllowed(session *models.Session, from config.TierConfig) (config.TierConfig, escalationBlock) {
	if !r.cfg.EscalationOn() {
		return config.TierConfig{}, escalationBlock{reason: ReasonEscalationDisabled}
	}
	if session != nil && session.ForcedProvider == models.ForceLocal {
		return config.TierConfig{}, escalationBlock{reason: ReasonUserOverride}
	}
	target, ok := r.escalationTarget(from.Name)
	if !ok {
		r.logger.Warn("no escalation tier configured", "from_tier", from.Name)
		return config.TierConfig{}, escalationBlock{reason: ReasonEscalationDisabled}
	}
	if r.budget != nil && !r.budget.CanUseCloud(0) {
		return config.TierConfig{}, escalationBlock{reason: ReasonBudgetExhausted}
	}
	return target, escalationBlock{ok: true}
}

// dispatch builds the provider request for a tier and runs it. stream may
// be nil for buffered generation.
func (r *Router) dispatch(ctx context.Context, tier config.TierConfig, req *Request, stream chan<- providers.StreamChunk) (*providers.NormalizedResponse, error) {
	provider, err := r.providers.Get(tier.Provider)
	if err != nil {
		return nil, err
	}

	preq := &providers.GenerateRequest{
		Messages:      req.Messages,
		System:        req.System,
		Model:         tier.Model,
		Tools:         req.Tools,
		Temperature:   tier.Temperature,
		MaxTokens:     tier.MaxTokens,
		ContextWindow: tier.ContextWindow,
	}

	if stream != nil {
		return provider.GenerateStream(ctx, preq, stream)
	}
	return provider.Generate(ctx, preq)
}

// replay delivers a buffered response to a stream as if it had arrived
// incrementally. No-op for nil streams.
func (r *Router) replay(stream chan<- providers.StreamChunk, resp *providers.NormalizedResponse) {
	if stream == nil || resp == nil {
		return
	}
	if resp.Content != "" {
		stream <- providers.StreamChunk{Text: resp.Content}
	}
	for i := range resp.ToolCalls {
		call := resp.ToolCalls[i]
		stream <- providers.StreamChunk{ToolCall: &call}
	}
	stream <- providers.StreamChunk{Done: true}
}

// lastUserMessage returns the content of the most recent user message,
// the signal the keyword rules scan.
func lastUserMessage(messages []*models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func sessionID(session *models.Session) string {
	if session == nil {
		return ""
	}
	return session.ID
}
