// Package config loads and validates the runtime configuration.
//
// Configuration is YAML (or JSON5) with ${ENV} expansion and $include
// merging. Credentials are never read from configuration files: the
// Anthropic key comes exclusively from the environment, and the strict
// decoder rejects unknown fields such as api_key outright.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment variables recognized by the runtime.
const (
	EnvConfigPath        = "VALET_CONFIG"
	EnvAnthropicAPIKey   = "VALET_ANTHROPIC_API_KEY"
	EnvAnthropicFallback = "ANTHROPIC_API_KEY"
	EnvEscalationEnabled = "VALET_ESCALATION_ENABLED"
	EnvLogLevel          = "VALET_LOG_LEVEL"
)

// DefaultTierName is the router's tier of last resort.
const DefaultTierName = "workhorse"

// ConfigError marks a configuration problem. Fatal at boot, never
// recoverable at runtime.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func errf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config is the root configuration document.
type Config struct {
	// DataDir holds audit.log, usage ledgers, budget.db and scheduler.db.
	DataDir string `yaml:"data_dir"`
	// Workspace holds soul.md, instructions.md, user.md and the memory dir.
	Workspace string `yaml:"workspace"`

	Log           LogConfig             `yaml:"log"`
	Server        ServerConfig          `yaml:"server"`
	Providers     ProvidersConfig       `yaml:"providers"`
	Tiers         map[string]TierConfig `yaml:"tiers"`
	Router        RouterConfig          `yaml:"router"`
	Budget        BudgetConfig          `yaml:"budget"`
	Context       ContextConfig         `yaml:"context"`
	Tools         ToolsConfig           `yaml:"tools"`
	Agents        []AgentConfig         `yaml:"agents"`
	Skills        SkillsConfig          `yaml:"skills"`
	Scheduler     SchedulerConfig       `yaml:"scheduler"`
	Notifications NotifyConfig          `yaml:"notifications"`
	Observability ObservabilityConfig   `yaml:"observability"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// ServerConfig controls the loopback control surface.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// AllowRemote must be set explicitly to bind outside loopback.
	AllowRemote bool `yaml:"allow_remote"`
}

// ProvidersConfig configures the two backend classes.
type ProvidersConfig struct {
	Ollama    OllamaConfig    `yaml:"ollama"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// OllamaConfig configures the local backend.
type OllamaConfig struct {
	BaseURL        string `yaml:"base_url"`
	KeepAlive      string `yaml:"keep_alive"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AnthropicConfig configures the cloud backend. The API key is intentionally
// absent: it is read from the environment only.
type AnthropicConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// TierConfig is the router's routable unit. Name is filled from the map key
// during normalization.
type TierConfig struct {
	Name          string  `yaml:"-"`
	Provider      string  `yaml:"provider"` // local|cloud
	Model         string  `yaml:"model"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	ContextWindow int     `yaml:"context_window"`
}

// IsCloud reports whether the tier dispatches to the priced backend.
func (t TierConfig) IsCloud() bool { return t.Provider == "cloud" }

// KeywordRule maps trigger keywords to a tier. Rules match in declared
// order; the first hit wins.
type KeywordRule struct {
	Tier     string   `yaml:"tier"`
	Keywords []string `yaml:"keywords"`
}

// RouterConfig controls tier resolution and escalation.
type RouterConfig struct {
	DefaultTier       string            `yaml:"default_tier"`
	FallbackLocalTier string            `yaml:"fallback_local_tier"`
	MaxLocalRetries   int               `yaml:"max_local_retries"`
	EscalationEnabled *bool             `yaml:"escalation_enabled"`
	Keywords          []KeywordRule     `yaml:"keywords"`
	SkillTiers        map[string]string `yaml:"skill_tiers"`
	Escalation        map[string]string `yaml:"escalation"`
}

// EscalationOn reports whether escalation to cloud tiers is permitted,
// honoring the VALET_ESCALATION_ENABLED override.
func (r RouterConfig) EscalationOn() bool {
	if v := os.Getenv(EnvEscalationEnabled); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	if r.EscalationEnabled == nil {
		return true
	}
	return *r.EscalationEnabled
}

// BudgetConfig caps cloud spend.
type BudgetConfig struct {
	DailyUSD       float64 `yaml:"daily_usd"`
	MonthlyUSD     float64 `yaml:"monthly_usd"`
	EstimateTokens int     `yaml:"estimate_tokens"`
}

// ContextConfig controls windowing and cooperative compaction.
type ContextConfig struct {
	CompactionEnabled *bool   `yaml:"compaction_enabled"`
	SoftThreshold     float64 `yaml:"soft_threshold"`
	PreservedTurns    int     `yaml:"preserved_turns"`
}

// CompactionOn reports whether cooperative compaction is enabled.
func (c ContextConfig) CompactionOn() bool {
	return c.CompactionEnabled == nil || *c.CompactionEnabled
}

// ToolsConfig bounds tool execution.
type ToolsConfig struct {
	MaxExecutionTimeSeconds int `yaml:"max_execution_time_seconds"`
	// MaxUntrustedBytes caps sanitized tool output appended to history.
	MaxUntrustedBytes int `yaml:"max_untrusted_bytes"`
}

// ExecutionTimeout returns the per-call deadline.
func (t ToolsConfig) ExecutionTimeout() time.Duration {
	return time.Duration(t.MaxExecutionTimeSeconds) * time.Second
}

// AgentConfig declares one persona.
type AgentConfig struct {
	Name            string   `yaml:"name"`
	Persona         string   `yaml:"persona"`
	ToolPolicy      string   `yaml:"tool_policy"`
	AllowedTools    []string `yaml:"allowed_tools"`
	ModelPreference string   `yaml:"model_preference"` // local|cloud|auto
	Keywords        []string `yaml:"keywords"`
}

// SkillConfig declares one skill inline; the same shape is used for YAML
// files in the skills directory.
type SkillConfig struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	RequiredTools   []string `yaml:"required_tools"`
	ModelPreference string   `yaml:"model_preference"`
	AutoActivate    bool     `yaml:"auto_activate"`
	Triggers        []string `yaml:"triggers"`
	Body            string   `yaml:"body"`
}

// SkillsConfig points at skill sources.
type SkillsConfig struct {
	Dir    string        `yaml:"dir"`
	Inline []SkillConfig `yaml:"inline"`
	Watch  bool          `yaml:"watch"`
}

// SchedulerConfig controls the job scheduler.
type SchedulerConfig struct {
	Enabled     bool `yaml:"enabled"`
	TickSeconds int  `yaml:"tick_seconds"`
	MaxTurns    int  `yaml:"max_turns"`
}

// NotifyConfig controls notification backpressure.
type NotifyConfig struct {
	MaxPerHour       int    `yaml:"max_per_hour"`
	ActiveHoursStart string `yaml:"active_hours_start"`
	ActiveHoursEnd   string `yaml:"active_hours_end"`
	QuietPolicy      string `yaml:"quiet_policy"` // drop|queue
	QueueSize        int    `yaml:"queue_size"`
	Webhook          string `yaml:"webhook"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled *bool  `yaml:"metrics_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	// OTLPInsecure disables TLS to the collector. Collectors usually run
	// on the same host as the daemon, so plaintext is the common case.
	OTLPInsecure bool `yaml:"otlp_insecure"`
}

// MetricsOn reports whether Prometheus collectors are registered.
func (o ObservabilityConfig) MetricsOn() bool {
	return o.MetricsEnabled == nil || *o.MetricsEnabled
}

// DefaultMaxTurns bounds the interactive agent loop.
const DefaultMaxTurns = 12

// Default returns a fully-populated configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := ".valet"
	workspace := "workspace"
	if home != "" {
		dataDir = home + "/.valet"
		workspace = home + "/.valet/workspace"
	}
	return &Config{
		DataDir:   dataDir,
		Workspace: workspace,
		Log:       LogConfig{Level: "info", Format: "text"},
		Server:    ServerConfig{Enabled: true, Listen: "127.0.0.1:8390"},
		Providers: ProvidersConfig{
			Ollama:    OllamaConfig{BaseURL: "http://localhost:11434", KeepAlive: "5m", TimeoutSeconds: 120},
			Anthropic: AnthropicConfig{TimeoutSeconds: 120, MaxRetries: 3},
		},
		Tiers: map[string]TierConfig{
			"whisper":        {Provider: "local", Model: "llama3.2:1b", Temperature: 0.2, MaxTokens: 512, ContextWindow: 8192},
			"workhorse":      {Provider: "local", Model: "llama3.1:8b", Temperature: 0.7, MaxTokens: 1024, ContextWindow: 8192},
			"coder":          {Provider: "local", Model: "qwen2.5-coder:7b", Temperature: 0.3, MaxTokens: 2048, ContextWindow: 16384},
			"thinker":        {Provider: "local", Model: "deepseek-r1:8b", Temperature: 0.8, MaxTokens: 4096, ContextWindow: 16384},
			"cloud_fast":     {Provider: "cloud", Model: "claude-3-5-haiku-latest", Temperature: 0.7, MaxTokens: 1024, ContextWindow: 200000},
			"cloud_standard": {Provider: "cloud", Model: "claude-sonnet-4-20250514", Temperature: 0.7, MaxTokens: 4096, ContextWindow: 200000},
			"cloud_deep":     {Provider: "cloud", Model: "claude-opus-4-1-20250805", Temperature: 0.7, MaxTokens: 8192, ContextWindow: 200000},
		},
		Router: RouterConfig{
			DefaultTier:       DefaultTierName,
			FallbackLocalTier: DefaultTierName,
			MaxLocalRetries:   2,
			Keywords: []KeywordRule{
				{Tier: "coder", Keywords: []string{"code", "debug", "function", "compile", "refactor", "stack trace"}},
				{Tier: "thinker", Keywords: []string{"analyze", "think through", "reason", "tradeoff", "why does"}},
				{Tier: "whisper", Keywords: []string{"summarize", "tl;dr", "one-liner"}},
			},
			SkillTiers: map[string]string{},
			Escalation: map[string]string{
				"whisper":   "cloud_fast",
				"workhorse": "cloud_fast",
				"coder":     "cloud_standard",
				"thinker":   "cloud_deep",
			},
		},
		Budget:  BudgetConfig{DailyUSD: 5.00, MonthlyUSD: 50.00, EstimateTokens: 4096},
		Context: ContextConfig{SoftThreshold: 0.75, PreservedTurns: 3},
		Tools:   ToolsConfig{MaxExecutionTimeSeconds: 30, MaxUntrustedBytes: 16384},
		Agents: []AgentConfig{
			{Name: "default", Persona: "You are a capable, concise personal assistant.", ModelPreference: "auto"},
		},
		Skills:        SkillsConfig{Watch: true},
		Scheduler:     SchedulerConfig{Enabled: true, TickSeconds: 1, MaxTurns: 8},
		Notifications: NotifyConfig{MaxPerHour: 10, ActiveHoursStart: "08:00", ActiveHoursEnd: "22:00", QuietPolicy: "queue", QueueSize: 32},
	}
}

// AnthropicAPIKey returns the cloud credential from the environment, or ""
// when unconfigured.
func AnthropicAPIKey() string {
	if key := os.Getenv(EnvAnthropicAPIKey); key != "" {
		return key
	}
	return os.Getenv(EnvAnthropicFallback)
}

// LogLevel resolves the effective log level, preferring the environment.
func (c *Config) LogLevel() string {
	if v := os.Getenv(EnvLogLevel); v != "" {
		return strings.ToLower(v)
	}
	if c.Log.Level != "" {
		return strings.ToLower(c.Log.Level)
	}
	return "info"
}

// Normalize fills derived fields and defaults omitted sections in place.
func (c *Config) Normalize() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Workspace == "" {
		c.Workspace = def.Workspace
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Server.Listen == "" {
		c.Server.Listen = def.Server.Listen
	}
	if c.Providers.Ollama.BaseURL == "" {
		c.Providers.Ollama.BaseURL = def.Providers.Ollama.BaseURL
	}
	if c.Providers.Ollama.KeepAlive == "" {
		c.Providers.Ollama.KeepAlive = def.Providers.Ollama.KeepAlive
	}
	if c.Providers.Ollama.TimeoutSeconds <= 0 {
		c.Providers.Ollama.TimeoutSeconds = def.Providers.Ollama.TimeoutSeconds
	}
	if c.Providers.Anthropic.TimeoutSeconds <= 0 {
		c.Providers.Anthropic.TimeoutSeconds = def.Providers.Anthropic.TimeoutSeconds
	}
	if c.Providers.Anthropic.MaxRetries <= 0 {
		c.Providers.Anthropic.MaxRetries = def.Providers.Anthropic.MaxRetries
	}
	if len(c.Tiers) == 0 {
		c.Tiers = def.Tiers
	}
	for name, tier := range c.Tiers {
		tier.Name = name
		if tier.ContextWindow <= 0 {
			tier.ContextWindow = 8192
		}
		if tier.MaxTokens <= 0 {
			tier.MaxTokens = 1024
		}
		c.Tiers[name] = tier
	}
	if c.Router.DefaultTier == "" {
		c.Router.DefaultTier = def.Router.DefaultTier
	}
	if c.Router.FallbackLocalTier == "" {
		c.Router.FallbackLocalTier = def.Router.FallbackLocalTier
	}
	if c.Router.MaxLocalRetries <= 0 {
		c.Router.MaxLocalRetries = def.Router.MaxLocalRetries
	}
	// Defaulted rules are pruned to tiers that actually exist so a custom
	// tier set does not trip validation; explicitly configured rules still
	// hard-fail on unknown tiers.
	if c.Router.Keywords == nil {
		for _, rule := range def.Router.Keywords {
			if _, ok := c.Tiers[rule.Tier]; ok {
				c.Router.Keywords = append(c.Router.Keywords, rule)
			}
		}
		if c.Router.Keywords == nil {
			c.Router.Keywords = []KeywordRule{}
		}
	}
	if c.Router.SkillTiers == nil {
		c.Router.SkillTiers = map[string]string{}
	}
	if len(c.Router.Escalation) == 0 {
		c.Router.Escalation = map[string]string{}
		for from, to := range def.Router.Escalation {
			if _, ok := c.Tiers[to]; ok {
				c.Router.Escalation[from] = to
			}
		}
	}
	if c.Budget.DailyUSD <= 0 {
		c.Budget.DailyUSD = def.Budget.DailyUSD
	}
	if c.Budget.MonthlyUSD <= 0 {
		c.Budget.MonthlyUSD = def.Budget.MonthlyUSD
	}
	if c.Budget.EstimateTokens <= 0 {
		c.Budget.EstimateTokens = def.Budget.EstimateTokens
	}
	if c.Context.SoftThreshold <= 0 || c.Context.SoftThreshold > 1 {
		c.Context.SoftThreshold = def.Context.SoftThreshold
	}
	if c.Context.PreservedTurns <= 0 {
		c.Context.PreservedTurns = def.Context.PreservedTurns
	}
	if c.Tools.MaxExecutionTimeSeconds <= 0 {
		c.Tools.MaxExecutionTimeSeconds = def.Tools.MaxExecutionTimeSeconds
	}
	if c.Tools.MaxUntrustedBytes <= 0 {
		c.Tools.MaxUntrustedBytes = def.Tools.MaxUntrustedBytes
	}
	if len(c.Agents) == 0 {
		c.Agents = def.Agents
	}
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = def.Scheduler.TickSeconds
	}
	if c.Scheduler.MaxTurns <= 0 {
		c.Scheduler.MaxTurns = def.Scheduler.MaxTurns
	}
	if c.Notifications.MaxPerHour <= 0 {
		c.Notifications.MaxPerHour = def.Notifications.MaxPerHour
	}
	if c.Notifications.ActiveHoursStart == "" {
		c.Notifications.ActiveHoursStart = def.Notifications.ActiveHoursStart
	}
	if c.Notifications.ActiveHoursEnd == "" {
		c.Notifications.ActiveHoursEnd = def.Notifications.ActiveHoursEnd
	}
	if c.Notifications.QuietPolicy == "" {
		c.Notifications.QuietPolicy = def.Notifications.QuietPolicy
	}
	if c.Notifications.QueueSize <= 0 {
		c.Notifications.QueueSize = def.Notifications.QueueSize
	}
}

// Validate checks cross-field consistency. Returned errors are ConfigError.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errf("data_dir", "is required")
	}
	for name, tier := range c.Tiers {
		if tier.Provider != "local" && tier.Provider != "cloud" {
			return errf("tiers."+name+".provider", "must be local or cloud, got %q", tier.Provider)
		}
		if tier.Model == "" {
			return errf("tiers."+name+".model", "is required")
		}
	}
	if _, ok := c.Tiers[c.Router.DefaultTier]; !ok {
		return errf("router.default_tier", "unknown tier %q", c.Router.DefaultTier)
	}
	fallback, ok := c.Tiers[c.Router.FallbackLocalTier]
	if !ok {
		return errf("router.fallback_local_tier", "unknown tier %q", c.Router.FallbackLocalTier)
	}
	if fallback.IsCloud() {
		return errf("router.fallback_local_tier", "%q is a cloud tier", c.Router.FallbackLocalTier)
	}
	for i, rule := range c.Router.Keywords {
		if _, ok := c.Tiers[rule.Tier]; !ok {
			return errf(fmt.Sprintf("router.keywords[%d].tier", i), "unknown tier %q", rule.Tier)
		}
	}
	for skill, tier := range c.Router.SkillTiers {
		if _, ok := c.Tiers[tier]; !ok {
			return errf("router.skill_tiers."+skill, "unknown tier %q", tier)
		}
	}
	for from, to := range c.Router.Escalation {
		if _, ok := c.Tiers[to]; !ok {
			return errf("router.escalation."+from, "unknown tier %q", to)
		}
	}
	seen := map[string]bool{}
	for i, agent := range c.Agents {
		if agent.Name == "" {
			return errf(fmt.Sprintf("agents[%d].name", i), "is required")
		}
		lower := strings.ToLower(agent.Name)
		if seen[lower] {
			return errf(fmt.Sprintf("agents[%d].name", i), "duplicate agent %q", agent.Name)
		}
		seen[lower] = true
		switch agent.ModelPreference {
		case "", "local", "cloud", "auto":
		default:
			return errf(fmt.Sprintf("agents[%d].model_preference", i), "must be local, cloud or auto")
		}
	}
	switch c.Notifications.QuietPolicy {
	case "drop", "queue":
	default:
		return errf("notifications.quiet_policy", "must be drop or queue, got %q", c.Notifications.QuietPolicy)
	}
	return nil
}
