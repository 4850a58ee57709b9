package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Router.DefaultTier != "workhorse" {
		t.Errorf("default tier = %q, want workhorse", cfg.Router.DefaultTier)
	}
	if _, ok := cfg.Tiers["cloud_deep"]; !ok {
		t.Error("default tiers missing cloud_deep")
	}
	if cfg.Budget.DailyUSD != 5.00 {
		t.Errorf("daily budget = %v, want 5.00", cfg.Budget.DailyUSD)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "valet.yaml", `
data_dir: /tmp/valet-test
budget:
  daily_usd: 2.5
router:
  default_tier: whisper
  fallback_local_tier: whisper
tiers:
  whisper:
    provider: local
    model: llama3.2:1b
    context_window: 4096
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/tmp/valet-test" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Budget.DailyUSD != 2.5 {
		t.Errorf("daily_usd = %v, want 2.5", cfg.Budget.DailyUSD)
	}
	if cfg.Router.DefaultTier != "whisper" {
		t.Errorf("default_tier = %q, want whisper", cfg.Router.DefaultTier)
	}
	if tier := cfg.Tiers["whisper"]; tier.Name != "whisper" {
		t.Errorf("tier name not normalized: %q", tier.Name)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	// Credentials in config files must be rejected, not silently read.
	path := writeConfig(t, "valet.yaml", `
providers:
  anthropic:
    api_key: sk-ant-forbidden
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for api_key field in config")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error type = %T, want *ConfigError", err)
	}
}

func TestLoad_UnknownTierReference(t *testing.T) {
	path := writeConfig(t, "valet.yaml", `
router:
  default_tier: imaginary
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown default tier")
	}
	if !strings.Contains(err.Error(), "imaginary") {
		t.Errorf("error = %v, want mention of the unknown tier", err)
	}
}

func TestLoad_CloudFallbackRejected(t *testing.T) {
	path := writeConfig(t, "valet.yaml", `
router:
  fallback_local_tier: cloud_fast
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for cloud fallback tier")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("VALET_TEST_DATA_DIR", "/tmp/expanded")
	path := writeConfig(t, "valet.yaml", "data_dir: ${VALET_TEST_DATA_DIR}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/tmp/expanded" {
		t.Errorf("data_dir = %q, want /tmp/expanded", cfg.DataDir)
	}
}

func TestLoad_Include(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("data_dir: /tmp/from-include\nbudget:\n  daily_usd: 1.0\n"), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "valet.yaml")
	if err := os.WriteFile(main, []byte("$include: base.yaml\nbudget:\n  daily_usd: 3.0\n"), 0o600); err != nil {
		t.Fatalf("write main: %v", err)
	}
	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/tmp/from-include" {
		t.Errorf("data_dir = %q, want value from include", cfg.DataDir)
	}
	if cfg.Budget.DailyUSD != 3.0 {
		t.Errorf("daily_usd = %v, want override 3.0", cfg.Budget.DailyUSD)
	}
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(a); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestRouterConfig_EscalationEnvOverride(t *testing.T) {
	r := RouterConfig{}
	if !r.EscalationOn() {
		t.Error("escalation should default on")
	}
	t.Setenv(EnvEscalationEnabled, "false")
	if r.EscalationOn() {
		t.Error("env override should disable escalation")
	}
	t.Setenv(EnvEscalationEnabled, "true")
	off := false
	r.EscalationEnabled = &off
	if !r.EscalationOn() {
		t.Error("env override should win over config")
	}
}

func TestAnthropicAPIKey_EnvOnly(t *testing.T) {
	t.Setenv(EnvAnthropicAPIKey, "")
	t.Setenv(EnvAnthropicFallback, "")
	if AnthropicAPIKey() != "" {
		t.Error("expected empty key with no env")
	}
	t.Setenv(EnvAnthropicFallback, "fallback-key")
	if AnthropicAPIKey() != "fallback-key" {
		t.Error("fallback env not honored")
	}
	t.Setenv(EnvAnthropicAPIKey, "primary-key")
	if AnthropicAPIKey() != "primary-key" {
		t.Error("primary env should win")
	}
}

func TestValidate_DuplicateAgents(t *testing.T) {
	cfg := Default()
	cfg.Agents = []AgentConfig{{Name: "Max"}, {Name: "max"}}
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate agent error")
	}
}
