package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Workdir != want.Workdir {
		t.Errorf("Workdir = %q, want %q", cfg.Workdir, want.Workdir)
	}
	if cfg.Context.MaxFileBytes != want.Context.MaxFileBytes {
		t.Errorf("Context.MaxFileBytes = %d, want %d", cfg.Context.MaxFileBytes, want.Context.MaxFileBytes)
	}
	if cfg.Execution.RetryCeiling != want.Execution.RetryCeiling {
		t.Errorf("Execution.RetryCeiling = %d, want %d", cfg.Execution.RetryCeiling, want.Execution.RetryCeiling)
	}
	if !cfg.UI.Color {
		t.Error("UI.Color default should be true")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := Default()
	cfg.ActiveProvider = "anthropic"
	cfg.ActiveModel = "claude"
	cfg.Workdir = "/srv/project"
	cfg.Providers["anthropic"] = ProviderDefaults{DefaultModel: "claude"}
	cfg.Execution.ConcurrencyCeiling = 1
	cfg.Execution.DefaultTimeout = 90 * time.Second

	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path, err := Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ActiveProvider != cfg.ActiveProvider {
		t.Errorf("ActiveProvider = %q, want %q", got.ActiveProvider, cfg.ActiveProvider)
	}
	if got.ActiveModel != cfg.ActiveModel {
		t.Errorf("ActiveModel = %q, want %q", got.ActiveModel, cfg.ActiveModel)
	}
	if got.Workdir != cfg.Workdir {
		t.Errorf("Workdir = %q, want %q", got.Workdir, cfg.Workdir)
	}
	if got.Providers["anthropic"].DefaultModel != "claude" {
		t.Errorf("Providers[anthropic].DefaultModel = %q, want claude", got.Providers["anthropic"].DefaultModel)
	}
	if got.Execution.DefaultTimeout != 90*time.Second {
		t.Errorf("Execution.DefaultTimeout = %v, want 90s", got.Execution.DefaultTimeout)
	}
}

func TestSavedFileNeverContainsAPIKeyField(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := Default()
	cfg.ActiveProvider = "openai"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path, err := Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if filepath.Ext(path) != ".yaml" {
		t.Fatalf("unexpected config extension: %s", path)
	}
	if containsAPIKeyLooking(string(raw)) {
		t.Errorf("persisted config unexpectedly contains an api-key-looking field:\n%s", raw)
	}
}

func containsAPIKeyLooking(s string) bool {
	for _, needle := range []string{"api_key", "apikey", "api-key"} {
		if indexFold(s, needle) >= 0 {
			return true
		}
	}
	return false
}

func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func TestEnvOverlayOverridesPersistedValue(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := Default()
	cfg.ActiveProvider = "from-file"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	t.Setenv("APC_ACTIVE_PROVIDER", "from-env")

	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ActiveProvider != "from-env" {
		t.Errorf("ActiveProvider = %q, want env override from-env", got.ActiveProvider)
	}
}

func TestCredentialForReadsProviderSpecificEnvVar(t *testing.T) {
	t.Setenv("APC_ANTHROPIC_API_KEY", "sk-test-123")

	key, ok := CredentialFor("anthropic")
	if !ok || key != "sk-test-123" {
		t.Errorf("CredentialFor(anthropic) = (%q, %v), want (sk-test-123, true)", key, ok)
	}

	if _, ok := CredentialFor("unconfigured-provider"); ok {
		t.Error("CredentialFor should report false for a provider with no matching env var")
	}
}

func TestLoadCredentialEnvMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	if err := LoadCredentialEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadCredentialEnv on missing file: %v", err)
	}
}

func TestLoadCredentialEnvLoadsPresentFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("APC_OPENAI_API_KEY=sk-from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := LoadCredentialEnv(envPath); err != nil {
		t.Fatalf("LoadCredentialEnv: %v", err)
	}
	key, ok := CredentialFor("openai")
	if !ok || key != "sk-from-dotenv" {
		t.Errorf("CredentialFor(openai) = (%q, %v), want (sk-from-dotenv, true)", key, ok)
	}
}
