// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

logging:
  level: "debug"
  format: "json"

conversation:
  max_sessions: 25
  compaction_threshold: 30
  context_window: 8
  default_provider: "openai"
  default_model: "gpt-4o"
  temperature: 0.5

providers:
  registered:
    - id: "openai"
      model: "gpt-4o"
      available_models:
        - "gpt-4o"
        - "gpt-4o-mini"
    - id: "anthropic"
      model: "claude-sonnet"
  session_cost_ceiling: 5.0
  session_token_ceiling: 200000
  auto_switch: true
  failure_threshold: 3
  probe_timeout: "5s"

summarizer:
  enabled: false
  model: "gpt-4o-mini"
  timeout: "30s"

history:
  retention_days: 14
  max_conversations: 50
  search_enabled: true

sync:
  initial_page_size: 25
  cache_limit: 100

analytics:
  retention_days: 7
  ideal_duration: "10m"

persistence:
  auto_save_interval: "30s"
  retention_interval: "1h"
  health_interval: "1m"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Conversation.MaxSessions != 25 {
		t.Errorf("Conversation.MaxSessions = %d, want 25", cfg.Conversation.MaxSessions)
	}
	if cfg.Conversation.CompactionThreshold != 30 {
		t.Errorf("Conversation.CompactionThreshold = %d, want 30", cfg.Conversation.CompactionThreshold)
	}
	if cfg.Conversation.Temperature != 0.5 {
		t.Errorf("Conversation.Temperature = %v, want 0.5", cfg.Conversation.Temperature)
	}

	if len(cfg.Providers.Registered) != 2 {
		t.Fatalf("Providers.Registered len = %d, want 2", len(cfg.Providers.Registered))
	}
	if cfg.Providers.Registered[0].ID != "openai" {
		t.Errorf("Providers.Registered[0].ID = %q, want %q", cfg.Providers.Registered[0].ID, "openai")
	}
	if len(cfg.Providers.Registered[0].AvailableModels) != 2 {
		t.Errorf("AvailableModels len = %d, want 2", len(cfg.Providers.Registered[0].AvailableModels))
	}
	if cfg.Providers.SessionCostCeiling != 5.0 {
		t.Errorf("Providers.SessionCostCeiling = %v, want 5.0", cfg.Providers.SessionCostCeiling)
	}
	if !cfg.Providers.AutoSwitch {
		t.Error("Providers.AutoSwitch = false, want true")
	}

	// Duration parsing
	if cfg.Providers.ProbeTimeout != 5*time.Second {
		t.Errorf("Providers.ProbeTimeout = %v, want %v", cfg.Providers.ProbeTimeout, 5*time.Second)
	}
	if cfg.Summarizer.Timeout != 30*time.Second {
		t.Errorf("Summarizer.Timeout = %v, want %v", cfg.Summarizer.Timeout, 30*time.Second)
	}
	if cfg.Analytics.IdealDuration != 10*time.Minute {
		t.Errorf("Analytics.IdealDuration = %v, want %v", cfg.Analytics.IdealDuration, 10*time.Minute)
	}
	if cfg.Persistence.AutoSaveInterval != 30*time.Second {
		t.Errorf("Persistence.AutoSaveInterval = %v, want %v", cfg.Persistence.AutoSaveInterval, 30*time.Second)
	}
	if cfg.Persistence.RetentionInterval != time.Hour {
		t.Errorf("Persistence.RetentionInterval = %v, want %v", cfg.Persistence.RetentionInterval, time.Hour)
	}

	if cfg.History.RetentionDays != 14 {
		t.Errorf("History.RetentionDays = %d, want 14", cfg.History.RetentionDays)
	}
	if cfg.Sync.InitialPageSize != 25 {
		t.Errorf("Sync.InitialPageSize = %d, want 25", cfg.Sync.InitialPageSize)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("CHATSTATE_DB_PATH", "/var/lib/chatstate.db")
	t.Setenv("OPENAI_API_KEY", "sk-test-key")

	configPath := writeConfig(t, `
database:
  path: "${CHATSTATE_DB_PATH}"

summarizer:
  enabled: true
  api_key: "${OPENAI_API_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/chatstate.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/chatstate.db")
	}
	if cfg.Summarizer.APIKey != "sk-test-key" {
		t.Errorf("Summarizer.APIKey = %q, want %q", cfg.Summarizer.APIKey, "sk-test-key")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "fallback.db"
logging:
  level: "${CHATSTATE_UNSET_LEVEL}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "" {
		t.Errorf("Logging.Level = %q, want empty", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarFallback(t *testing.T) {
	t.Setenv("CHATSTATE_SET_LEVEL", "debug")

	configPath := writeConfig(t, `
database:
  path: "${CHATSTATE_UNSET_DB:-chatstate.db}"
logging:
  level: "${CHATSTATE_SET_LEVEL:-warn}"
  format: "${CHATSTATE_UNSET_FORMAT:-}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "chatstate.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "chatstate.db")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q (set variable wins over fallback)", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "" {
		t.Errorf("Logging.Format = %q, want empty", cfg.Logging.Format)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want reading config file", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "database:\n  path: [unclosed")
	if _, err := Load(configPath); err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "test.db"
providers:
  probe_timeout: "not-a-duration"
`)
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "probe_timeout") {
		t.Errorf("error = %v, want probe_timeout mention", err)
	}
}

func TestValidate_MissingDatabasePath(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "info"
`)
	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "database.path") {
		t.Errorf("Load() error = %v, want database.path required", err)
	}
}

func TestValidate_DuplicateProviderID(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "test.db"
providers:
  registered:
    - id: "openai"
    - id: "openai"
`)
	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "duplicate provider id") {
		t.Errorf("Load() error = %v, want duplicate provider id", err)
	}
}

func TestValidate_UnknownDefaultProvider(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "test.db"
conversation:
  default_provider: "ghost"
providers:
  registered:
    - id: "openai"
`)
	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "default_provider") {
		t.Errorf("Load() error = %v, want default_provider validation", err)
	}
}

func TestValidate_SummarizerRequiresKey(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "test.db"
summarizer:
  enabled: true
`)
	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "summarizer.api_key") {
		t.Errorf("Load() error = %v, want summarizer.api_key required", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Database.Path == "" {
		t.Error("Default() database path is empty")
	}
	if !cfg.History.SearchEnabled {
		t.Error("Default() search disabled")
	}
}
