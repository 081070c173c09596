// ABOUTME: Configuration loading and parsing for chatstate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chatstate configuration
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Conversation ConversationConfig `yaml:"conversation"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Summarizer   SummarizerConfig   `yaml:"summarizer"`
	History      HistoryConfig      `yaml:"history"`
	Sync         SyncConfig         `yaml:"sync"`
	Analytics    AnalyticsConfig    `yaml:"analytics"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConversationConfig holds conversation policy configuration
type ConversationConfig struct {
	MaxSessions         int     `yaml:"max_sessions"`
	CompactionThreshold int     `yaml:"compaction_threshold"`
	ContextWindow       int     `yaml:"context_window"`
	MaxMessages         int     `yaml:"max_messages"`
	DefaultProvider     string  `yaml:"default_provider"`
	DefaultModel        string  `yaml:"default_model"`
	Temperature         float64 `yaml:"temperature"`
	MaxTokens           int     `yaml:"max_tokens"`
}

// ProviderConfig holds one configured AI backend
type ProviderConfig struct {
	ID              string   `yaml:"id"`
	Model           string   `yaml:"model"`
	AvailableModels []string `yaml:"available_models"`
}

// ProvidersConfig holds the provider registry configuration
type ProvidersConfig struct {
	Registered          []ProviderConfig `yaml:"registered"`
	SessionCostCeiling  float64          `yaml:"session_cost_ceiling"`
	SessionTokenCeiling int              `yaml:"session_token_ceiling"`
	AutoSwitch          bool             `yaml:"auto_switch"`
	FailureThreshold    int              `yaml:"failure_threshold"`

	ProbeTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ProbeTimeoutRaw string `yaml:"probe_timeout"`
}

// SummarizerConfig holds the compaction summarizer configuration
type SummarizerConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// HistoryConfig holds history projection configuration
type HistoryConfig struct {
	RetentionDays    int  `yaml:"retention_days"`
	MaxConversations int  `yaml:"max_conversations"`
	SearchEnabled    bool `yaml:"search_enabled"`
}

// SyncConfig holds history sync manager configuration
type SyncConfig struct {
	InitialPageSize int `yaml:"initial_page_size"`
	CacheLimit      int `yaml:"cache_limit"`
}

// AnalyticsConfig holds session analytics configuration
type AnalyticsConfig struct {
	RetentionDays int `yaml:"retention_days"`

	IdealDuration time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	IdealDurationRaw string `yaml:"ideal_duration"`
}

// PersistenceConfig holds the periodic task intervals
type PersistenceConfig struct {
	AutoSaveInterval  time.Duration `yaml:"-"`
	RetentionInterval time.Duration `yaml:"-"`
	HealthInterval    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AutoSaveIntervalRaw  string `yaml:"auto_save_interval"`
	RetentionIntervalRaw string `yaml:"retention_interval"`
	HealthIntervalRaw    string `yaml:"health_interval"`
}

// Default returns a configuration with sensible local defaults, used when no
// config file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "chatstate.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		History:  HistoryConfig{RetentionDays: 30, MaxConversations: 100, SearchEnabled: true},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// An unset or empty variable expands to "", or to the fallback when the
// ${VAR_NAME:-fallback} form is used.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} and ${VAR_NAME:-fallback} patterns
	re := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers.Registered {
		if p.ID == "" {
			return fmt.Errorf("providers.registered entries require an id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}

	if c.Conversation.DefaultProvider != "" && len(c.Providers.Registered) > 0 &&
		!seen[c.Conversation.DefaultProvider] {
		return fmt.Errorf("conversation.default_provider %q is not a registered provider", c.Conversation.DefaultProvider)
	}

	if c.Summarizer.Enabled && c.Summarizer.APIKey == "" {
		return fmt.Errorf("summarizer.api_key is required when the summarizer is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		out  *time.Duration
	}{
		{"providers.probe_timeout", cfg.Providers.ProbeTimeoutRaw, &cfg.Providers.ProbeTimeout},
		{"summarizer.timeout", cfg.Summarizer.TimeoutRaw, &cfg.Summarizer.Timeout},
		{"analytics.ideal_duration", cfg.Analytics.IdealDurationRaw, &cfg.Analytics.IdealDuration},
		{"persistence.auto_save_interval", cfg.Persistence.AutoSaveIntervalRaw, &cfg.Persistence.AutoSaveInterval},
		{"persistence.retention_interval", cfg.Persistence.RetentionIntervalRaw, &cfg.Persistence.RetentionInterval},
		{"persistence.health_interval", cfg.Persistence.HealthIntervalRaw, &cfg.Persistence.HealthInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.out = d
	}
	return nil
}
