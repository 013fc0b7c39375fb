// Package config loads the Soul engine's YAML configuration file into a
// typed Config, applying environment overrides and sensible defaults.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the soul binary.
type Config struct {
	Version int `yaml:"version"`

	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	LLM           LLMConfig           `yaml:"llm"`
	Loop          LoopConfig          `yaml:"loop"`
	Compaction    CompactionConfig    `yaml:"compaction"`
	Tools         ToolsConfig         `yaml:"tools"`
	Housekeeping  HousekeepingConfig  `yaml:"housekeeping"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the optional metrics/health HTTP listener.
type ServerConfig struct {
	MetricsHost string `yaml:"metrics_host"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig configures the SQL-backed session/approval stores.
// Backend selects between "file" (the default JSONL layout), "sqlite",
// and "postgres".
type DatabaseConfig struct {
	Backend         string        `yaml:"backend"`
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SessionsConfig controls where and how session logs are kept.
type SessionsConfig struct {
	// Directory is the root directory for the file-backed session store
	// (one subdirectory per session, holding header.json/messages.jsonl/
	// approvals.json).
	Directory string `yaml:"directory"`

	// RetentionDays prunes soft-deleted (tombstoned) sessions older than
	// this many days during housekeeping sweeps. Zero disables pruning.
	RetentionDays int `yaml:"retention_days"`
}

// LLMConfig selects and configures the chat provider backends.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain lists provider names to try, in order, if the default
	// provider returns a non-retryable error.
	FallbackChain []string `yaml:"fallback_chain"`

	// ContextWindowTokens is the token budget a Conversation is held to
	// before compaction triggers (see CompactionConfig.ThresholdPercent).
	ContextWindowTokens int `yaml:"context_window_tokens"`
}

// LLMProviderConfig configures a single chat provider backend.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// LoopConfig controls the Soul step loop's bounds.
type LoopConfig struct {
	MaxIterations       int           `yaml:"max_iterations"`
	MaxToolCalls        int           `yaml:"max_tool_calls"`
	MaxResponseTextSize int           `yaml:"max_response_text_size"`
	MaxWallTime         time.Duration `yaml:"max_wall_time"`
	ToolParallelism     int           `yaml:"tool_parallelism"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	ToolMaxAttempts     int           `yaml:"tool_max_attempts"`
	ToolRetryBackoff    time.Duration `yaml:"tool_retry_backoff"`
}

// CompactionConfig controls when and how the conversation is summarized.
type CompactionConfig struct {
	// ThresholdPercent triggers compaction once context usage reaches this
	// percentage of the model's context window.
	ThresholdPercent int `yaml:"threshold_percent"`

	// MaxMessages caps packed history length irrespective of token budget.
	MaxMessages int `yaml:"max_messages"`
}

// ToolsConfig controls tool dispatch, approval, and result handling.
type ToolsConfig struct {
	Approval    ApprovalConfig        `yaml:"approval"`
	ResultGuard ToolResultGuardConfig `yaml:"result_guard"`
	Jobs        ToolJobsConfig        `yaml:"jobs"`
}

// ApprovalConfig controls the Approval subsystem's policy.
type ApprovalConfig struct {
	// Profile is a pre-configured tool access level: "coding", "readonly",
	// "full", or "minimal". When set, the profile's default tools are
	// folded into the allowlist.
	Profile string `yaml:"profile"`

	// Allowlist contains tools always allowed without a round trip through
	// the Wire. Supports patterns ("read_*", "*", "mcp:*").
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tools always denied.
	Denylist []string `yaml:"denylist"`

	// SafeBins are read-only shell commands auto-allowed without approval.
	SafeBins []string `yaml:"safe_bins"`

	// DefaultDecision applies when no rule matches: "allowed", "denied",
	// or "pending".
	DefaultDecision string `yaml:"default_decision"`

	// RequestTTL is how long a pending approval request remains valid
	// before it expires.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

// ToolResultGuardConfig controls redaction/truncation of tool results
// before they are persisted to the session log.
type ToolResultGuardConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxChars        int      `yaml:"max_chars"`
	RedactPatterns  []string `yaml:"redact_patterns"`
	SanitizeSecrets bool     `yaml:"sanitize_secrets"`
}

// ToolJobsConfig controls persistence of async/job-backed tool calls.
type ToolJobsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// HousekeepingConfig schedules periodic maintenance sweeps (compaction
// checks and session pruning) outside the hot step loop.
type HousekeepingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// ObservabilityConfig controls metrics and tracing export.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics export.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry trace export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file at path, applying
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		decoder := yaml.NewDecoder(strings.NewReader(expanded))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("failed to parse config: expected single document")
		}
	}

	if cfg.Version != 0 {
		if err := ValidateVersion(cfg.Version); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.MetricsHost == "" {
		cfg.Server.MetricsHost = "127.0.0.1"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}

	if cfg.Database.Backend == "" {
		cfg.Database.Backend = "file"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if cfg.Sessions.Directory == "" {
		cfg.Sessions.Directory = ".soul/sessions"
	}

	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.ContextWindowTokens == 0 {
		cfg.LLM.ContextWindowTokens = 180000
	}

	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 50
	}
	if cfg.Loop.MaxToolCalls == 0 {
		cfg.Loop.MaxToolCalls = 16
	}
	if cfg.Loop.MaxResponseTextSize == 0 {
		cfg.Loop.MaxResponseTextSize = 256 * 1024
	}
	if cfg.Loop.ToolParallelism == 0 {
		cfg.Loop.ToolParallelism = 5
	}
	if cfg.Loop.ToolTimeout == 0 {
		cfg.Loop.ToolTimeout = 30 * time.Second
	}
	if cfg.Loop.ToolMaxAttempts == 0 {
		cfg.Loop.ToolMaxAttempts = 2
	}
	if cfg.Loop.ToolRetryBackoff == 0 {
		cfg.Loop.ToolRetryBackoff = 100 * time.Millisecond
	}

	if cfg.Compaction.ThresholdPercent == 0 {
		cfg.Compaction.ThresholdPercent = 80
	}
	if cfg.Compaction.MaxMessages == 0 {
		cfg.Compaction.MaxMessages = 60
	}

	if cfg.Tools.Approval.DefaultDecision == "" {
		cfg.Tools.Approval.DefaultDecision = "pending"
	}
	if cfg.Tools.Approval.RequestTTL == 0 {
		cfg.Tools.Approval.RequestTTL = 5 * time.Minute
	}
	if cfg.Tools.ResultGuard.MaxChars == 0 {
		cfg.Tools.ResultGuard.MaxChars = 64 * 1024
	}
	if cfg.Tools.Jobs.Retention == 0 {
		cfg.Tools.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Tools.Jobs.PruneInterval == 0 {
		cfg.Tools.Jobs.PruneInterval = time.Hour
	}

	if cfg.Housekeeping.Cron == "" {
		cfg.Housekeeping.Cron = "*/15 * * * *"
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "soul"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("SOUL_SESSIONS_DIR")); value != "" {
		cfg.Sessions.Directory = value
	}
	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		cfg.Database.DSN = value
	}
	if value := strings.TrimSpace(os.Getenv("SOUL_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); value != "" {
		setProviderAPIKey(cfg, "anthropic", value)
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); value != "" {
		setProviderAPIKey(cfg, "openai", value)
	}
}

func setProviderAPIKey(cfg *Config, provider, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	entry := cfg.LLM.Providers[provider]
	if entry.APIKey == "" {
		entry.APIKey = key
	}
	cfg.LLM.Providers[provider] = entry
}

// ConfigValidationError reports one or more invalid configuration values.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string

	switch cfg.Database.Backend {
	case "file", "sqlite", "postgres":
	default:
		issues = append(issues, `database.backend must be "file", "sqlite", or "postgres"`)
	}

	if cfg.Compaction.ThresholdPercent < 1 || cfg.Compaction.ThresholdPercent > 100 {
		issues = append(issues, "compaction.threshold_percent must be between 1 and 100")
	}
	if cfg.Loop.MaxIterations < 1 {
		issues = append(issues, "loop.max_iterations must be >= 1")
	}
	if cfg.Loop.ToolParallelism < 1 {
		issues = append(issues, "loop.tool_parallelism must be >= 1")
	}

	if profile := strings.ToLower(strings.TrimSpace(cfg.Tools.Approval.Profile)); profile != "" {
		switch profile {
		case "coding", "readonly", "full", "minimal":
		default:
			issues = append(issues, `tools.approval.profile must be "coding", "readonly", "full", or "minimal"`)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Tools.Approval.DefaultDecision)) {
	case "allowed", "denied", "pending":
	default:
		issues = append(issues, `tools.approval.default_decision must be "allowed", "denied", or "pending"`)
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
