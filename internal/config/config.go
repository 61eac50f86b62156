// Package config loads lace's YAML configuration file, applies LACE_*
// environment overrides, and fills in defaults, the way the teacher's
// own config package decodes and validates its settings file.
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

// Config is lace's top-level configuration structure.
type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Budget    BudgetConfig    `yaml:"budget"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Workspace WorkspaceConfig `yaml:"workspace"`
}

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	Name       string `yaml:"name"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	MaxRetries int    `yaml:"max_retries"`
}

// BudgetConfig tunes the token budget and compaction behavior.
type BudgetConfig struct {
	WarningThreshold     float64 `yaml:"warning_threshold"`
	CooldownTurns        int64   `yaml:"cooldown_turns"`
	KeepLastTurns        int64   `yaml:"keep_last_turns"`
	SummarizationPrompt  string  `yaml:"summarization_prompt"`
	SummarizationModel   string  `yaml:"summarization_model"`
}

// ToolsConfig bounds tool execution and result handling.
type ToolsConfig struct {
	MaxResultChars  int           `yaml:"max_result_chars"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	SanitizeSecrets *bool         `yaml:"sanitize_secrets"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// DatabaseConfig points at the SQLite-backed event log.
type DatabaseConfig struct {
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// WorkspaceConfig is the filesystem root tool bodies operate against.
type WorkspaceConfig struct {
	Root    string `yaml:"root"`
	TempDir string `yaml:"temp_dir"`
}

// Load reads path as YAML, expands ${VAR} references, applies LACE_*
// environment overrides, fills in defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("config: %s contains more than one YAML document", path)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LACE_PROVIDER")); v != "" {
		cfg.Provider.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("LACE_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("LACE_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LACE_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LACE_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LACE_LOG_FILE")); v != "" {
		cfg.Logging.File = v
	}
	if v := strings.TrimSpace(os.Getenv("LACE_DB_PATH")); v != "" {
		cfg.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("LACE_WARNING_THRESHOLD")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.WarningThreshold = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("LACE_WORKSPACE_ROOT")); v != "" {
		cfg.Workspace.Root = v
	}
}

// Default returns a Config with every default applied and no file or
// environment input, for callers that run without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 10
	}
	if cfg.Budget.WarningThreshold == 0 {
		cfg.Budget.WarningThreshold = 0.80
	}
	if cfg.Budget.CooldownTurns == 0 {
		cfg.Budget.CooldownTurns = 1
	}
	if cfg.Budget.KeepLastTurns == 0 {
		cfg.Budget.KeepLastTurns = 2
	}
	if cfg.Tools.MaxResultChars == 0 {
		cfg.Tools.MaxResultChars = 64 * 1024
	}
	if cfg.Tools.SanitizeSecrets == nil {
		enabled := true
		cfg.Tools.SanitizeSecrets = &enabled
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "lace.db"
	}
	if cfg.Workspace.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Workspace.Root = wd
		}
	}
	if cfg.Workspace.TempDir == "" {
		cfg.Workspace.TempDir = os.TempDir()
	}
}

// ValidationError reports one or more configuration problems found by
// validate, analogous to the teacher's ConfigValidationError.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func validate(cfg *Config) error {
	var problems []string
	if cfg.Budget.WarningThreshold <= 0 || cfg.Budget.WarningThreshold > 1 {
		problems = append(problems, "budget.warning_threshold must be in (0, 1]")
	}
	if cfg.Budget.CooldownTurns < 0 {
		problems = append(problems, "budget.cooldown_turns must be >= 0")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug/info/warn/error", cfg.Logging.Level))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
