package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lace.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: anthropic
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Budget.WarningThreshold != 0.80 {
		t.Fatalf("expected default warning threshold 0.80, got %v", cfg.Budget.WarningThreshold)
	}
	if cfg.Budget.CooldownTurns != 1 {
		t.Fatalf("expected default cooldown 1, got %v", cfg.Budget.CooldownTurns)
	}
	if cfg.Tools.MaxResultChars != 64*1024 {
		t.Fatalf("expected default max result chars, got %v", cfg.Tools.MaxResultChars)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: anthropic
  bogus_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsInvalidWarningThreshold(t *testing.T) {
	path := writeConfig(t, `
budget:
  warning_threshold: 1.5
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for out-of-range warning_threshold")
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: verbose
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: anthropic
  model: claude-default
`)
	t.Setenv("LACE_MODEL", "claude-override")
	t.Setenv("LACE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.Model != "claude-override" {
		t.Fatalf("expected env override to win, got %q", cfg.Provider.Model)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env override for log level, got %q", cfg.Logging.Level)
	}
}

func TestJSONSchemaReflectsConfig(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty schema")
	}
}
