package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "deckhand.yaml", `
provider:
  name: anthropic
  api_key: sk-test
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")
	path := writeConfig(t, "deckhand.yaml", `
shell:
  timeout: 30s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("version = %d", cfg.Version)
	}
	if cfg.Provider.Name != "anthropic" || cfg.Provider.APIKey != "sk-from-env" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if *cfg.Loop.MaxTurns != 20 || cfg.Loop.MaxTokens != 4096 {
		t.Errorf("loop = %+v", cfg.Loop)
	}
	if cfg.Shell.Timeout != 30*time.Second {
		t.Errorf("shell timeout = %v", cfg.Shell.Timeout)
	}
	if !Enabled(cfg.Shell.Enabled) || !Enabled(cfg.Editor.Enabled) || cfg.Computer.Enabled {
		t.Errorf("tool switches: shell=%v editor=%v computer=%v", cfg.Shell.Enabled, cfg.Editor.Enabled, cfg.Computer.Enabled)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadZeroMaxTurnsMeansUnlimited(t *testing.T) {
	path := writeConfig(t, "deckhand.yaml", `
provider:
  api_key: sk-test
loop:
  max_turns: 0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *cfg.Loop.MaxTurns != 0 {
		t.Fatalf("max_turns = %d, want 0", *cfg.Loop.MaxTurns)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("DECKHAND_TEST_KEY", "sk-expanded")
	path := writeConfig(t, "deckhand.yaml", `
provider:
  name: openai
  api_key: ${DECKHAND_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.APIKey != "sk-expanded" {
		t.Fatalf("api_key = %q", cfg.Provider.APIKey)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "deckhand.json5", `{
  // comments and trailing commas are allowed
  provider: {name: "bedrock", region: "eu-west-1",},
  loop: {auto_run: true, allow: [{tool: "bash", subject: "ls"}]},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.Name != "bedrock" || cfg.Provider.Region != "eu-west-1" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if !cfg.Loop.AutoRun || len(cfg.Loop.Allow) != 1 || cfg.Loop.Allow[0].Subject != "ls" {
		t.Errorf("loop = %+v", cfg.Loop)
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("provider:\n  name: openai\n  api_key: sk-base\nlogging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	path := filepath.Join(dir, "deckhand.yaml")
	if err := os.WriteFile(path, []byte("$include: base.yaml\nprovider:\n  model: gpt-4o-mini\nlogging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.Name != "openai" || cfg.Provider.APIKey != "sk-base" || cfg.Provider.Model != "gpt-4o-mini" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("including file should win, level = %q", cfg.Logging.Level)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		issue    string
	}{
		{
			name:     "unknown provider",
			contents: "provider:\n  name: cohere\n",
			issue:    "provider.name",
		},
		{
			name:     "half bedrock credentials",
			contents: "provider:\n  name: bedrock\n  access_key_id: AKIA\n",
			issue:    "secret_access_key",
		},
		{
			name:     "negative max turns",
			contents: "provider:\n  api_key: k\nloop:\n  max_turns: -1\n",
			issue:    "loop.max_turns",
		},
		{
			name:     "incomplete allow entry",
			contents: "provider:\n  api_key: k\nloop:\n  allow:\n    - tool: bash\n",
			issue:    "loop.allow[0]",
		},
		{
			name:     "computer without display size pair",
			contents: "provider:\n  api_key: k\ncomputer:\n  enabled: true\n  display: \":1\"\n  width_px: 1024\n",
			issue:    "computer.width_px",
		},
		{
			name:     "bad log format",
			contents: "provider:\n  api_key: k\nlogging:\n  format: xml\n",
			issue:    "logging.format",
		},
		{
			name:     "sampling rate out of range",
			contents: "provider:\n  api_key: k\ntracing:\n  sampling_rate: 2\n",
			issue:    "tracing.sampling_rate",
		},
		{
			name:     "future version",
			contents: "version: 99\nprovider:\n  api_key: k\n",
			issue:    "newer than this build",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "deckhand.yaml", tt.contents))
			var verr *ConfigValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Load() error = %v, want *ConfigValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.issue) {
				t.Fatalf("error %q does not mention %q", err, tt.issue)
			}
		})
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Provider.APIKey != "sk-env" || cfg.Transcript.Path != "deckhand.db" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, field := range []string{"provider", "loop", "shell", "transcript", "max_turns", "screenshot_command"} {
		if !strings.Contains(string(data), `"`+field+`"`) {
			t.Errorf("schema is missing %q", field)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadOverridesRunBeforeDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-anthropic")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	path := writeConfig(t, "deckhand.yaml", "loop:\n  max_turns: 7\n")

	cfg, err := Load(path, func(c *Config) {
		c.Provider.Name = "openai"
		turns := 3
		c.Loop.MaxTurns = &turns
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.APIKey != "sk-openai" {
		t.Errorf("api_key = %q, want the openai key", cfg.Provider.APIKey)
	}
	if *cfg.Loop.MaxTurns != 3 {
		t.Errorf("max_turns = %d, want 3", *cfg.Loop.MaxTurns)
	}
}
