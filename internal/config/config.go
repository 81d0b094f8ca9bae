// Package config loads deckhand's YAML or JSON5 configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the main configuration structure for deckhand.
type Config struct {
	Version    int              `yaml:"version"`
	Provider   ProviderConfig   `yaml:"provider"`
	Loop       LoopConfig       `yaml:"loop"`
	Shell      ShellConfig      `yaml:"shell"`
	Editor     EditorConfig     `yaml:"editor"`
	Computer   ComputerConfig   `yaml:"computer"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Transcript TranscriptConfig `yaml:"transcript"`
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	// Name is one of anthropic, openai, bedrock or google.
	Name    string `yaml:"name" jsonschema:"enum=anthropic,enum=openai,enum=bedrock,enum=google"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Region and the AWS credentials apply to bedrock only.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// LoopConfig configures the turn loop and approval gate.
type LoopConfig struct {
	// MaxTurns caps model round-trips per run. Unset means 20, 0 means no limit.
	MaxTurns  *int   `yaml:"max_turns"`
	MaxTokens int    `yaml:"max_tokens"`
	System    string `yaml:"system"`

	// AutoRun skips approval for every tool call.
	AutoRun bool `yaml:"auto_run"`

	// ToolTimeout bounds each tool call. The shell has its own timeout.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxResultChars truncates tool output before it enters history.
	MaxResultChars int `yaml:"max_result_chars"`

	// Allow pre-approves (tool, subject) pairs.
	Allow []AllowEntry `yaml:"allow"`
}

// AllowEntry pre-approves one tool call subject, e.g. a shell command.
type AllowEntry struct {
	Tool    string `yaml:"tool"`
	Subject string `yaml:"subject"`
}

type ShellConfig struct {
	Enabled    *bool         `yaml:"enabled"`
	Shell      string        `yaml:"shell"`
	Dir        string        `yaml:"dir"`
	Env        []string      `yaml:"env"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxOutput  int           `yaml:"max_output"`
	ForcePipes bool          `yaml:"force_pipes"`
}

type EditorConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	Workspace    string `yaml:"workspace"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
	SnippetLines int    `yaml:"snippet_lines"`
}

type ComputerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Display           string        `yaml:"display"`
	WidthPx           int           `yaml:"width_px"`
	HeightPx          int           `yaml:"height_px"`
	Xdotool           string        `yaml:"xdotool"`
	ScreenshotCommand []string      `yaml:"screenshot_command"`
	ScreenshotDelay   time.Duration `yaml:"screenshot_delay"`
}

type LoggingConfig struct {
	Level     string `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format    string `yaml:"format" jsonschema:"enum=json,enum=text"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig exposes Prometheus metrics on Listen when set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// TranscriptConfig persists every run's messages to SQLite.
type TranscriptConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ConfigValidationError lists every problem found in a loaded config.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, defaults and validates the configuration file at path. An
// empty path starts from built-in defaults. Overrides run before defaults
// are applied, so a provider chosen by an override still picks up its API
// key from the environment.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if cfg, err = decodeRawConfig(raw); err != nil {
			return nil, err
		}
	}
	for _, override := range overrides {
		override(cfg)
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// APIKeyEnv names the environment variable consulted for provider's key.
func APIKeyEnv(provider string) string {
	return apiKeyEnv[provider]
}

// Enabled reports whether an optional tool is switched on. Unset means on.
func Enabled(flag *bool) bool {
	return flag == nil || *flag
}

var apiKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Provider.APIKey == "" {
		if env, ok := apiKeyEnv[cfg.Provider.Name]; ok {
			cfg.Provider.APIKey = os.Getenv(env)
		}
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.Provider.RetryDelay == 0 {
		cfg.Provider.RetryDelay = time.Second
	}
	if cfg.Loop.MaxTurns == nil {
		turns := 20
		cfg.Loop.MaxTurns = &turns
	}
	if cfg.Loop.MaxTokens == 0 {
		cfg.Loop.MaxTokens = 4096
	}
	if cfg.Loop.MaxResultChars == 0 {
		cfg.Loop.MaxResultChars = 64 << 10
	}
	if cfg.Shell.Timeout == 0 {
		cfg.Shell.Timeout = 120 * time.Second
	}
	if cfg.Editor.Workspace == "" {
		cfg.Editor.Workspace = "."
	}
	if cfg.Computer.Display == "" {
		cfg.Computer.Display = os.Getenv("DISPLAY")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "deckhand"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
	if cfg.Transcript.Path == "" {
		cfg.Transcript.Path = "deckhand.db"
	}
}

func validate(cfg *Config) error {
	var issues []string
	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}

	switch cfg.Provider.Name {
	case "anthropic", "openai", "google":
	case "bedrock":
		if (cfg.Provider.AccessKeyID == "") != (cfg.Provider.SecretAccessKey == "") {
			issues = append(issues, "provider.access_key_id and provider.secret_access_key must be set together")
		}
	default:
		issues = append(issues, fmt.Sprintf("provider.name %q must be one of anthropic, openai, bedrock, google", cfg.Provider.Name))
	}
	if cfg.Provider.MaxRetries < 0 {
		issues = append(issues, "provider.max_retries must not be negative")
	}

	if *cfg.Loop.MaxTurns < 0 {
		issues = append(issues, "loop.max_turns must not be negative")
	}
	if cfg.Loop.MaxTokens < 0 {
		issues = append(issues, "loop.max_tokens must not be negative")
	}
	for i, entry := range cfg.Loop.Allow {
		if strings.TrimSpace(entry.Tool) == "" || strings.TrimSpace(entry.Subject) == "" {
			issues = append(issues, fmt.Sprintf("loop.allow[%d] needs both tool and subject", i))
		}
	}

	if cfg.Shell.MaxOutput < 0 {
		issues = append(issues, "shell.max_output must not be negative")
	}
	if cfg.Editor.MaxFileBytes < 0 {
		issues = append(issues, "editor.max_file_bytes must not be negative")
	}
	if cfg.Computer.Enabled {
		if cfg.Computer.Display == "" {
			issues = append(issues, "computer.display is required when the computer tool is enabled")
		}
		if (cfg.Computer.WidthPx == 0) != (cfg.Computer.HeightPx == 0) || cfg.Computer.WidthPx < 0 || cfg.Computer.HeightPx < 0 {
			issues = append(issues, "computer.width_px and computer.height_px must both be positive or both unset")
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not a level", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", cfg.Logging.Format))
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}
	if cfg.Transcript.Enabled && strings.TrimSpace(cfg.Transcript.Path) == "" {
		issues = append(issues, "transcript.path is required when transcripts are enabled")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
