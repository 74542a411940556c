package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Environment variables read by LoadConfig.
const (
	EnvConfigPath = "CLAUDE_CLIENT_CONFIG"
	EnvModel      = "CLAUDE_MODEL"
	EnvMaxTokens  = "CLAUDE_MAX_TOKENS"
	EnvSessionDB  = "CLAUDE_SESSION_DB"
)

// AnthropicConfig represents the connection settings for the Messages API.
type AnthropicConfig struct {
	APIKey    string   `yaml:"api_key,omitempty"`    // Anthropic API key (default: ANTHROPIC_API_KEY)
	BaseURL   string   `yaml:"base_url,omitempty"`   // Custom base URL (default: official API)
	Model     string   `yaml:"model,omitempty"`      // Default model name
	MaxTokens int64    `yaml:"max_tokens,omitempty"` // Default max_tokens for requests
	Timeout   string   `yaml:"timeout,omitempty"`    // e.g. "60s", "2m"
	Beta      []string `yaml:"beta,omitempty"`       // anthropic-beta feature flags
}

// RetryConfig represents the retry policy. Durations are strings such as
// "500ms" or "30s".
type RetryConfig struct {
	MaxRetries   *int    `yaml:"max_retries,omitempty"` // nil means default; 0 disables retries
	InitialDelay string  `yaml:"initial_delay,omitempty"`
	MaxDelay     string  `yaml:"max_delay,omitempty"`
	Multiplier   float64 `yaml:"multiplier,omitempty"`
}

// LogConfig represents logging preferences for the CLI.
type LogConfig struct {
	File   string `yaml:"file,omitempty"`   // Log to this file instead of stdout
	Pretty bool   `yaml:"pretty,omitempty"` // Human readable console output
	Bodies bool   `yaml:"bodies,omitempty"` // Log request and response bodies at debug level
}

// SessionsConfig represents the transcript store settings.
type SessionsConfig struct {
	DBPath string `yaml:"db_path,omitempty"` // SQLite database path
}

// Config represents the client configuration file.
type Config struct {
	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	Retry     RetryConfig     `yaml:"retry,omitempty"`
	Log       LogConfig       `yaml:"log,omitempty"`
	Sessions  SessionsConfig  `yaml:"sessions,omitempty"`
}

// Defaults returns the configuration used when nothing else is set. The API
// key is left empty so the client resolves it from the environment.
func Defaults() Config {
	return Config{
		Anthropic: AnthropicConfig{
			BaseURL:   "https://api.anthropic.com",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
			Timeout:   "60s",
		},
		Retry: RetryConfig{
			InitialDelay: "500ms",
			MaxDelay:     "30s",
			Multiplier:   2.0,
		},
		Sessions: SessionsConfig{
			DBPath: "~/.claude-client/sessions.db",
		},
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via CLAUDE_CLIENT_CONFIG environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.claude-client/config.yaml"
	}
	return filepath.Join(homeDir, ".claude-client", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// LoadConfig loads the configuration, layering defaults, the file at path
// (if it exists) and environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileConfig Config
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}

		if err := mergo.Merge(&cfg, fileConfig, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}

	envConfig, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(&cfg, envConfig, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge environment config: %w", err)
	}

	cfg.Sessions.DBPath = expandPath(cfg.Sessions.DBPath)
	cfg.Log.File = expandPath(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fromEnv returns the settings present in the environment. The API key and
// base URL are resolved later by the client itself.
func fromEnv() (Config, error) {
	var cfg Config
	cfg.Anthropic.Model = os.Getenv(EnvModel)
	cfg.Sessions.DBPath = os.Getenv(EnvSessionDB)
	if v := os.Getenv(EnvMaxTokens); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s %q: %w", EnvMaxTokens, v, err)
		}
		cfg.Anthropic.MaxTokens = n
	}
	return cfg, nil
}

// Validate checks that duration fields parse.
func (c *Config) Validate() error {
	durations := map[string]string{
		"anthropic.timeout":   c.Anthropic.Timeout,
		"retry.initial_delay": c.Retry.InitialDelay,
		"retry.max_delay":     c.Retry.MaxDelay,
	}
	for name, value := range durations {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		return fmt.Errorf("invalid retry.max_retries: must not be negative")
	}
	return nil
}

// parseDuration parses d, treating an empty string as zero.
func parseDuration(d string) (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	return time.ParseDuration(d)
}

// SaveConfig saves the configuration to the specified path.
func SaveConfig(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
