package anthropic

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/claude/llm"
)

const (
	// DefaultBaseURL is the public Messages API endpoint
	DefaultBaseURL = "https://api.anthropic.com"
	// DefaultModel is used when neither the config nor the request names one
	DefaultModel = "claude-sonnet-4-20250514"
	// DefaultMaxTokens is used when neither the config nor the request sets a limit
	DefaultMaxTokens = 4096
	// DefaultTimeout bounds a synchronous request, or the wait for stream headers
	DefaultTimeout = 60 * time.Second
	// APIVersion is sent as the anthropic-version header
	APIVersion = "2023-06-01"
	// DefaultUserAgent identifies this client
	DefaultUserAgent = "backscratcher-claude/1.0"

	apiKeyPrefix = "sk-ant-"
)

// Environment variables consulted by ResolveAPIKey and ResolveBaseURL.
const (
	EnvAPIKey       = "ANTHROPIC_API_KEY"
	EnvAPIKeyLegacy = "CLAUDE_API_KEY"
	EnvBaseURL      = "ANTHROPIC_BASE_URL"
)

// Config holds everything needed to construct an AnthropicClient.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
	Retry     llm.RetryPolicy
	UserAgent string
	Beta      []string
}

// DefaultConfig returns a config with every field but the API key set.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		Model:     DefaultModel,
		MaxTokens: DefaultMaxTokens,
		Timeout:   DefaultTimeout,
		Retry:     llm.DefaultRetryPolicy(),
		UserAgent: DefaultUserAgent,
	}
}

// Validate checks the config. Failures are configuration errors.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return llm.NewConfigurationError("api key is required (set %s)", EnvAPIKey)
	}
	if !strings.HasPrefix(c.APIKey, apiKeyPrefix) {
		return llm.NewConfigurationError("api key must start with %q", apiKeyPrefix)
	}
	if c.Timeout <= 0 {
		return llm.NewConfigurationError("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxTokens <= 0 {
		return llm.NewConfigurationError("max tokens must be positive, got %d", c.MaxTokens)
	}
	if limit, ok := MaxOutputTokens(c.Model); ok && c.MaxTokens > limit {
		return llm.NewConfigurationError("max tokens %d exceeds the %d token limit of %s", c.MaxTokens, limit, c.Model)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return llm.NewConfigurationError("base url must be an absolute http or https url, got %q", c.BaseURL)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	return nil
}

// ResolveAPIKey returns explicit when set, otherwise the first of
// ANTHROPIC_API_KEY and CLAUDE_API_KEY found in the environment.
func ResolveAPIKey(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, name := range []string{EnvAPIKey, EnvAPIKeyLegacy} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, nil
		}
	}
	return "", llm.NewConfigurationError("api key is required (set %s)", EnvAPIKey)
}

// ResolveBaseURL returns explicit when set, otherwise ANTHROPIC_BASE_URL, and
// finally DefaultBaseURL.
func ResolveBaseURL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		return v
	}
	return DefaultBaseURL
}

// withDefaults fills unset fields from the environment and DefaultConfig.
func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()
	key, err := ResolveAPIKey(c.APIKey)
	if err != nil {
		return c, err
	}
	c.APIKey = key
	c.BaseURL = strings.TrimRight(ResolveBaseURL(c.BaseURL), "/")
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.Retry.IsZero() {
		c.Retry = def.Retry
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	return c, nil
}
