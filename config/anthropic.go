package config

import (
	"fmt"

	"github.com/aschepis/backscratcher/claude/llm"
	llmanthropic "github.com/aschepis/backscratcher/claude/llm/anthropic"
	"github.com/rs/zerolog"
)

// ClientConfig converts the file configuration into an anthropic.Config.
// Empty fields stay empty so the client fills them from the environment and
// its own defaults.
func (c *Config) ClientConfig() (llmanthropic.Config, error) {
	timeout, err := parseDuration(c.Anthropic.Timeout)
	if err != nil {
		return llmanthropic.Config{}, fmt.Errorf("invalid anthropic.timeout: %w", err)
	}

	retry, err := c.RetryPolicy()
	if err != nil {
		return llmanthropic.Config{}, err
	}

	return llmanthropic.Config{
		APIKey:    c.Anthropic.APIKey,
		BaseURL:   c.Anthropic.BaseURL,
		Model:     c.Anthropic.Model,
		MaxTokens: c.Anthropic.MaxTokens,
		Timeout:   timeout,
		Retry:     retry,
		Beta:      c.Anthropic.Beta,
	}, nil
}

// RetryPolicy builds the retry policy, starting from llm.DefaultRetryPolicy
// for any field left unset.
func (c *Config) RetryPolicy() (llm.RetryPolicy, error) {
	policy := llm.DefaultRetryPolicy()
	if c.Retry.MaxRetries != nil {
		policy.MaxRetries = *c.Retry.MaxRetries
	}
	if d, err := parseDuration(c.Retry.InitialDelay); err != nil {
		return policy, fmt.Errorf("invalid retry.initial_delay: %w", err)
	} else if d > 0 {
		policy.InitialDelay = d
	}
	if d, err := parseDuration(c.Retry.MaxDelay); err != nil {
		return policy, fmt.Errorf("invalid retry.max_delay: %w", err)
	} else if d > 0 {
		policy.MaxDelay = d
	}
	if c.Retry.Multiplier != 0 {
		policy.BackoffMultiplier = c.Retry.Multiplier
	}
	return policy, nil
}

// NewAnthropicClient creates a new Anthropic client from the configuration.
func NewAnthropicClient(cfg *Config, logger zerolog.Logger) (*llmanthropic.AnthropicClient, error) {
	if cfg == nil {
		defaults := Defaults()
		cfg = &defaults
	}
	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	return llmanthropic.NewAnthropicClient(clientCfg, logger)
}
