package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/claude/llm"
	"github.com/rs/zerolog"
)

const (
	messagesPath    = "/v1/messages"
	countTokensPath = "/v1/messages/count_tokens"
)

// AnthropicClient implements the llm.Client interface for Anthropic's API.
type AnthropicClient struct {
	cfg       Config
	transport Transport
	header    http.Header
	logger    zerolog.Logger
}

// Option customizes an AnthropicClient.
type Option func(*AnthropicClient)

// WithTransport replaces the HTTP transport, typically in tests.
func WithTransport(t Transport) Option {
	return func(c *AnthropicClient) {
		c.transport = t
	}
}

// WithHTTPClient sends requests through hc instead of the default clients.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *AnthropicClient) {
		c.transport = NewHTTPTransportWithClient(c.cfg.BaseURL, hc)
	}
}

// NewAnthropicClient validates cfg and creates a client. Unset fields are
// filled from the environment and DefaultConfig.
func NewAnthropicClient(cfg Config, logger zerolog.Logger, opts ...Option) (*AnthropicClient, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("x-api-key", cfg.APIKey)
	header.Set("anthropic-version", APIVersion)
	header.Set("content-type", "application/json")
	header.Set("user-agent", cfg.UserAgent)
	if len(cfg.Beta) > 0 {
		header.Set("anthropic-beta", strings.Join(cfg.Beta, ","))
	}

	c := &AnthropicClient{
		cfg:    cfg,
		header: header,
		logger: logger.With().Str("component", "anthropic").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(cfg.BaseURL, cfg.Timeout)
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *AnthropicClient) Config() Config {
	return c.cfg
}

// NewRequest returns a builder preloaded with the configured model and
// token limit.
func (c *AnthropicClient) NewRequest() *llm.RequestBuilder {
	return llm.NewRequestBuilder(c.cfg.Model).MaxTokens(c.cfg.MaxTokens)
}

// Synchronous implements llm.Client.Synchronous.
func (c *AnthropicClient) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	body, err := c.encodeRequest(req, false)
	if err != nil {
		return nil, err
	}

	raw, err := withRetry(ctx, c.cfg.Retry, c.logger, "messages", func() (*RawResponse, error) {
		raw, err := c.transport.Send(ctx, messagesPath, body, c.header)
		if err != nil {
			return nil, llm.ClassifyTransport(err)
		}
		if apiErr := llm.ClassifyHTTP(raw.StatusCode, raw.Header, raw.Body); apiErr != nil {
			return nil, apiErr
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	var resp llm.Response
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return nil, &llm.Error{
			Kind:       llm.KindMalformedResponse,
			Message:    "failed to decode messages response",
			StatusCode: raw.StatusCode,
			RequestID:  raw.Header.Get("request-id"),
			Body:       string(raw.Body),
			Cause:      err,
		}
	}

	c.logCacheStats(resp.Usage)
	return &resp, nil
}

// Stream implements llm.Client.Stream.
func (c *AnthropicClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	return c.StreamMessage(ctx, req)
}

// StreamMessage starts a streamed request. Only opening the stream is
// retried; failures after the first event are returned by the stream.
func (c *AnthropicClient) StreamMessage(ctx context.Context, req *llm.Request) (*MessageStream, error) {
	body, err := c.encodeRequest(req, true)
	if err != nil {
		return nil, err
	}

	source, err := withRetry(ctx, c.cfg.Retry, c.logger, "messages_stream", func() (EventSource, error) {
		raw, source, err := c.transport.OpenStream(ctx, messagesPath, body, c.header)
		if err != nil {
			return nil, llm.ClassifyTransport(err)
		}
		if apiErr := llm.ClassifyHTTP(raw.StatusCode, raw.Header, raw.Body); apiErr != nil {
			if source != nil {
				source.Close()
			}
			return nil, apiErr
		}
		return source, nil
	})
	if err != nil {
		return nil, err
	}

	return NewMessageStream(source, c.logger), nil
}

// CountTokens returns the number of input tokens req would use.
func (c *AnthropicClient) CountTokens(ctx context.Context, req *llm.CountTokensRequest) (*llm.TokenCount, error) {
	if req == nil {
		return nil, llm.NewInvalidRequestError("request is required")
	}
	out := *req
	if out.Model == "" {
		out.Model = c.cfg.Model
	}
	if len(out.Messages) == 0 {
		return nil, llm.NewInvalidRequestError("at least one message is required")
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, llm.NewInvalidRequestError("failed to encode request: %v", err)
	}

	raw, err := withRetry(ctx, c.cfg.Retry, c.logger, "count_tokens", func() (*RawResponse, error) {
		raw, err := c.transport.Send(ctx, countTokensPath, body, c.header)
		if err != nil {
			return nil, llm.ClassifyTransport(err)
		}
		if apiErr := llm.ClassifyHTTP(raw.StatusCode, raw.Header, raw.Body); apiErr != nil {
			return nil, apiErr
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	var count llm.TokenCount
	if err := json.Unmarshal(raw.Body, &count); err != nil {
		return nil, llm.NewMalformedResponseError("failed to decode token count", err)
	}
	return &count, nil
}

// encodeRequest fills defaults from the config, validates and encodes req.
func (c *AnthropicClient) encodeRequest(req *llm.Request, stream bool) ([]byte, error) {
	if req == nil {
		return nil, llm.NewInvalidRequestError("request is required")
	}

	out := req.Clone()
	if out.Model == "" {
		out.Model = c.cfg.Model
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = c.cfg.MaxTokens
	}
	out.Stream = stream

	if err := out.Validate(); err != nil {
		return nil, err
	}
	if limit, ok := MaxOutputTokens(out.Model); ok && out.MaxTokens > limit {
		return nil, llm.NewInvalidRequestError("max_tokens %d exceeds the %d token limit of %s", out.MaxTokens, limit, out.Model)
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, llm.NewInvalidRequestError("failed to encode request: %v", err)
	}
	return body, nil
}

// logCacheStats logs prompt cache information for tracking efficacy.
func (c *AnthropicClient) logCacheStats(usage llm.Usage) {
	if usage.CacheCreationInputTokens == 0 && usage.CacheReadInputTokens == 0 {
		return
	}
	cacheEfficiency := float64(0)
	if total := usage.InputTokens + usage.CacheReadInputTokens; total > 0 {
		cacheEfficiency = float64(usage.CacheReadInputTokens) / float64(total) * 100
	}
	c.logger.Debug().
		Int64("input_tokens", usage.InputTokens).
		Int64("cache_creation_tokens", usage.CacheCreationInputTokens).
		Int64("cache_read_tokens", usage.CacheReadInputTokens).
		Float64("cache_efficiency", cacheEfficiency).
		Msg("Prompt cache stats")
}

var _ llm.Client = (*AnthropicClient)(nil)
