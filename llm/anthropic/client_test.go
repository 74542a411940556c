package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/claude/llm"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
)

const testAPIKey = "sk-ant-test-key"

const messageBody = `{
	"id": "msg_01",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [
		{"type": "text", "text": "Let me check."},
		{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
	],
	"stop_reason": "tool_use",
	"stop_sequence": null,
	"usage": {"input_tokens": 25, "output_tokens": 15}
}`

var messageEvents = []string{
	"message_start", `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":25,"output_tokens":1}}}`,
	"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	"ping", `{"type": "ping"}`,
	"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`,
	"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check."}}`,
	"content_block_stop", `{"type":"content_block_stop","index":0}`,
	"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`,
	"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\": "}}`,
	"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}`,
	"content_block_stop", `{"type":"content_block_stop","index":1}`,
	"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":15}}`,
	"message_stop", `{"type":"message_stop"}`,
}

// sseBody renders name/data pairs as a text/event-stream body.
func sseBody(pairs ...string) string {
	var sb strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&sb, "event: %s\ndata: %s\n\n", pairs[i], pairs[i+1])
	}
	return sb.String()
}

func testConfig(baseURL string) Config {
	return Config{
		APIKey:    testAPIKey,
		BaseURL:   baseURL,
		Model:     DefaultModel,
		MaxTokens: 1024,
		Timeout:   5 * time.Second,
		Retry: llm.RetryPolicy{
			MaxRetries:        2,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*AnthropicClient, *int32) {
	t.Helper()
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client, err := NewAnthropicClient(testConfig(server.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAnthropicClient failed: %v", err)
	}
	return client, &hits
}

func testRequest(t *testing.T, c *AnthropicClient) *llm.Request {
	t.Helper()
	req, err := c.NewRequest().UserText("What is the weather in Paris?").Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return req
}

func TestSynchronous(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != testAPIKey {
			t.Errorf("Expected api key header, got %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != APIVersion {
			t.Errorf("Expected anthropic-version %s, got %q", APIVersion, got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode request body: %v", err)
		}
		if body["model"] != DefaultModel || body["max_tokens"] != float64(1024) {
			t.Errorf("Expected config defaults in body, got %v", body)
		}
		if _, ok := body["stream"]; ok {
			t.Error("Expected no stream flag for synchronous requests")
		}
		w.Header().Set("content-type", "application/json")
		io.WriteString(w, messageBody)
	})

	resp, err := client.Synchronous(context.Background(), testRequest(t, client))
	if err != nil {
		t.Fatalf("Synchronous failed: %v", err)
	}
	if *hits != 1 {
		t.Errorf("Expected one request, got %d", *hits)
	}
	if resp.Text() != "Let me check." || resp.StopReason != llm.StopReasonToolUse {
		t.Errorf("Unexpected response %+v", resp)
	}
	if uses := resp.ToolUses(); len(uses) != 1 || uses[0].Input["city"] != "Paris" {
		t.Errorf("Unexpected tool uses %+v", uses)
	}
}

func TestSynchronousAuthenticationNotRetried(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("request-id", "req_401")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	})

	_, err := client.Synchronous(context.Background(), testRequest(t, client))
	var llmErr *llm.Error
	if !errors.As(err, &llmErr) {
		t.Fatalf("Expected *llm.Error, got %v", err)
	}
	if llmErr.Kind != llm.KindAuthentication || llmErr.Retryable() {
		t.Errorf("Expected non-retryable authentication error, got %s", llmErr.Kind)
	}
	if llmErr.RequestID != "req_401" {
		t.Errorf("Expected request id req_401, got %q", llmErr.RequestID)
	}
	if *hits != 1 {
		t.Errorf("Expected exactly one attempt, got %d", *hits)
	}
}

func TestSynchronousRetriesServerErrors(t *testing.T) {
	for _, status := range []int{503, 529} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			})

			_, err := client.Synchronous(context.Background(), testRequest(t, client))
			if kind, _ := llm.KindOf(err); kind != llm.KindServer {
				t.Fatalf("Expected server error, got %v", err)
			}
			// first attempt plus MaxRetries
			if *hits != 3 {
				t.Errorf("Expected 3 attempts, got %d", *hits)
			}
		})
	}
}

func TestSynchronousRecoversAfterRetry(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("retry-after", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		io.WriteString(w, messageBody)
	})

	resp, err := client.Synchronous(context.Background(), testRequest(t, client))
	if err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if resp.ID != "msg_01" {
		t.Errorf("Expected msg_01, got %q", resp.ID)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestSynchronousMalformedBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": `)
	})
	_, err := client.Synchronous(context.Background(), testRequest(t, client))
	if kind, _ := llm.KindOf(err); kind != llm.KindMalformedResponse {
		t.Errorf("Expected malformed response error, got %v", err)
	}
}

func TestSynchronousRejectsInvalidRequest(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Expected no request to be sent")
	})

	tests := []*llm.Request{
		nil,
		{Messages: nil},
		{MaxTokens: 100000, Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")}},
	}
	for _, req := range tests {
		_, err := client.Synchronous(context.Background(), req)
		if kind, _ := llm.KindOf(err); kind != llm.KindInvalidRequest {
			t.Errorf("Expected invalid request error, got %v", err)
		}
	}
	if *hits != 0 {
		t.Errorf("Expected no requests, got %d", *hits)
	}
}

func TestSynchronousContextCanceled(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Synchronous(ctx, testRequest(t, client))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestStreamAccumulateMatchesSynchronous(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("Expected stream flag, got %v", body["stream"])
		}
		if got := r.Header.Get("accept"); got != "text/event-stream" {
			t.Errorf("Expected accept text/event-stream, got %q", got)
		}
		w.Header().Set("content-type", "text/event-stream")
		io.WriteString(w, sseBody(messageEvents...))
	})

	stream, err := client.StreamMessage(context.Background(), testRequest(t, client))
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}
	got, err := stream.Accumulate()
	if err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}

	var want llm.Response
	if err := json.Unmarshal([]byte(messageBody), &want); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(&want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Streamed response differs (-want +got):\n%s", diff)
	}
}

func TestStreamSkipsKeepAliveComments(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/event-stream")
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, sseBody(messageEvents[:4]...))
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, sseBody(messageEvents[4:]...))
	})

	stream, err := client.StreamMessage(context.Background(), testRequest(t, client))
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}
	got, err := stream.Accumulate()
	if err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}

	var want llm.Response
	if err := json.Unmarshal([]byte(messageBody), &want); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(&want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Streamed response differs (-want +got):\n%s", diff)
	}
}

func TestStreamEventsAndSnapshots(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/event-stream")
		io.WriteString(w, sseBody(messageEvents...))
	})

	stream, err := client.StreamMessage(context.Background(), testRequest(t, client))
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	var texts []string
	for snap, err := range stream.Snapshots() {
		if err != nil {
			t.Fatalf("Snapshot error: %v", err)
		}
		if len(snap.Content) > 0 {
			texts = append(texts, snap.Content[0].Text)
		}
	}

	// ping is folded but not surfaced
	if len(texts) != len(messageEvents)/2-2 {
		t.Errorf("Expected %d content snapshots, got %d", len(messageEvents)/2-2, len(texts))
	}
	if texts[1] != "Let me " || texts[len(texts)-1] != "Let me check." {
		t.Errorf("Unexpected snapshot progression %q", texts)
	}
}

func TestStreamTruncated(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/event-stream")
		io.WriteString(w, sseBody(messageEvents[:10]...))
	})

	stream, err := client.Stream(context.Background(), testRequest(t, client))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()
	for stream.Next() {
	}
	if kind, _ := llm.KindOf(stream.Err()); kind != llm.KindProtocol {
		t.Errorf("Expected protocol error for truncated stream, got %v", stream.Err())
	}
	if stream.Message() == nil || stream.Message().Text() != "Let me check." {
		t.Errorf("Expected partial message to stay available, got %+v", stream.Message())
	}
}

func TestStreamErrorEvent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/event-stream")
		io.WriteString(w, sseBody(
			messageEvents[0], messageEvents[1],
			"error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		))
	})

	stream, err := client.StreamMessage(context.Background(), testRequest(t, client))
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}
	_, err = stream.Accumulate()
	var llmErr *llm.Error
	if !errors.As(err, &llmErr) || llmErr.Kind != llm.KindServer || llmErr.APIErrorType != "overloaded_error" {
		t.Errorf("Expected overloaded server error, got %v", err)
	}
}

func TestStreamOpenRetried(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(529)
			io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		w.Header().Set("content-type", "text/event-stream")
		io.WriteString(w, sseBody(messageEvents...))
	})

	stream, err := client.StreamMessage(context.Background(), testRequest(t, client))
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}
	if _, err := stream.Accumulate(); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestStreamOpenAuthenticationFailure(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"type":"error","error":{"type":"permission_error","message":"no access"}}`)
	})

	_, err := client.StreamMessage(context.Background(), testRequest(t, client))
	if kind, _ := llm.KindOf(err); kind != llm.KindAuthentication {
		t.Errorf("Expected authentication error, got %v", err)
	}
	if *hits != 1 {
		t.Errorf("Expected one attempt, got %d", *hits)
	}
}

func TestCountTokens(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/count_tokens" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["max_tokens"]; ok {
			t.Error("Expected max_tokens to be omitted")
		}
		io.WriteString(w, `{"input_tokens": 42}`)
	})

	count, err := client.CountTokens(context.Background(), llm.CountTokensRequestFrom(testRequest(t, client)))
	if err != nil {
		t.Fatalf("CountTokens failed: %v", err)
	}
	if count.InputTokens != 42 {
		t.Errorf("Expected 42 tokens, got %d", count.InputTokens)
	}
}
