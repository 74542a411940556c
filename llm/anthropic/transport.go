package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 1 << 20

// RawResponse is what the transport saw of an HTTP response. Body is empty
// for successful stream responses; their data arrives through an EventSource.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// EventSource yields server-sent events.
type EventSource interface {
	Next() bool
	Event() ssestream.Event
	Err() error
	Close() error
}

// Transport sends requests to the API. Implementations return transport
// failures unclassified and never interpret status codes.
type Transport interface {
	// Send posts body to path and reads the whole response.
	Send(ctx context.Context, path string, body []byte, header http.Header) (*RawResponse, error)

	// OpenStream posts body to path. For a 2xx status it returns the
	// response head and an event source over the body; otherwise it
	// returns the response with its body read and a nil source.
	OpenStream(ctx context.Context, path string, body []byte, header http.Header) (*RawResponse, EventSource, error)
}

// HTTPTransport implements Transport with net/http.
type HTTPTransport struct {
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

// NewHTTPTransport returns a transport for baseURL. Synchronous requests are
// bounded by timeout as a whole; streams only until response headers arrive,
// after which the caller's context governs.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	streamTransport := http.DefaultTransport.(*http.Transport).Clone()
	streamTransport.ResponseHeaderTimeout = timeout
	return &HTTPTransport{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{Transport: streamTransport},
	}
}

// NewHTTPTransportWithClient uses hc for both synchronous and streaming requests.
func NewHTTPTransportWithClient(baseURL string, hc *http.Client) *HTTPTransport {
	return &HTTPTransport{baseURL: baseURL, client: hc, streamClient: hc}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, path string, body []byte, header http.Header) (*RawResponse, error) {
	res, err := t.do(ctx, t.client, path, body, header)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &RawResponse{StatusCode: res.StatusCode, Header: res.Header, Body: data}, nil
}

// OpenStream implements Transport.
func (t *HTTPTransport) OpenStream(ctx context.Context, path string, body []byte, header http.Header) (*RawResponse, EventSource, error) {
	header = header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("accept", "text/event-stream")

	res, err := t.do(ctx, t.streamClient, path, body, header)
	if err != nil {
		return nil, nil, err
	}

	raw := &RawResponse{StatusCode: res.StatusCode, Header: res.Header}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		data, err := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read error body: %w", err)
		}
		raw.Body = data
		return raw, nil, nil
	}

	decoder := ssestream.NewDecoder(res)
	if decoder == nil {
		res.Body.Close()
		return nil, nil, fmt.Errorf("stream response has no body")
	}
	return raw, decoder, nil
}

func (t *HTTPTransport) do(ctx context.Context, hc *http.Client, path string, body []byte, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return hc.Do(req)
}

var _ Transport = (*HTTPTransport)(nil)
