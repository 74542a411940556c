// Package llm defines the Messages API data model and the pure pieces of a
// client for it.
//
// # Core Concepts
//
//  1. Messages: The Message type holds a role and ordered content blocks.
//     ContentBlock is a tagged union (text, image, document, tool_use,
//     tool_result) that encodes to and decodes from the vendor JSON. Block
//     types this package does not know survive a decode/encode round trip
//     unchanged through ContentBlock.Raw.
//
//  2. Requests: RequestBuilder assembles and validates a Request. Tools can
//     be declared by hand with NewTool or reflected from a Go struct with
//     ToolFor.
//
//  3. Errors: every failure is an *Error with an ErrorKind. ClassifyHTTP and
//     ClassifyTransport turn raw outcomes into kinds; IsRetryable says which
//     kinds may succeed on a second attempt.
//
//  4. Retries: RetryPolicy is a pure decision function (exponential backoff
//     with full jitter, Retry-After aware). NewBackOff adapts it to
//     github.com/cenkalti/backoff/v4 for the code that owns the transport.
//
//  5. Streaming: DecodeStreamEvent parses server-sent events and Accumulator
//     folds them into the Response a non-streaming call would have returned.
//
//  6. Middleware: the Middleware and StreamMiddleware interfaces decorate a
//     Client; NewLoggingMiddleware logs calls through zerolog.
//
// Usage Example
//
//	client, err := anthropic.NewAnthropicClient(cfg, logger)
//	if err != nil {
//	    return err
//	}
//
//	req, err := client.NewRequest().
//	    System("You are terse.").
//	    UserText("Hello!").
//	    Build()
//	if err != nil {
//	    return err
//	}
//
//	resp, err := llm.WrapWithMiddleware(client, llm.NewLoggingMiddleware(logger, false)).
//	    Synchronous(ctx, req)
package llm
