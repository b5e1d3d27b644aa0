package llm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/s33g/azure-chat/internal/credential"
	"github.com/s33g/azure-chat/internal/metrics"
)

// DefaultTimeout bounds non-streaming calls when no HTTP client is supplied
const DefaultTimeout = 120 * time.Second

type mode string

const (
	modeComplete mode = "complete"
	modeStream   mode = "stream"
)

// Client sends chat completion requests to Azure OpenAI deployments.
// It holds no per-call state and is safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	logger       zerolog.Logger
}

// NewClient creates a client on top of a shared HTTP client. A nil
// httpClient gets a private one with DefaultTimeout.
//
// Streaming calls reuse the transport but drop the overall timeout, since a
// stream can legitimately outlive it. The context bounds them instead.
func NewClient(httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &Client{
		httpClient: httpClient,
		streamClient: &http.Client{
			Transport:     httpClient.Transport,
			CheckRedirect: httpClient.CheckRedirect,
			Jar:           httpClient.Jar,
		},
		logger: logger.With().Str("component", "llm").Logger(),
	}
}

// CompleteChat performs a non-streaming chat completion
func (c *Client) CompleteChat(ctx context.Context, cred credential.Credential, target Target, opts CompletionOptions) Outcome[*ChatCompletions] {
	start := time.Now()
	if opts.Stream != nil && *opts.Stream {
		opts.Stream = Ptr(false)
	}

	resp, cerr := c.send(ctx, cred, target, opts, modeComplete)
	if cerr != nil {
		return finish(c, modeComplete, start, Fail[*ChatCompletions](cerr))
	}

	body, cerr := readBody(resp)
	if cerr != nil {
		return finish(c, modeComplete, start, Fail[*ChatCompletions](cerr))
	}
	if len(body) == 0 {
		return finish(c, modeComplete, start, Fail[*ChatCompletions](failure("Response body is empty.")))
	}

	c.logger.Trace().
		Int("status", resp.StatusCode).
		Str("body", string(body)).
		Msg("Received response")

	if Classify(resp.StatusCode) != KindSuccess {
		return finish(c, modeComplete, start, Fail[*ChatCompletions](MapStatus(resp, string(body))))
	}

	completions, err := DecodeCompletions(body)
	if err != nil {
		return finish(c, modeComplete, start, Fail[*ChatCompletions](
			failure("failed to deserialize response body: %v", err)))
	}
	return finish(c, modeComplete, start, Succeed(completions))
}

// CompleteChatStreaming performs a streaming chat completion. On success the
// returned stream owns the response body and must be drained or closed.
func (c *Client) CompleteChatStreaming(ctx context.Context, cred credential.Credential, target Target, opts CompletionOptions) Outcome[*ChunkStream] {
	start := time.Now()
	opts.Stream = Ptr(true)

	resp, cerr := c.send(ctx, cred, target, opts, modeStream)
	if cerr != nil {
		return finish(c, modeStream, start, Fail[*ChunkStream](cerr))
	}

	if Classify(resp.StatusCode) == KindSuccess {
		return finish(c, modeStream, start, Succeed(NewChunkStream(ctx, resp.Body, c.logger)))
	}

	body, cerr := readBody(resp)
	if cerr != nil {
		return finish(c, modeStream, start, Fail[*ChunkStream](cerr))
	}
	return finish(c, modeStream, start, Fail[*ChunkStream](MapStatus(resp, string(body))))
}

// send covers everything both modes share: cancellation check, serialization,
// request construction, authentication and dispatch.
func (c *Client) send(ctx context.Context, cred credential.Credential, target Target, opts CompletionOptions, m mode) (*http.Response, *CallError) {
	if ctx.Err() != nil {
		return nil, retryable("already cancelled: %v", ctx.Err())
	}
	if cred == nil {
		return nil, failure("credential is nil")
	}
	if target.IsZero() {
		return nil, failure("target is not set")
	}

	c.logger.Debug().
		Str("mode", string(m)).
		Str("target", target.URL()).
		Int("messages", len(opts.Messages)).
		Msg("Begin chat completion")

	body, err := opts.Marshal()
	if err != nil {
		return nil, failure("failed to serialize options: %v", err)
	}
	c.logger.Trace().RawJSON("options", body).Msg("Serialized options")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, failure("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	httpClient := c.httpClient
	if m == modeStream {
		req.Header.Set("Accept", "text/event-stream")
		httpClient = c.streamClient
	}
	if err := cred.AddAuthHeader(req.Header); err != nil {
		return nil, failure("failed to authenticate request: %v", err)
	}

	resp, err := dispatch(httpClient, req)
	if err != nil {
		return nil, MapTransportError(err)
	}
	return resp, nil
}

type dispatchResult struct {
	resp *http.Response
	err  error
}

// dispatch performs the network exchange on its own goroutine and hands the
// result back to the calling goroutine, so nothing after the send runs on the
// worker. The request context bounds the wait.
func dispatch(httpClient *http.Client, req *http.Request) (*http.Response, error) {
	done := make(chan dispatchResult, 1)
	go func() {
		resp, err := httpClient.Do(req)
		done <- dispatchResult{resp: resp, err: err}
	}()

	r := <-done
	return r.resp, r.err
}

// readBody reads the whole body and closes it
func readBody(resp *http.Response) ([]byte, *CallError) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, MapTransportError(err)
	}
	return body, nil
}

// finish records metrics and logs the classified outcome
func finish[T any](c *Client, m mode, start time.Time, outcome Outcome[T]) Outcome[T] {
	metrics.CallsTotal.WithLabelValues(string(m), outcome.Kind().String()).Inc()
	metrics.CallDuration.WithLabelValues(string(m)).Observe(time.Since(start).Seconds())

	if outcome.Kind() == KindSuccess {
		c.logger.Debug().
			Str("mode", string(m)).
			Dur("elapsed", time.Since(start)).
			Msg("Finished chat completion")
		return outcome
	}

	cerr := outcome.err
	event := c.logger.Error().
		Str("mode", string(m)).
		Str("outcome", outcome.Kind().String())
	if cerr.StatusCode != 0 {
		event = event.Int("status", cerr.StatusCode)
	}
	if cerr.Code != "" {
		event = event.Str("code", cerr.Code)
	}
	if msg := ErrorMessage(cerr.Body); msg != "" {
		event = event.Str("error_message", msg)
	}
	if cerr.RetryAfter > 0 {
		event = event.Dur("retry_after", cerr.RetryAfter)
	}
	event.Msg(cerr.Message)
	return outcome
}
