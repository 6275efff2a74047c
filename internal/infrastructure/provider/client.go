// Package provider implements the upstream OpenAI-compatible client and the
// error taxonomy the broker exposes to Anthropic clients.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/infrastructure/config"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/anthropic"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/openai"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/stream"
	"github.com/nimbridge/nimbridge/internal/infrastructure/ratelimit"
	"github.com/nimbridge/nimbridge/pkg/safego"
)

// Client talks to the OpenAI-compatible upstream.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	params      config.ParamsConfig
	readTimeout time.Duration
	limiter     *ratelimit.ProviderLimiter
	retryOpts   ratelimit.RetryOptions
	blockOn429  time.Duration
	logger      *zap.Logger
}

// NewClient builds the upstream client. The limiter gates every request
// start and is armed reactively on 429s.
func NewClient(cfg config.UpstreamConfig, rl config.RateLimitConfig, limiter *ratelimit.ProviderLimiter, logger *zap.Logger) *Client {
	connectTimeout := time.Duration(cfg.ConnectTimeout * float64(time.Second))
	readTimeout := time.Duration(cfg.ReadTimeout * float64(time.Second))

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: readTimeout,
	}

	retryOpts := ratelimit.DefaultRetryOptions(IsRateLimited)
	if rl.MaxRetries > 0 {
		retryOpts.MaxRetries = rl.MaxRetries
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			// No overall timeout: streaming responses stay open for the
			// duration of the completion. Idle detection happens per read.
		},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		params:      cfg.Params,
		readTimeout: readTimeout,
		limiter:     limiter,
		retryOpts:   retryOpts,
		blockOn429:  time.Duration(rl.BlockSeconds * float64(time.Second)),
		logger:      logger,
	}
}

func (c *Client) post(ctx context.Context, body map[string]any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("failed to encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, NewAPIError(err.Error(), 500)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewAPIError(fmt.Sprintf("upstream request failed: %v", err), 500)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		mapped := MapError(resp.StatusCode, raw)
		if mapped.Type == ErrTypeRateLimit {
			c.limiter.SetBlocked(c.blockOn429)
		}
		return nil, mapped
	}
	return resp, nil
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *anthropic.MessagesRequest) (*openai.Response, error) {
	body := BuildRequestBody(req, c.params, false)

	resp, err := ratelimit.ExecuteWithRetry(ctx, c.limiter, c.retryOpts, func(ctx context.Context) (*http.Response, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result openai.Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, NewAPIError(fmt.Sprintf("failed to decode upstream response: %v", err), 500)
	}
	return &result, nil
}

// Stream starts a streaming completion and returns the upstream chunk
// channel. The channel closes when the stream ends; a terminal error is
// delivered as the last event. The reader goroutine stops when ctx is
// cancelled.
func (c *Client) Stream(ctx context.Context, req *anthropic.MessagesRequest) (<-chan stream.UpstreamEvent, error) {
	body := BuildRequestBody(req, c.params, true)

	c.logger.Info("Upstream stream request",
		zap.Any("model", body["model"]),
		zap.Int("messages", len(req.Messages)),
		zap.Int("tools", len(req.Tools)),
	)

	resp, err := ratelimit.ExecuteWithRetry(ctx, c.limiter, c.retryOpts, func(ctx context.Context) (*http.Response, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	events := make(chan stream.UpstreamEvent, 16)
	safego.Go(c.logger, "upstream-sse-reader", func() {
		defer close(events)
		defer resp.Body.Close()
		c.readStream(ctx, resp.Body, events)
	})
	return events, nil
}

// readStream scans the SSE body line by line. A per-read idle timeout
// catches stalled upstreams that neither send data nor close.
func (c *Client) readStream(ctx context.Context, body io.Reader, events chan<- stream.UpstreamEvent) {
	idleTimeout := c.readTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	scanner := bufio.NewScanner(&timedReader{r: body, timeout: idleTimeout})
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	send := func(ev stream.UpstreamEvent) bool {
		select {
		case <-ctx.Done():
			return false
		case events <- ev:
			return true
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk openai.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("Skip unparseable SSE chunk", zap.Error(err))
			continue
		}
		if !send(stream.UpstreamEvent{Chunk: &chunk}) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			c.logger.Warn("Upstream SSE stream idle timeout",
				zap.Duration("idle_timeout", idleTimeout),
			)
			send(stream.UpstreamEvent{Err: NewAPIError(fmt.Sprintf("upstream stream stalled: no data for %v", idleTimeout), 500)})
			return
		}
		send(stream.UpstreamEvent{Err: NewAPIError(fmt.Sprintf("upstream stream read error: %v", err), 500)})
	}
}

var errIdleTimeout = fmt.Errorf("sse read idle timeout")

// timedReader wraps an io.Reader and applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "sse read idle timeout")
}
