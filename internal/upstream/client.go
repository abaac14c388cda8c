// Package upstream implements the client for the remote chat-completion
// API. The client is stateless across calls and applies no rate limiting
// of its own; throttling is the swarm engine's concern.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"swarmd/internal/config"
	"swarmd/internal/logging"
)

// ErrMissingCredential is returned before any network activity when the
// bearer credential was not configured.
var ErrMissingCredential = errors.New("upstream credential not configured")

// RateLimitError reports 429 responses that survived every retry.
type RateLimitError struct {
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded after %d attempts", e.Attempts)
}

// UpstreamError reports a non-retryable failure or retry exhaustion.
type UpstreamError struct {
	StatusCode int
	Body       string
	Wrapped    error
}

func (e *UpstreamError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("upstream call failed: %v", e.Wrapped)
	}
	return fmt.Sprintf("upstream call failed with status %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Wrapped }

// Caller is the call surface the swarm engine depends on. Tests swap in
// doubles.
type Caller interface {
	Call(ctx context.Context, req Request) (*Result, error)
}

// Client talks to the completion endpoint with retry and exponential
// backoff. Concurrent callers share no per-call state.
type Client struct {
	apiKey      string
	baseURL     string
	referer     string
	title       string
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	httpClient  *http.Client
	log         *zap.Logger
}

var _ Caller = (*Client)(nil)

// NewClient builds a client from upstream configuration.
func NewClient(cfg config.UpstreamConfig) *Client {
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		referer:     cfg.Referer,
		title:       cfg.Title,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		log:         logging.Upstream(),
	}
}

// Call issues one completion request. 429, 5xx, and transport errors are
// retried with exponential backoff up to the retry cap; other 4xx surface
// immediately. Context cancellation aborts pending backoff sleeps.
func (c *Client) Call(ctx context.Context, req Request) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrMissingCredential
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	sawRateLimit := false

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff << uint(attempt-1)
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			c.log.Debug("retrying upstream call",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.String("model", req.Model))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, retryable, err := c.doOnce(ctx, body)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable {
			return nil, err
		}
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.StatusCode == http.StatusTooManyRequests {
			sawRateLimit = true
		}
		lastErr = err
	}

	if sawRateLimit {
		return nil, &RateLimitError{Attempts: c.maxRetries + 1}
	}
	return nil, &UpstreamError{Wrapped: fmt.Errorf("retries exhausted: %w", lastErr)}
}

// doOnce performs a single HTTP round trip. The second return value says
// whether the failure may be retried.
func (c *Client) doOnce(ctx context.Context, body []byte) (*Result, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, &UpstreamError{Wrapped: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, &UpstreamError{Wrapped: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	case resp.StatusCode >= 500:
		return nil, true, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	case resp.StatusCode != http.StatusOK:
		return nil, false, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var parsed Response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, &UpstreamError{Wrapped: fmt.Errorf("parse response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, false, &UpstreamError{Wrapped: fmt.Errorf("api error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return nil, false, &UpstreamError{Wrapped: errors.New("no completion returned")}
	}

	return &Result{
		Content: strings.TrimSpace(parsed.Choices[0].Message.Content),
		Usage:   parsed.Usage,
	}, false, nil
}
