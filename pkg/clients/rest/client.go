// Package rest is the outbound HTTP client connectors use against platform
// APIs. It classifies rate-limit and gone responses so the state machine can
// choose between an in-process retry, delaying the stream, and treating the
// entity as deleted.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	// maxInProcessWait is the longest Retry-After the client absorbs by
	// sleeping in place. Anything longer surfaces as a RateLimitError so the
	// stream gets delayed instead of holding a worker slot.
	maxInProcessWait = 2 * time.Second

	// defaultRateLimitDelay is used when the platform rate limits us without
	// telling us for how long.
	defaultRateLimitDelay = time.Minute

	maxServerErrorRetries = 3
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
	logger     zerolog.Logger
	limiter    domain.RequestRateLimiter

	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter throttles every call through a shared request limiter
// before it leaves the process.
func WithRateLimiter(limiter domain.RequestRateLimiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		headers:    map[string]string{},
		logger:     zerolog.Nop(),
		sleep:      sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get fetches path and decodes the JSON response into out. A 404 returns
// domain.ErrNotFound and leaves out untouched.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	serverErrRetries := 0

	for {
		if c.limiter != nil {
			if err := c.limiter.CheckAndThrottle(ctx); err != nil {
				return err
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range c.headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", fullURL, err)
		}

		retry, err := c.handleResponse(ctx, resp, out)
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			serverErrRetries++
			if serverErrRetries > maxServerErrorRetries {
				return fmt.Errorf("upstream returned %d after %d retries: %s", resp.StatusCode, maxServerErrorRetries, fullURL)
			}

			if err := c.sleep(ctx, time.Duration(serverErrRetries)*250*time.Millisecond); err != nil {
				return err
			}
		}
	}
}

// handleResponse consumes the response body. It returns retry=true when the
// same call should be repeated in-process.
func (c *Client) handleResponse(ctx context.Context, resp *http.Response, out any) (bool, error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

		if retryAfter > 0 && retryAfter <= maxInProcessWait {
			c.logger.Debug().Dur("retryAfter", retryAfter).Msg("short rate limit, retrying in-process")

			if err := c.sleep(ctx, retryAfter); err != nil {
				return false, err
			}

			return true, nil
		}

		if retryAfter <= 0 {
			retryAfter = defaultRateLimitDelay
		}

		return false, domain.RateLimitError{RetryAfter: retryAfter}

	case resp.StatusCode == http.StatusNotFound:
		return false, domain.ErrNotFound

	case resp.StatusCode >= http.StatusInternalServerError:
		c.logger.Warn().Int("status", resp.StatusCode).Msg("upstream server error")
		return true, nil

	case resp.StatusCode >= http.StatusBadRequest:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return false, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}

	return false, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(header); err == nil {
		return time.Until(at)
	}

	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
