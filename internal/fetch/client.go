// Package fetch downloads state data files over HTTP, retrying throttled and
// failed requests with exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"schooldata/internal/utils"
)

// DefaultMaxBodyBytes caps a downloaded file at 64 MiB.
const DefaultMaxBodyBytes int64 = 64 << 20

var (
	// ErrNotFound is returned when the server answers 404.
	ErrNotFound = errors.New("data file not found")

	// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("response body exceeds size limit")
)

// TokenFunc returns the bearer token for a state, or "" for none.
type TokenFunc func(state string) string

// Config holds configuration for the fetch client.
type Config struct {
	// MaxRetries is the maximum number of retry attempts after a retryable failure.
	// Default: 3
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 32 seconds
	MaxDelay time.Duration

	// Timeout bounds a single request attempt.
	// Default: 60 seconds
	Timeout time.Duration

	// EnableJitter adds random jitter (±20%) to backoff delays.
	EnableJitter bool

	// MaxBodyBytes caps the response size. Default: DefaultMaxBodyBytes
	MaxBodyBytes int64

	// UserAgent is sent on every request.
	UserAgent string

	// Token supplies optional bearer tokens per state.
	Token TokenFunc

	// Metrics records request outcomes. Nil disables metrics.
	Metrics *Metrics

	// Stats is an optional tracker for throttling events.
	Stats *Stats

	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client
}

// DefaultConfig returns the configuration used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    time.Second,
		MaxDelay:     32 * time.Second,
		Timeout:      60 * time.Second,
		EnableJitter: true,
		MaxBodyBytes: DefaultMaxBodyBytes,
		UserAgent:    "schooldata",
	}
}

// Client is an HTTP client that retries throttled and failed downloads.
type Client struct {
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	enableJitter bool
	maxBodyBytes int64
	userAgent    string
	token        TokenFunc
	metrics      *Metrics
	stats        *Stats
}

// NewClient creates a new fetch client with the given configuration.
func NewClient(cfg Config) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 32 * time.Second
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "schooldata"
	}

	return &Client{
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		enableJitter: cfg.EnableJitter,
		maxBodyBytes: maxBody,
		userAgent:    userAgent,
		token:        cfg.Token,
		metrics:      cfg.Metrics,
		stats:        cfg.Stats,
	}
}

// Metrics returns the collector the client records to, possibly nil.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Get downloads url on behalf of state and returns the response body.
// 429, 5xx and transport errors are retried; 404 yields ErrNotFound.
func (c *Client) Get(ctx context.Context, state, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body, retryAfter, err := c.do(ctx, state, url, attempt)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt >= c.maxRetries {
			break
		}

		delay := c.calculateBackoff(attempt, retryAfter)
		c.metrics.Retry(state)
		utils.Debugf("%s: retrying %s in %s (attempt %d/%d): %v", state, url, delay, attempt+1, c.maxRetries, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, &RetryError{
		State:    state,
		URL:      url,
		Attempts: c.maxRetries + 1,
		Err:      lastErr,
	}
}

// do performs a single attempt.
func (c *Client) do(ctx context.Context, state, url string, attempt int) ([]byte, *time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if c.token != nil {
		if token := c.token(state); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	utils.Debugf("%s: GET %s (request %s, attempt %d)", state, url, requestID, attempt+1)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(state, "error", time.Since(start))
		return nil, nil, &transportError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	c.metrics.ObserveRequest(state, strconv.Itoa(resp.StatusCode), time.Since(start))

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := c.readBody(resp.Body)
		if err != nil {
			return nil, nil, err
		}
		utils.Debugf("%s: %d bytes in %s (request %s)", state, len(body), time.Since(start).Round(time.Millisecond), requestID)
		return body, nil, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, fmt.Errorf("%s: %w", url, ErrNotFound)

	case resp.StatusCode == http.StatusTooManyRequests:
		if c.stats != nil {
			c.stats.RecordRateLimit()
		}
		return nil, ParseRetryAfter(resp.Header.Get("Retry-After")), &StatusError{StatusCode: resp.StatusCode, URL: url}

	case resp.StatusCode >= 500:
		return nil, ParseRetryAfter(resp.Header.Get("Retry-After")), &StatusError{StatusCode: resp.StatusCode, URL: url}

	default:
		return nil, nil, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
}

// readBody reads at most maxBodyBytes from r.
func (c *Client) readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, c.maxBodyBytes+1))
	if err != nil {
		return nil, &transportError{err: err}
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, c.maxBodyBytes)
	}
	return body, nil
}

// calculateBackoff computes the backoff duration for a given attempt.
func (c *Client) calculateBackoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		if *retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return *retryAfter
	}

	// Exponential backoff: base * 2^attempt
	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}

	if c.enableJitter {
		jitterFactor := 0.8 + rand.Float64()*0.4 // 0.8 to 1.2
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

func isRetryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return false
}

// transportError marks network-level failures, which are retried.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	URL        string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// RetryError represents an error when retries are exhausted.
type RetryError struct {
	State    string
	URL      string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RetryError) Error() string {
	state := e.State
	if state == "" {
		state = "source"
	}
	return fmt.Sprintf("%s download failed after %d attempts: %v", state, e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *RetryError) Unwrap() error {
	return e.Err
}

// ParseRetryAfter parses the Retry-After header value.
// It supports both seconds format (integer) and HTTP-date format.
// Returns nil if the value is invalid or empty.
func ParseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Stats tracks throttling statistics.
type Stats struct {
	mu              sync.RWMutex
	rateLimitCount  int64
	lastRateLimitAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordRateLimit records a rate limit event.
func (s *Stats) RecordRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitCount++
	s.lastRateLimitAt = time.Now()
}

// RateLimitCount returns the total number of rate limit events.
func (s *Stats) RateLimitCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimitCount
}

// LastRateLimitTime returns the time of the last rate limit event.
func (s *Stats) LastRateLimitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRateLimitAt
}
