// Package remote talks to the backend: it forwards intercepted requests,
// submits queued writes and probes reachability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/observability"
)

// maxBodySize caps how much of a backend response is buffered.
const maxBodySize = 16 << 20

// Request is a request to forward to the backend.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is a buffered backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client is the backend HTTP client.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	clock      clockwork.Clock
	limiter    *rate.Limiter
	metrics    *observability.Metrics

	maxRetries     int
	retryBase      time.Duration
	writeEndpoints map[string]string
	generic        string
	healthPath     string
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

func WithClock(clock clockwork.Clock) Option { return func(c *Client) { c.clock = clock } }

func WithMetrics(m *observability.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithRetryBase sets the first backoff delay for GET retries.
func WithRetryBase(d time.Duration) Option { return func(c *Client) { c.retryBase = d } }

// NewClient creates a backend client from the remote config section.
func NewClient(cfg config.RemoteConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.SubmitRatePerSec > 0 {
		limit = rate.Limit(cfg.SubmitRatePerSec)
	}
	burst := cfg.SubmitBurst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		baseURL:        base,
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger.With("component", "remote"),
		clock:          clockwork.NewRealClock(),
		limiter:        rate.NewLimiter(limit, burst),
		maxRetries:     cfg.MaxRetries,
		retryBase:      100 * time.Millisecond,
		writeEndpoints: cfg.WriteEndpoints,
		generic:        cfg.GenericEndpoint,
		healthPath:     cfg.HealthPath,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 1
	}
	if c.generic == "" {
		c.generic = "/api/data"
	}
	if c.healthPath == "" {
		c.healthPath = "/"
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey != "" {
		if info, err := InspectAPIKey(c.apiKey, c.clock.Now()); err != nil {
			c.logger.Warn("backend api key unusable", "error", err)
		} else if info.ExpiresAt != nil {
			c.logger.Info("backend api key loaded", "role", info.Role, "expires_at", info.ExpiresAt)
		}
	}

	return c, nil
}

// Do forwards req. Responses with status below 500 are returned as-is;
// transport failures and 5xx responses are a *NetworkError. Idempotent
// requests are retried with exponential backoff.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	attempts := 1
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		attempts = c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff: base, 2*base, 4*base...
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.retryBase
			c.logger.Debug("retrying backend request", "path", req.Path, "attempt", attempt+1, "delay", delay)

			select {
			case <-ctx.Done():
				return nil, &NetworkError{Op: req.Method, URL: c.url(req.Path, req.RawQuery), Err: ctx.Err()}
			case <-c.clock.After(delay):
			}
		}

		resp, err := c.do(ctx, "read", req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.logger.Warn("backend request failed", "path", req.Path, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// Get fetches path with retries.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path})
}

func (c *Client) url(path, rawQuery string) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = rawQuery
	return u.String()
}

func (c *Client) do(ctx context.Context, op string, req Request) (*Response, error) {
	target := c.url(req.Path, req.RawQuery)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	copyHeaders(httpReq.Header, req.Header)
	c.authorize(httpReq.Header)

	start := c.clock.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	c.observe(op, c.clock.Since(start))
	if err != nil {
		return nil, &NetworkError{Op: req.Method, URL: target, Err: err}
	}
	defer httpResp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, &NetworkError{Op: req.Method, URL: target, Err: fmt.Errorf("read response: %w", err)}
	}

	resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header.Clone(), Body: respBody}
	if httpResp.StatusCode >= 500 {
		return nil, &NetworkError{Op: req.Method, URL: target, Status: httpResp.StatusCode, Response: resp}
	}
	return resp, nil
}

func (c *Client) authorize(h http.Header) {
	if c.apiKey == "" {
		return
	}
	if h.Get("apikey") == "" {
		h.Set("apikey", c.apiKey)
	}
	if h.Get("Authorization") == "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) observe(op string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RemoteLatency.WithLabelValues(op).Observe(d.Seconds())
	}
}

// WriteEndpoint resolves the submission path for an entry type.
func (c *Client) WriteEndpoint(entryType string) string {
	if p, ok := c.writeEndpoints[entryType]; ok && p != "" {
		return p
	}
	return c.generic
}

// Submit delivers one queued write. It is never retried here; the queue is
// the retry mechanism. clientRef is sent as an idempotency key so the
// backend can drop duplicates of a write it already accepted.
func (c *Client) Submit(ctx context.Context, entryType string, payload json.RawMessage, clientRef string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for submit slot: %w", err)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Prefer", "return=minimal")
	if clientRef != "" {
		h.Set("Idempotency-Key", clientRef)
	}

	resp, err := c.do(ctx, "submit", Request{
		Method: http.MethodPost,
		Path:   c.WriteEndpoint(entryType),
		Header: h,
		Body:   payload,
	})
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return &StatusError{Status: resp.Status, Body: truncate(resp.Body, 256)}
	}
	return nil
}

// Health reports whether the backend answers. Any response below 500
// counts as reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, "health", Request{Method: http.MethodGet, Path: c.healthPath})
	return err
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,

	// The transport negotiates compression itself and hands back decoded
	// bodies; a forwarded Accept-Encoding would leave them encoded.
	"Accept-Encoding": true,
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
