package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/allocd/api"
)

// headerAuthKey carries the opaque app/pool secret on every request.
const headerAuthKey = "X-Alloc-Key"

// headerCorrelationID propagates the caller's correlation identifier.
const headerCorrelationID = "X-Correlation-Id"

const defaultEndpointPort = "9470"

// Default client tuning knobs exposed for callers that want to mirror the
// SDK's defaults.
const (
	DefaultHTTPTimeout         = 15 * time.Second
	DefaultMaxIdleConns        = 64
	DefaultMaxIdleConnsPerHost = 32
)

// ErrUnauthorized matches APIError values carrying 401/403 via errors.Is.
// A bad key will not become valid by retrying, so these are never retried.
var ErrUnauthorized = errors.New("allocd: unauthorized")

// ErrReplaceNotConfirmed rejects replace-mode consumption syncs lacking the
// explicit confirmation flag. The check runs client-side before any request
// and the authority enforces the same rule.
var ErrReplaceNotConfirmed = errors.New("allocd: replace sync not confirmed")

// ErrRequiredIDOutOfRange rejects a per-range commit whose required id is
// covered by none of the supplied ranges.
var ErrRequiredIDOutOfRange = errors.New("allocd: required id outside supplied ranges")

// APIError is the normalized form of a non-2xx ledger response.
type APIError struct {
	// Status is the HTTP status code returned by the authority.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("allocd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("allocd: status %d", e.Status)
}

// Is maps well-known authority error shapes onto package sentinels so
// callers can use errors.Is without inspecting status codes.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrReplaceNotConfirmed:
		return e.Response.ErrorCode == api.ErrCodeReplaceNotConfirmed
	}
	return false
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// Client is the allocd SDK entry point. It translates in-process requests
// into calls against the remote ledger authority and normalizes responses
// and errors. All operations pass through the retry executor in retry.go.
type Client struct {
	endpoints        []string
	lastEndpoint     string
	shuffleEndpoints bool
	httpClient       *http.Client
	httpTimeout      time.Duration
	logger           pslog.Base
	retryPolicy      RetryPolicy
	userAgent        string
	otelTransport    bool
	metrics          *clientMetrics

	mu sync.Mutex
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack. Use this for
// custom TLS roots, proxies, or tracing round-trippers not covered by SDK
// defaults.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = full.With(pslog.TrustedString("sys"), "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout overrides the per-request timeout for SDK-issued calls.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithEndpointShuffle toggles random shuffling of endpoints before each
// request. When disabled, endpoints are tried in the order provided.
func WithEndpointShuffle(enabled bool) Option {
	return func(c *Client) {
		c.shuffleEndpoints = enabled
	}
}

// WithFailureRetries overrides how many times transient failures are retried.
func WithFailureRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retryPolicy.MaxRetries = n
		}
	}
}

// WithRetryPolicy replaces the whole retry/backoff policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy.normalized()
	}
}

// WithUserAgent overrides the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// WithOTelTransport wraps the HTTP transport in otelhttp.NewTransport so
// SDK requests participate in distributed traces.
func WithOTelTransport() Option {
	return func(c *Client) {
		c.otelTransport = true
	}
}

// New creates a client targeting baseURL (e.g. https://ledger.example:9470).
// Bare endpoints without a scheme assume HTTPS.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("allocd: baseURL required")
	}
	return NewWithEndpoints(strings.Split(trimmed, ","), opts...)
}

// NewWithEndpoints constructs a client from a slice of authority endpoints.
// Requests fail over across endpoints in (optionally shuffled) order.
func NewWithEndpoints(endpoints []string, opts ...Option) (*Client, error) {
	c := &Client{
		shuffleEndpoints: true,
		httpTimeout:      DefaultHTTPTimeout,
		retryPolicy:      DefaultRetryPolicy(),
		userAgent:        "allocd-client",
		logger:           pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	normalized, err := normalizeEndpoints(endpoints)
	if err != nil {
		return nil, err
	}
	if c.logger == nil {
		c.logger = pslog.NoopLogger()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.httpClient.Transport == nil {
		if base, ok := http.DefaultTransport.(*http.Transport); ok {
			tr := base.Clone()
			if tr.MaxIdleConns < DefaultMaxIdleConns {
				tr.MaxIdleConns = DefaultMaxIdleConns
			}
			if tr.MaxIdleConnsPerHost < DefaultMaxIdleConnsPerHost {
				tr.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
			}
			c.httpClient.Transport = tr
		}
	}
	if c.otelTransport {
		c.httpClient.Transport = otelhttp.NewTransport(c.httpClient.Transport)
	}
	// Per-request contexts own the deadline; a client-level timeout would
	// double-bound every attempt.
	c.httpClient.Timeout = 0
	c.endpoints = normalized
	c.lastEndpoint = normalized[0]
	c.logInfo("client.init", "endpoints", normalized)
	return c, nil
}

// ParseEndpoints splits and normalizes a comma-separated endpoint list.
func ParseEndpoints(raw string) ([]string, error) {
	return normalizeEndpoints(strings.Split(raw, ","))
}

func normalizeEndpoints(endpoints []string) ([]string, error) {
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		if !strings.Contains(ep, "://") {
			ep = "https://" + ep
		}
		u, err := url.Parse(ep)
		if err != nil {
			return nil, fmt.Errorf("allocd: invalid endpoint %q: %w", ep, err)
		}
		switch u.Scheme {
		case "http", "https":
		default:
			return nil, fmt.Errorf("allocd: unsupported endpoint scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("allocd: endpoint %q has no host", ep)
		}
		if u.Port() == "" {
			u.Host = u.Host + ":" + defaultEndpointPort
		}
		out = append(out, strings.TrimRight(u.String(), "/"))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("allocd: no endpoints provided")
	}
	return out, nil
}

// Endpoints returns the normalized endpoint list the client fails over.
func (c *Client) Endpoints() []string {
	out := make([]string, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

func (c *Client) shuffledEndpoints() []string {
	order := make([]string, len(c.endpoints))
	copy(order, c.endpoints)
	if c.shuffleEndpoints && len(order) > 1 {
		rand.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return order
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

// doJSON sends payload (when non-nil) to path on the first reachable
// endpoint and decodes a 2xx response into out. Non-2xx responses are
// normalized into *APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, authKey string, payload any, out any) error {
	var bodyBytes []byte
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		bodyBytes = buf.Bytes()
	}
	order := c.shuffledEndpoints()
	c.logTrace("client.http.order", "method", method, "path", path, "endpoints", order)
	var lastErr error
	for attempt, base := range order {
		reqCtx, cancel := c.requestContext(ctx)
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, base+path, body)
		if err != nil {
			cancel()
			return err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("User-Agent", c.userAgent)
		if authKey != "" {
			req.Header.Set(headerAuthKey, authKey)
		}
		if cid := CorrelationIDFromContext(ctx); cid != "" {
			req.Header.Set(headerCorrelationID, cid)
		}
		attemptKV := []any{"method", method, "path", path, "endpoint", base, "attempt", attempt + 1, "total", len(order)}
		start := time.Now()
		c.logTrace("client.http.attempt", attemptKV...)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			errorKV := append(append([]any{}, attemptKV...), "error", err, "duration", time.Since(start))
			c.logDebug("client.http.error", errorKV...)
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.lastEndpoint = base
		c.mu.Unlock()
		err = func() error {
			defer cancel()
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return c.decodeError(resp)
			}
			if out != nil {
				return json.NewDecoder(resp.Body).Decode(out)
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}()
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				c.logWarn("client.http.status", append(append([]any{}, attemptKV...), "status", apiErr.Status, "code", apiErr.Response.ErrorCode)...)
			}
			return err
		}
		c.logTrace("client.http.success", append(append([]any{}, attemptKV...), "status", resp.StatusCode, "duration", time.Since(start))...)
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("allocd: all endpoints unreachable (attempted %s)", strings.Join(order, ","))
	} else {
		lastErr = fmt.Errorf("allocd: all endpoints unreachable (attempted %s): %w", strings.Join(order, ","), lastErr)
	}
	c.logDebug("client.http.unreachable", "order", order, "error", lastErr)
	return lastErr
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			// Keep the raw body for diagnostics.
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := http.ParseTime(raw); err == nil {
		if delay := time.Until(ts); delay > 0 {
			return delay
		}
	}
	return 0
}

func (c *Client) logTrace(msg string, keyvals ...any) {
	c.logger.Trace(msg, keyvals...)
}

func (c *Client) logDebug(msg string, keyvals ...any) {
	c.logger.Debug(msg, keyvals...)
}

func (c *Client) logInfo(msg string, keyvals ...any) {
	c.logger.Info(msg, keyvals...)
}

func (c *Client) logWarn(msg string, keyvals ...any) {
	c.logger.Warn(msg, keyvals...)
}
