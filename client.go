// Package apiclient is the network layer of the discussion platform's web client.
// A single Client authenticates requests, retries transient failures with
// exponential backoff, serializes session refreshes so concurrent 401s trigger one
// refresh, normalizes every failure into an *Error, and caches query results with
// staleness control and in-flight de-duplication.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/google/uuid"
)

// ResilientClient defines a generic interface for executing requests with retry and circuit breaker support.
// *Client implements ResilientClient[*Request, *Response].
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context should be used to control timeouts and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

var _ ResilientClient[*Request, *Response] = (*Client)(nil)

// AttemptHeader carries the 1-based attempt number of a physical request.
const AttemptHeader = "X-Request-Attempt"

// Client is the transport shared by every feature area. It is safe for concurrent use.
type Client struct {
	base      *url.URL
	config    *Config
	transport http.RoundTripper
	logger    *slog.Logger
	metrics   *MetricsCollector
	newID     func() string

	retry   *RetryPolicy
	breaker *CircuitBreaker
	session *Session
	cache   *QueryCache
}

// New creates a client for the backend at baseURL.
//
// Example:
//
//	client, err := apiclient.New("https://api.example.com/api/v1",
//	    apiclient.WithLogger(logger),
//	    apiclient.WithRetry(apiclient.WithMaxRetries(3)),
//	    apiclient.WithSessionExpiredHandler(func(err error) { redirectToLogin() }),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	return NewFromConfig(cfg, opts...)
}

// NewFromConfig creates a client from cfg, for example one returned by
// LoadConfigFromEnv. cfg is copied; opts are applied to the copy.
func NewFromConfig(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cloneConfig(cfg)
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.BaseURL == "" {
		return nil, errors.New("apiclient: base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("apiclient: invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("apiclient: base URL %q must be absolute", cfg.BaseURL)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.CorrelationHeader == "" {
		cfg.CorrelationHeader = "X-Request-ID"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}

	c := &Client{
		base:      base,
		config:    cfg,
		transport: chainInterceptors(RoundTripperFunc(cfg.HTTPClient.Do), cfg.Interceptors),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		newID:     cfg.IDGenerator,
	}

	c.retry = newRetryPolicy(cfg.Retry, cfg.Logger, cfg.Metrics)
	if cfg.CircuitBreaker != nil {
		c.breaker = newCircuitBreaker(cfg.CircuitBreaker, cfg.Logger, cfg.Metrics)
	}

	refresher := cfg.Refresher
	if refresher == nil {
		endpoint, err := c.resolve(cfg.RefreshPath, nil)
		if err != nil {
			return nil, fmt.Errorf("apiclient: invalid refresh path %q: %w", cfg.RefreshPath, err)
		}
		r := NewHTTPRefresher(cfg.HTTPClient, endpoint.String())
		r.transport = c.transport
		r.userAgent = cfg.UserAgent
		r.correlationHeader = cfg.CorrelationHeader
		r.newID = cfg.IDGenerator
		refresher = r
	}
	c.session = NewSession(refresher,
		WithSessionLogger(cfg.Logger),
		WithSessionTimeout(cfg.RefreshTimeout),
		WithExpiredHandler(cfg.OnSessionExpired),
		WithSessionMetrics(cfg.Metrics),
	)
	if cfg.InitialTokens != nil {
		c.session.Establish(*cfg.InitialTokens)
	}

	c.cache = NewQueryCache(
		WithCacheStaleTime(cfg.DefaultStaleTime),
		WithCacheLogger(cfg.Logger),
		WithCacheMetrics(cfg.Metrics),
	)

	return c, nil
}

func cloneConfig(cfg *Config) *Config {
	out := *cfg
	if cfg.Retry != nil {
		retry := *cfg.Retry
		out.Retry = &retry
	}
	if cfg.CircuitBreaker != nil {
		cb := *cfg.CircuitBreaker
		out.CircuitBreaker = &cb
	}
	if cfg.InitialTokens != nil {
		tokens := *cfg.InitialTokens
		out.InitialTokens = &tokens
	}
	out.Interceptors = append([]Interceptor(nil), cfg.Interceptors...)
	return &out
}

// Session returns the client's session manager.
func (c *Client) Session() *Session {
	return c.session
}

// Cache returns the client's query cache.
func (c *Client) Cache() *QueryCache {
	return c.cache
}

// RetryPolicy returns the client's retry policy.
func (c *Client) RetryPolicy() *RetryPolicy {
	return c.retry
}

// CircuitBreaker returns the client's circuit breaker, or nil when disabled.
func (c *Client) CircuitBreaker() *CircuitBreaker {
	return c.breaker
}

// Login installs the token pair returned by a login, registration or OAuth flow.
func (c *Client) Login(pair TokenPair) {
	c.session.Establish(pair)
}

// Logout drops the session and every cached query result.
func (c *Client) Logout() {
	c.session.Clear()
	c.cache.Clear()
}

// Invalidate marks cached queries selected by prefix as stale.
func (c *Client) Invalidate(prefix QueryKey) int {
	return c.cache.Invalidate(prefix)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodGet, path, nil, opts...))
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodPost, path, body, opts...))
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodPut, path, body, opts...))
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodPatch, path, body, opts...))
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodDelete, path, nil, opts...))
}

// Execute is Do under the ResilientClient name.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, req)
}

// Do runs one logical request to a single terminal outcome. Failures are always
// returned as *Error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, newError(KindUnknown, 0, errors.New("apiclient: nil request"))
	}

	r := req.clone()
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if r.correlationID == "" {
		r.correlationID = c.newID()
	}

	start := time.Now()
	endpoint := endpointLabel(r.Path)
	c.metrics.RecordRequestStart(r.Method, endpoint)
	defer c.metrics.RecordRequestEnd(r.Method, endpoint)

	body, err := r.encodeBody()
	if err != nil {
		return c.finish(r, start, nil, encodeError(err))
	}
	target, err := c.resolve(r.Path, r.Query)
	if err != nil {
		return c.finish(r, start, nil, encodeError(err))
	}

	rc := &RetryContext{Request: r}
	var resp *Response
	err = c.retry.run(ctx, rc, func(ctx context.Context) *Error {
		var aerr *Error
		resp, aerr = c.issue(ctx, r, target, body)
		return aerr
	})
	return c.finish(r, start, resp, err)
}

// issue makes one attempt and, when credentials were rejected, restores the
// session and re-issues the request exactly once without backoff.
func (c *Client) issue(ctx context.Context, r *Request, target *url.URL, body []byte) (*Response, *Error) {
	resp, token, err := c.attempt(ctx, r, target, body)
	if err == nil {
		return resp, nil
	}
	if r.skipAuth || token == "" {
		return nil, err
	}
	if err.Status != http.StatusUnauthorized && err.Status != http.StatusForbidden {
		return nil, err
	}

	c.logger.Debug("credentials rejected, ensuring session",
		"request_id", r.correlationID,
		"status", err.Status)

	if serr := c.session.EnsureValid(ctx, token); serr != nil {
		return nil, Normalize(serr)
	}

	resp, _, err = c.attempt(ctx, r, target, body)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt performs one physical request under its own deadline. It returns the
// access token that was sent, if any.
func (c *Client) attempt(ctx context.Context, r *Request, target *url.URL, body []byte) (*Response, string, *Error) {
	r.attempt++

	actx := ctx
	if c.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.config.AttemptTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(actx, r.Method, target.String(), reader)
	if err != nil {
		return nil, "", encodeError(err)
	}

	for k, vs := range r.Header {
		hreq.Header[k] = append([]string(nil), vs...)
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}
	if body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if c.config.UserAgent != "" {
		hreq.Header.Set("User-Agent", c.config.UserAgent)
	}
	hreq.Header.Set(c.config.CorrelationHeader, r.correlationID)
	hreq.Header.Set(AttemptHeader, strconv.Itoa(r.attempt))

	var token string
	if !r.skipAuth {
		token = c.session.AccessToken()
		if token != "" {
			hreq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	send := func() (*Response, error) {
		hresp, err := c.transport.RoundTrip(hreq)
		if err != nil {
			return nil, c.transportError(ctx, actx, err)
		}
		defer hresp.Body.Close()

		data, truncated, err := readBody(hresp.Body, c.config.MaxBodyBytes)
		if err != nil {
			return nil, c.transportError(ctx, actx, err)
		}

		// A truncated error body still yields the status-derived kind.
		if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
			return nil, NormalizeResponse(hresp.StatusCode, hresp.Header, data)
		}
		if truncated {
			return nil, bodyTooLargeError(hresp.StatusCode, c.config.MaxBodyBytes)
		}

		resp := newResponse(hresp.StatusCode, hresp.Header, data)
		resp.CorrelationID = r.correlationID
		resp.Attempts = r.attempt
		return resp, nil
	}

	var resp *Response
	if c.breaker != nil {
		resp, err = c.breaker.Execute(send)
	} else {
		resp, err = send()
	}
	if err != nil {
		return nil, token, Normalize(err)
	}
	return resp, token, nil
}

// transportError distinguishes an attempt deadline from the caller's own
// cancellation or deadline.
func (c *Client) transportError(parent, actx context.Context, err error) *Error {
	if parent.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, 0, jperrors.NewTimeoutError(
			"attempt exceeded its deadline",
			"http_request",
			c.config.AttemptTimeout,
		))
	}
	return Normalize(err)
}

// finish annotates, records and logs the terminal outcome.
func (c *Client) finish(r *Request, start time.Time, resp *Response, err error) (*Response, error) {
	duration := time.Since(start)
	endpoint := endpointLabel(r.Path)

	if err == nil {
		c.metrics.RecordRequest(r.Method, endpoint, resp.StatusCode, duration)
		c.logger.Debug("request completed",
			"request_id", r.correlationID,
			"method", r.Method,
			"path", r.Path,
			"status", resp.StatusCode,
			"attempts", r.attempt,
			"duration", duration)
		return resp, nil
	}

	// Copy: session failures are shared by every waiter of a refresh.
	annotated := *Normalize(err)
	annotated.RequestID = r.correlationID
	annotated.Method = r.Method
	annotated.Path = r.Path
	annotated.Attempt = r.attempt

	c.metrics.RecordRequest(r.Method, endpoint, annotated.Status, duration)
	c.metrics.RecordError(annotated.Kind, r.Method, endpoint)

	level := slog.LevelDebug
	switch annotated.Kind {
	case KindNetwork, KindTimeout, KindServerError:
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "request failed",
		"request_id", r.correlationID,
		"method", r.Method,
		"path", r.Path,
		"kind", annotated.Kind,
		"status", annotated.Status,
		"attempts", r.attempt,
		"duration", duration,
		"error", annotated.Err)

	return nil, &annotated
}

// resolve joins path onto the base URL and merges query. Absolute URLs are used as is.
func (c *Client) resolve(path string, query url.Values) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}

	var u *url.URL
	if ref.IsAbs() {
		u = ref
	} else {
		u = c.base.JoinPath(ref.Path)
		u.RawQuery = ref.RawQuery
	}

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func encodeError(err error) *Error {
	e := newError(KindUnknown, 0, err)
	e.Code = CodeEncodeFailed
	e.Message = "The request could not be prepared."
	return e
}
