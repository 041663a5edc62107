package apiclient

import (
	"log/slog"
	"net/http"
	"time"
)

// RetryConfig holds retry configuration options.
type RetryConfig struct {
	// Logger for retry operations.
	// Default: the client's logger, or slog.Default()
	Logger *slog.Logger

	// OnRetry is called before every scheduled retry with a snapshot of the retry context.
	OnRetry func(RetryContext)

	// BaseDelay is the delay before the first retry. Retry n waits BaseDelay * 2^(n-1).
	// Default: 300 milliseconds
	BaseDelay time.Duration

	// MaxDelay caps a single retry delay. Zero leaves delays uncapped.
	// Default: 0
	MaxDelay time.Duration

	// Jitter randomizes each delay by up to ±Jitter. Zero disables jitter.
	// Default: 0
	Jitter time.Duration

	// MaxRetries is the number of retries allowed after the first attempt.
	// Default: 3
	MaxRetries int
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxRetries sets how many retries may follow the first attempt.
//
// Example:
//
//	apiclient.WithMaxRetries(5) // up to 6 attempts in total
func WithMaxRetries(retries int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxRetries = retries
	}
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.BaseDelay = delay
	}
}

// WithExponentialBackoff sets the base delay and the cap in one call.
//
// Example:
//
//	apiclient.WithExponentialBackoff(200*time.Millisecond, 5*time.Second)
//	// Delays: 200ms, 400ms, 800ms, 1.6s, 3.2s, 5s (capped)
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithJitter randomizes every delay by up to ±jitter.
func WithJitter(jitter time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Jitter = jitter
	}
}

// WithRetryObserver registers a callback invoked before each retry.
func WithRetryObserver(fn func(RetryContext)) RetryOption {
	return func(c *RetryConfig) {
		c.OnRetry = fn
	}
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  300 * time.Millisecond,
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever an attempt fails in the closed state.
	// If ReadyToTrip returns true, the circuit breaker will be placed into the open state.
	// Default: trips after 5 attempts with a 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: the client's logger, or slog.Default()
	Logger *slog.Logger

	// Name labels the breaker in logs and metrics.
	// Default: "backend"
	Name string

	// Interval is the cyclic period of the closed state for the circuit breaker
	// to clear the internal counts. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the maximum number of attempts allowed to pass through
	// when the circuit breaker is in the half-open state.
	// Default: 3
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// BreakerClosed means the circuit is closed and attempts flow normally.
	BreakerClosed CircuitBreakerState = iota

	// BreakerHalfOpen means the circuit is testing if the backend has recovered.
	BreakerHalfOpen

	// BreakerOpen means the circuit is open and attempts are rejected immediately.
	BreakerOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithMaxRequests sets the maximum number of attempts in half-open state.
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing again.
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the circuit.
//
// Example:
//
//	apiclient.WithReadyToTrip(func(counts apiclient.CircuitBreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 3
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        "backend",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	}
}

// Config holds everything the client needs. Build one with DefaultConfig or
// LoadConfigFromEnv and adjust it with Options.
type Config struct {
	// BaseURL is the backend root every request path is resolved against.
	BaseURL string

	// HTTPClient performs the physical requests, including refresh calls.
	// Default: a client without its own timeout; attempts carry their own deadline.
	HTTPClient *http.Client

	// Logger for the client and, unless overridden, its components.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics records Prometheus metrics when set.
	Metrics *MetricsCollector

	// Retry configures the retry policy engine.
	Retry *RetryConfig

	// CircuitBreaker enables a breaker around physical attempts when non-nil.
	CircuitBreaker *CircuitBreakerConfig

	// Refresher mints a new token pair. Default: HTTPRefresher against RefreshPath.
	Refresher Refresher

	// OnSessionExpired receives the single signal emitted when a session cannot be restored.
	OnSessionExpired func(error)

	// IDGenerator produces correlation ids. Default: random UUIDs.
	IDGenerator func() string

	// Interceptors run around every attempt, first registered outermost.
	Interceptors []Interceptor

	// InitialTokens seeds the session, for example from a previous login.
	InitialTokens *TokenPair

	// CorrelationHeader carries the correlation id.
	// Default: X-Request-ID
	CorrelationHeader string

	// UserAgent is sent on every request when non-empty.
	UserAgent string

	// RefreshPath is the refresh endpoint used by the default refresher.
	// Default: /auth/refresh
	RefreshPath string

	// AttemptTimeout bounds every physical attempt.
	// Default: 15 seconds
	AttemptTimeout time.Duration

	// RefreshTimeout bounds a token refresh.
	// Default: 10 seconds
	RefreshTimeout time.Duration

	// DefaultStaleTime is used by queries that do not set their own.
	// Default: 30 seconds
	DefaultStaleTime time.Duration

	// MaxBodyBytes bounds how much of a response body is read.
	// Default: 10 MiB
	MaxBodyBytes int64
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// DefaultConfig returns client configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPClient:        &http.Client{},
		Retry:             DefaultRetryConfig(),
		CorrelationHeader: "X-Request-ID",
		UserAgent:         "overlord-web-client",
		RefreshPath:       "/auth/refresh",
		AttemptTimeout:    15 * time.Second,
		RefreshTimeout:    10 * time.Second,
		DefaultStaleTime:  30 * time.Second,
		MaxBodyBytes:      10 * 1024 * 1024,
	}
}

// WithHTTPClient sets the underlying *http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithLogger sets the logger used by the client and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *MetricsCollector) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithRetry adjusts the retry policy.
//
// Example:
//
//	apiclient.WithRetry(apiclient.WithMaxRetries(2), apiclient.WithBaseDelay(100*time.Millisecond))
func WithRetry(opts ...RetryOption) Option {
	return func(c *Config) {
		if c.Retry == nil {
			c.Retry = DefaultRetryConfig()
		}
		for _, opt := range opts {
			opt(c.Retry)
		}
	}
}

// WithCircuitBreaker enables the circuit breaker with the given options.
func WithCircuitBreaker(opts ...CircuitBreakerOption) Option {
	return func(c *Config) {
		if c.CircuitBreaker == nil {
			c.CircuitBreaker = DefaultCircuitBreakerConfig()
		}
		for _, opt := range opts {
			opt(c.CircuitBreaker)
		}
	}
}

// WithRefresher replaces the default HTTP refresher.
func WithRefresher(refresher Refresher) Option {
	return func(c *Config) {
		c.Refresher = refresher
	}
}

// WithRefreshPath sets the endpoint used by the default refresher.
func WithRefreshPath(path string) Option {
	return func(c *Config) {
		c.RefreshPath = path
	}
}

// WithSessionExpiredHandler registers the session-expired signal handler.
func WithSessionExpiredHandler(fn func(error)) Option {
	return func(c *Config) {
		c.OnSessionExpired = fn
	}
}

// WithIDGenerator sets the correlation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Config) {
		c.IDGenerator = fn
	}
}

// WithInterceptors appends attempt interceptors.
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(c *Config) {
		c.Interceptors = append(c.Interceptors, interceptors...)
	}
}

// WithTokens seeds the session with an existing token pair.
func WithTokens(pair TokenPair) Option {
	return func(c *Config) {
		c.InitialTokens = &pair
	}
}

// WithCorrelationHeader sets the header carrying the correlation id.
func WithCorrelationHeader(name string) Option {
	return func(c *Config) {
		c.CorrelationHeader = name
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Config) {
		c.UserAgent = ua
	}
}

// WithAttemptTimeout bounds every physical attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AttemptTimeout = d
	}
}

// WithRefreshTimeout bounds token refresh calls.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RefreshTimeout = d
	}
}

// WithDefaultStaleTime sets the staleness window for queries that do not set one.
func WithDefaultStaleTime(d time.Duration) Option {
	return func(c *Config) {
		c.DefaultStaleTime = d
	}
}

// WithMaxBodyBytes bounds how much of a response body is read.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Config) {
		c.MaxBodyBytes = n
	}
}
