package apiclient

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryContext is the per-request retry state. A fresh one is created for every
// logical request and dropped once that request resolves.
type RetryContext struct {
	// Request is the descriptor being retried.
	Request *Request

	// Err is the normalized failure of the latest attempt.
	Err *Error

	// Attempt is the attempt number that just failed. It also counts the immediate
	// re-issue after a session refresh.
	Attempt int

	// Retries is the number of retries scheduled so far, including the upcoming one.
	Retries int

	// Delay is the wait before the next attempt.
	Delay time.Duration

	// DelaySoFar is the total time spent waiting between attempts.
	DelaySoFar time.Duration
}

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
// Authentication and authorization failures never reach it; the transport routes
// those to the session first.
type RetryPolicy struct {
	config  *RetryConfig
	logger  *slog.Logger
	metrics *MetricsCollector
	stats   *retryStats
}

type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryPolicy creates a retry policy from DefaultRetryConfig and the given options.
//
// Example:
//
//	policy := apiclient.NewRetryPolicy(
//	    apiclient.WithMaxRetries(3),
//	    apiclient.WithBaseDelay(200*time.Millisecond),
//	)
func NewRetryPolicy(opts ...RetryOption) *RetryPolicy {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}
	return newRetryPolicy(config, nil, nil)
}

func newRetryPolicy(config *RetryConfig, logger *slog.Logger, metrics *MetricsCollector) *RetryPolicy {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.Logger != nil {
		logger = config.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &RetryPolicy{
		config:  config,
		logger:  logger,
		metrics: metrics,
		stats:   &retryStats{},
	}
}

// ShouldRetry reports whether req may be re-issued after err. Only idempotent or
// retry-safe requests are retried, only for network, timeout and 5xx failures, and
// only while the attempt counter is within MaxRetries.
func (p *RetryPolicy) ShouldRetry(req *Request, err *Error) bool {
	if req == nil || err == nil {
		return false
	}
	if !req.Idempotent() {
		return false
	}
	switch err.Kind {
	case KindNetwork, KindTimeout, KindServerError:
	default:
		return false
	}
	if err.Code == CodeCircuitOpen {
		return false
	}
	return req.Attempt() <= p.config.MaxRetries
}

// Delay returns BaseDelay * 2^(attempt-1), capped by MaxDelay when one is set.
// Jitter is not included.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.config.BaseDelay
	if base <= 0 {
		return 0
	}

	shift := attempt - 1
	var delay time.Duration
	if shift >= 62 || base > time.Duration(math.MaxInt64>>uint(shift)) {
		delay = time.Duration(math.MaxInt64)
	} else {
		delay = base << uint(shift)
	}

	if p.config.MaxDelay > 0 && delay > p.config.MaxDelay {
		delay = p.config.MaxDelay
	}
	return delay
}

// MaxRetries returns the configured retry budget.
func (p *RetryPolicy) MaxRetries() int {
	return p.config.MaxRetries
}

// run drives attempt through go-retry. attempt returns nil on success or the
// normalized failure of the physical attempt(s) it made.
func (p *RetryPolicy) run(ctx context.Context, rc *RetryContext, attempt func(ctx context.Context) *Error) error {
	err := retry.Do(ctx, p.backoff(rc), func(ctx context.Context) error {
		aerr := attempt(ctx)

		p.stats.mu.Lock()
		p.stats.lastAttemptTime = time.Now()
		p.stats.mu.Unlock()

		if aerr == nil {
			if rc.Request.Attempt() > 1 {
				p.logger.Info("request succeeded after retry",
					"request_id", rc.Request.CorrelationID(),
					"attempts", rc.Request.Attempt())
			}
			return nil
		}

		rc.Err = aerr
		rc.Attempt = rc.Request.Attempt()

		if !p.ShouldRetry(rc.Request, aerr) {
			p.logger.Debug("non-retryable failure, giving up",
				"request_id", rc.Request.CorrelationID(),
				"kind", aerr.Kind,
				"status", aerr.Status,
				"attempts", rc.Attempt)
			return aerr
		}

		return retry.RetryableError(aerr)
	})

	p.stats.mu.Lock()
	p.stats.totalAttempts += int64(rc.Request.Attempt())
	if err != nil {
		p.stats.totalFailures++
		p.stats.lastError = err
	} else {
		p.stats.totalSuccesses++
	}
	p.stats.mu.Unlock()

	if err != nil && rc.Attempt > 1 {
		p.logger.Warn("request failed after retries",
			"request_id", rc.Request.CorrelationID(),
			"attempts", rc.Attempt,
			"error", err)
	}
	return err
}

// backoff builds the go-retry backoff for one logical request. The delay follows
// the retry count, not the attempt number, so the re-issue after a session refresh
// does not push the schedule forward.
func (p *RetryPolicy) backoff(rc *RetryContext) retry.Backoff {
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		return p.Delay(rc.Retries + 1), false
	})

	if p.config.Jitter > 0 {
		b = retry.WithJitter(p.config.Jitter, b)
	}
	if p.config.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.config.MaxDelay, b)
	}

	maxRetries := p.config.MaxRetries
	if maxRetries > 1000 {
		maxRetries = 1000
	}
	b = retry.WithMaxRetries(uint64(maxRetries), b) // #nosec G115 - bounds checked above

	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := b.Next()
		if stop {
			return 0, true
		}
		if delay < 0 {
			delay = 0
		}

		rc.Retries++
		rc.Delay = delay
		rc.DelaySoFar += delay

		p.stats.mu.Lock()
		p.stats.totalRetries++
		p.stats.mu.Unlock()

		p.logger.Debug("retrying request after delay",
			"request_id", rc.Request.CorrelationID(),
			"attempt", rc.Attempt,
			"delay", delay,
			"error", rc.Err)

		p.metrics.RecordRetry(rc.Request.Method, endpointLabel(rc.Request.Path))

		if p.config.OnRetry != nil {
			p.config.OnRetry(*rc)
		}
		return delay, false
	})
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of physical attempts made
	TotalAttempts int64

	// TotalRetries is the number of scheduled retries
	TotalRetries int64

	// TotalSuccesses is the number of logical requests that succeeded
	TotalSuccesses int64

	// TotalFailures is the number of logical requests that failed terminally
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last terminal error encountered (if any)
	LastError error
}

// GetRetryStats returns a snapshot of retry statistics.
func (p *RetryPolicy) GetRetryStats() RetryStats {
	p.stats.mu.RLock()
	defer p.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   p.stats.totalAttempts,
		TotalRetries:    p.stats.totalRetries,
		TotalSuccesses:  p.stats.totalSuccesses,
		TotalFailures:   p.stats.totalFailures,
		LastAttemptTime: p.stats.lastAttemptTime,
		LastError:       p.stats.lastError,
	}
}
