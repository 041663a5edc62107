package apiclient

import (
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker guards physical attempts against a failing backend. When open,
// attempts are rejected immediately with a network-kind *Error carrying
// CodeCircuitOpen, which the retry policy never retries.
type CircuitBreaker struct {
	cb      *gobreaker.CircuitBreaker[*Response]
	logger  *slog.Logger
	metrics *MetricsCollector
	name    string
}

// NewCircuitBreaker creates a circuit breaker from DefaultCircuitBreakerConfig and the given options.
//
// Example:
//
//	breaker := apiclient.NewCircuitBreaker(
//	    apiclient.WithMaxRequests(5),
//	    apiclient.WithOpenTimeout(60*time.Second),
//	)
func NewCircuitBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}
	return newCircuitBreaker(config, nil, nil)
}

func newCircuitBreaker(config *CircuitBreakerConfig, logger *slog.Logger, metrics *MetricsCollector) *CircuitBreaker {
	if config.Logger != nil {
		logger = config.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Name == "" {
		config.Name = "backend"
	}
	readyToTrip := config.ReadyToTrip
	if readyToTrip == nil {
		readyToTrip = DefaultCircuitBreakerConfig().ReadyToTrip
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return readyToTrip(convertGobreakerCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			metrics.RecordBreakerState(name, convertGobreakerState(to))

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: countsAsSuccess,
	}

	metrics.RecordBreakerState(config.Name, BreakerClosed)

	return &CircuitBreaker{
		cb:      gobreaker.NewCircuitBreaker[*Response](settings),
		logger:  logger,
		metrics: metrics,
		name:    config.Name,
	}
}

// countsAsSuccess reports whether err should count as a success for the breaker. Only
// network failures and 5xx responses count against the backend; timeouts, client
// errors and caller cancellations do not.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	e := Normalize(err)
	if e.Code == CodeCanceled || e.Code == CodeCircuitOpen {
		return true
	}
	switch e.Kind {
	case KindNetwork, KindServerError:
		return false
	default:
		return true
	}
}

// Execute runs one physical attempt through the breaker.
func (b *CircuitBreaker) Execute(attempt func() (*Response, error)) (*Response, error) {
	resp, err := b.cb.Execute(attempt)
	if err == nil {
		return resp, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		counts := b.cb.Counts()
		b.logger.Warn("circuit breaker is open, request rejected",
			"name", b.name,
			"state", b.cb.State().String(),
			"consecutive_failures", counts.ConsecutiveFailures)
		return nil, b.rejected(jperrors.NewCircuitBreakerError(
			"request rejected",
			"execute",
			"open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toCircuitCounts(counts)),
		))
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		counts := b.cb.Counts()
		b.logger.Debug("circuit breaker in half-open state, too many requests",
			"name", b.name)
		return nil, b.rejected(jperrors.NewCircuitBreakerError(
			"too many requests in half-open state",
			"execute",
			"half-open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toCircuitCounts(counts)),
		))
	}
	return resp, err
}

func (b *CircuitBreaker) rejected(cause error) *Error {
	e := newError(KindNetwork, 0, cause)
	e.Code = CodeCircuitOpen
	e.Message = "The service is temporarily unavailable. Please try again shortly."
	return e
}

// State returns the current state of the circuit breaker.
func (b *CircuitBreaker) State() CircuitBreakerState {
	return convertGobreakerState(b.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (b *CircuitBreaker) Counts() CircuitBreakerCounts {
	return convertGobreakerCounts(b.cb.Counts())
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

func convertGobreakerCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func toCircuitCounts(counts gobreaker.Counts) jperrors.CircuitCounts {
	return jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return BreakerClosed
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	case gobreaker.StateOpen:
		return BreakerOpen
	default:
		return BreakerClosed
	}
}
