package apiclient

// HealthStatus is a typed snapshot of the client's resilience state, suitable for
// a status panel or a diagnostics endpoint.
type HealthStatus struct {
	// Healthy is false only while the circuit breaker is open.
	Healthy bool `json:"healthy"`

	// Status is a short description: "ok", "degraded" (half-open) or "unavailable" (open).
	Status string `json:"status"`

	// Breaker is the circuit breaker state ("closed", "half-open", "open"), or
	// "disabled" when no breaker is configured.
	Breaker string `json:"breaker"`

	// Requests is the number of attempts in the breaker's current interval.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the number of successful attempts in the current interval.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the number of failed attempts in the current interval.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failed attempts.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successful attempts.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`

	// Session is the session state ("anonymous", "authenticated", "refreshing").
	Session string `json:"session"`

	// Refreshes is the number of session refreshes started.
	Refreshes int64 `json:"refreshes"`

	// CacheEntries is the number of stored query results.
	CacheEntries int `json:"cache_entries"`

	// CacheInFlight is the number of query fetches currently running.
	CacheInFlight int `json:"cache_in_flight"`

	// Retry holds the retry engine's counters.
	Retry RetryStats `json:"retry"`
}

// Health returns the current health snapshot.
func (c *Client) Health() HealthStatus {
	status := HealthStatus{
		Healthy:       true,
		Status:        "ok",
		Breaker:       "disabled",
		Session:       c.session.State().String(),
		Refreshes:     c.session.RefreshCount(),
		CacheEntries:  c.cache.Len(),
		CacheInFlight: c.cache.InFlight(),
		Retry:         c.retry.GetRetryStats(),
	}

	if c.breaker == nil {
		return status
	}

	state := c.breaker.State()
	counts := c.breaker.Counts()

	switch state {
	case BreakerHalfOpen:
		status.Status = "degraded"
	case BreakerOpen:
		status.Healthy = false
		status.Status = "unavailable"
	}

	status.Breaker = state.String()
	status.Requests = counts.Requests
	status.TotalSuccesses = counts.TotalSuccesses
	status.TotalFailures = counts.TotalFailures
	status.ConsecutiveFailures = counts.ConsecutiveFailures
	status.ConsecutiveSuccesses = counts.ConsecutiveSuccesses
	return status
}
