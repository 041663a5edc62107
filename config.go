package apiclient

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables read by LoadConfigFromEnv.
const (
	EnvBaseURL        = "OVERLORD_API_BASE_URL"
	EnvAttemptTimeout = "OVERLORD_API_ATTEMPT_TIMEOUT"
	EnvRefreshTimeout = "OVERLORD_API_REFRESH_TIMEOUT"
	EnvMaxRetries     = "OVERLORD_API_MAX_RETRIES"
	EnvRetryBaseDelay = "OVERLORD_API_RETRY_BASE_DELAY"
	EnvRetryMaxDelay  = "OVERLORD_API_RETRY_MAX_DELAY"
	EnvStaleTime      = "OVERLORD_API_STALE_TIME"
	EnvRefreshPath    = "OVERLORD_API_REFRESH_PATH"
)

// LoadConfigFromEnv builds a Config from DefaultConfig and the process environment.
// OVERLORD_API_BASE_URL is required; everything else falls back to the defaults.
func LoadConfigFromEnv() (*Config, error) {
	baseURL := os.Getenv(EnvBaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("missing required env var: %s", EnvBaseURL)
	}

	cfg := DefaultConfig()
	cfg.BaseURL = baseURL

	durations := []struct {
		name    string
		example string
		dst     *time.Duration
	}{
		{EnvAttemptTimeout, "15s", &cfg.AttemptTimeout},
		{EnvRefreshTimeout, "10s", &cfg.RefreshTimeout},
		{EnvRetryBaseDelay, "300ms", &cfg.Retry.BaseDelay},
		{EnvRetryMaxDelay, "5s", &cfg.Retry.MaxDelay},
		{EnvStaleTime, "30s", &cfg.DefaultStaleTime},
	}
	for _, d := range durations {
		v := os.Getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s must be a duration (e.g. %s): %w", d.name, d.example, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("%s must not be negative, got %s", d.name, v)
		}
		*d.dst = parsed
	}

	if v := os.Getenv(EnvMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer (e.g. 3): %w", EnvMaxRetries, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("%s must not be negative, got %d", EnvMaxRetries, n)
		}
		cfg.Retry.MaxRetries = n
	}

	if v := os.Getenv(EnvRefreshPath); v != "" {
		cfg.RefreshPath = v
	}

	return cfg, nil
}
