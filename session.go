package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the lifecycle state of the authenticated session.
type SessionState int

const (
	// StateAnonymous means no token pair is held.
	StateAnonymous SessionState = iota

	// StateAuthenticated means a token pair is held and no refresh is running.
	StateAuthenticated

	// StateRefreshing means exactly one refresh is in flight.
	StateRefreshing
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// TokenPair is the credential set for the current user.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// UnmarshalJSON accepts snake_case and camelCase spellings, and expires_in seconds
// as an alternative to an absolute expiry.
func (p *TokenPair) UnmarshalJSON(data []byte) error {
	var raw struct {
		AccessToken       string     `json:"access_token"`
		AccessTokenCamel  string     `json:"accessToken"`
		RefreshToken      string     `json:"refresh_token"`
		RefreshTokenCamel string     `json:"refreshToken"`
		ExpiresAt         *time.Time `json:"expires_at"`
		ExpiresAtCamel    *time.Time `json:"expiresAt"`
		ExpiresIn         *float64   `json:"expires_in"`
		ExpiresInCamel    *float64   `json:"expiresIn"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = TokenPair{
		AccessToken:  firstNonEmpty(raw.AccessToken, raw.AccessTokenCamel),
		RefreshToken: firstNonEmpty(raw.RefreshToken, raw.RefreshTokenCamel),
	}
	switch {
	case raw.ExpiresAt != nil:
		p.ExpiresAt = *raw.ExpiresAt
	case raw.ExpiresAtCamel != nil:
		p.ExpiresAt = *raw.ExpiresAtCamel
	case raw.ExpiresIn != nil:
		p.ExpiresAt = time.Now().Add(time.Duration(*raw.ExpiresIn * float64(time.Second)))
	case raw.ExpiresInCamel != nil:
		p.ExpiresAt = time.Now().Add(time.Duration(*raw.ExpiresInCamel * float64(time.Second)))
	}
	return nil
}

// LogValue keeps tokens out of log output.
func (p TokenPair) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("access_token", p.AccessToken != ""),
		slog.Bool("refresh_token", p.RefreshToken != ""),
		slog.Time("expires_at", p.ExpiresAt),
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Refresher mints a new token pair from the current one.
type Refresher interface {
	Refresh(ctx context.Context, current TokenPair) (TokenPair, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, current TokenPair) (TokenPair, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, current TokenPair) (TokenPair, error) {
	return f(ctx, current)
}

// SessionOption is a functional option for configuring a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessionTimeout bounds every refresh call. Zero means no bound beyond the refresher's own.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithExpiredHandler registers the callback fired once per failed refresh.
func WithExpiredHandler(fn func(error)) SessionOption {
	return func(s *Session) {
		s.onExpired = fn
	}
}

// WithSessionMetrics records refresh outcomes.
func WithSessionMetrics(metrics *MetricsCollector) SessionOption {
	return func(s *Session) {
		s.metrics = metrics
	}
}

// Session owns the token pair and serializes refreshes. Only Session writes the pair.
type Session struct {
	refresher Refresher
	logger    *slog.Logger
	metrics   *MetricsCollector
	onExpired func(error)
	timeout   time.Duration

	mu         sync.Mutex
	tokens     TokenPair
	state      SessionState
	generation uint64
	call       *refreshCall

	refreshes atomic.Int64
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// NewSession creates an anonymous session that refreshes through refresher.
func NewSession(refresher Refresher, opts ...SessionOption) *Session {
	s := &Session{
		refresher: refresher,
		logger:    slog.Default(),
		state:     StateAnonymous,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Establish installs a token pair after login, registration or OAuth completion.
// A refresh still in flight is discarded.
func (s *Session) Establish(pair TokenPair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.call = nil
	s.tokens = pair
	if pair.AccessToken == "" {
		s.state = StateAnonymous
		return
	}
	s.state = StateAuthenticated
}

// Clear drops the token pair on logout. No expired signal is emitted.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.call = nil
	s.tokens = TokenPair{}
	s.state = StateAnonymous
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AccessToken returns the live access token, or "" when anonymous.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens.AccessToken
}

// Tokens returns a copy of the current token pair.
func (s *Session) Tokens() TokenPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// RefreshCount is the number of refreshes started so far.
func (s *Session) RefreshCount() int64 {
	return s.refreshes.Load()
}

// EnsureValid is called after a request sent with failedToken was rejected. It
// returns nil once a usable access token is installed. Concurrent callers share a
// single refresh and all observe its outcome. A caller whose ctx ends stops
// waiting without affecting the refresh.
func (s *Session) EnsureValid(ctx context.Context, failedToken string) error {
	s.mu.Lock()
	switch s.state {
	case StateRefreshing:
		call := s.call
		s.mu.Unlock()
		return s.wait(ctx, call)
	case StateAnonymous:
		s.mu.Unlock()
		return sessionError(ErrNoSession)
	}

	if failedToken != "" && failedToken != s.tokens.AccessToken {
		// Rotated after the failing request was sent.
		s.mu.Unlock()
		return nil
	}

	call := &refreshCall{done: make(chan struct{})}
	s.call = call
	s.state = StateRefreshing
	gen := s.generation
	current := s.tokens
	s.mu.Unlock()

	s.refreshes.Add(1)
	go s.refresh(context.WithoutCancel(ctx), call, gen, current)

	return s.wait(ctx, call)
}

func (s *Session) wait(ctx context.Context, call *refreshCall) error {
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return Normalize(ctx.Err())
	}
}

func (s *Session) refresh(ctx context.Context, call *refreshCall, gen uint64, current TokenPair) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	pair, err := s.refresher.Refresh(ctx, current)
	if err == nil && pair.AccessToken == "" {
		err = errors.New("apiclient: refresh returned no access token")
	}
	if err == nil && pair.RefreshToken == "" {
		pair.RefreshToken = current.RefreshToken
	}

	outcome := "success"
	s.mu.Lock()
	switch {
	case gen != s.generation:
		outcome = "discarded"
		if s.state != StateAuthenticated {
			call.err = sessionError(ErrSessionCleared)
		}
	case err != nil:
		outcome = "failure"
		s.generation++
		s.tokens = TokenPair{}
		s.state = StateAnonymous
		call.err = sessionError(err)
	default:
		s.tokens = pair
		s.state = StateAuthenticated
	}
	if s.call == call {
		s.call = nil
	}
	close(call.done)
	s.mu.Unlock()

	duration := time.Since(start)
	s.metrics.RecordRefresh(outcome, duration)

	switch outcome {
	case "success":
		s.logger.Info("session refreshed", "duration", duration, "tokens", pair)
	case "failure":
		s.logger.Warn("session refresh failed, session expired", "duration", duration, "error", err)
		if s.onExpired != nil {
			s.onExpired(call.err)
		}
	default:
		s.logger.Debug("refresh outcome discarded, session changed during refresh", "error", err)
	}
}

func sessionError(cause error) *Error {
	e := newError(KindAuthentication, 0, cause)
	e.Code = CodeSessionLost
	var apiErr *Error
	if errors.As(cause, &apiErr) {
		e.Status = apiErr.Status
	}
	return e
}
