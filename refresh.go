package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// HTTPRefresher exchanges the refresh token at the backend's refresh endpoint.
// Cookie-based refresh works too: the shared http.Client's jar carries the cookie
// and the body is sent empty when no refresh token is held. The refresher a Client
// builds sends through the client's interceptor chain and carries its own
// correlation id.
type HTTPRefresher struct {
	transport         http.RoundTripper
	endpoint          string
	userAgent         string
	correlationHeader string
	newID             func() string
	maxBodyBytes      int64
}

// NewHTTPRefresher creates a refresher posting to endpoint, an absolute URL.
func NewHTTPRefresher(client *http.Client, endpoint string) *HTTPRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRefresher{
		transport:         RoundTripperFunc(client.Do),
		endpoint:          endpoint,
		correlationHeader: "X-Request-ID",
		newID:             uuid.NewString,
		maxBodyBytes:      1 << 20,
	}
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, current TokenPair) (TokenPair, error) {
	var body io.Reader = http.NoBody
	if current.RefreshToken != "" {
		payload, err := json.Marshal(map[string]string{"refresh_token": current.RefreshToken})
		if err != nil {
			return TokenPair{}, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return TokenPair{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	if r.correlationHeader != "" && r.newID != nil {
		req.Header.Set(r.correlationHeader, r.newID())
	}
	req.Header.Set(AttemptHeader, "1")

	resp, err := r.transport.RoundTrip(req)
	if err != nil {
		return TokenPair{}, Normalize(err)
	}
	defer resp.Body.Close()

	data, truncated, err := readBody(resp.Body, r.maxBodyBytes)
	if err != nil {
		return TokenPair{}, Normalize(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenPair{}, NormalizeResponse(resp.StatusCode, resp.Header, data)
	}
	if truncated {
		return TokenPair{}, bodyTooLargeError(resp.StatusCode, r.maxBodyBytes)
	}

	var pair TokenPair
	if err := newResponse(resp.StatusCode, resp.Header, data).Decode(&pair); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}
