package apiclient

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
)

// Request describes one logical call against the backend. Client.Do works on a
// private copy, so a Request can be reused and shared freely. NewRequest reads an
// io.Reader body up front; a reader assigned to Body directly is drained by the
// first Do.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header

	bodyErr       error
	retrySafe     bool
	skipAuth      bool
	correlationID string
	attempt       int
}

// RequestOption customizes a Request.
type RequestOption func(*Request)

// NewRequest builds a Request. Path is relative to the client's base URL and may
// carry its own query string.
func NewRequest(method, path string, body any, opts ...RequestOption) *Request {
	r := &Request{
		Method: method,
		Path:   path,
		Body:   body,
	}
	if reader, ok := body.(io.Reader); ok {
		data, err := io.ReadAll(reader)
		r.Body, r.bodyErr = data, err
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithQuery merges values into the request's query parameters.
func WithQuery(values url.Values) RequestOption {
	return func(r *Request) {
		if r.Query == nil {
			r.Query = url.Values{}
		}
		for k, vs := range values {
			for _, v := range vs {
				r.Query.Add(k, v)
			}
		}
	}
}

// WithParam adds a single query parameter.
func WithParam(key, value string) RequestOption {
	return func(r *Request) {
		if r.Query == nil {
			r.Query = url.Values{}
		}
		r.Query.Add(key, value)
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		r.Header.Set(key, value)
	}
}

// WithRetrySafe marks a non-idempotent request as safe to retry, for example a POST
// carrying an idempotency key.
func WithRetrySafe() RequestOption {
	return func(r *Request) {
		r.retrySafe = true
	}
}

// WithoutAuth sends the request without credentials and never triggers a session
// refresh on 401. Use it for login and registration calls.
func WithoutAuth() RequestOption {
	return func(r *Request) {
		r.skipAuth = true
	}
}

// WithCorrelationID pins the correlation id instead of generating one.
func WithCorrelationID(id string) RequestOption {
	return func(r *Request) {
		r.correlationID = id
	}
}

// Idempotent reports whether the request may be retried after a transient failure.
func (r *Request) Idempotent() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return r.retrySafe
	}
}

// Attempt is the number of physical attempts made so far.
func (r *Request) Attempt() int {
	return r.attempt
}

// CorrelationID is stable across all attempts of one logical request.
func (r *Request) CorrelationID() string {
	return r.correlationID
}

func (r *Request) clone() *Request {
	c := *r
	if r.Query != nil {
		c.Query = make(url.Values, len(r.Query))
		for k, vs := range r.Query {
			c.Query[k] = append([]string(nil), vs...)
		}
	}
	if r.Header != nil {
		c.Header = r.Header.Clone()
	}
	c.attempt = 0
	return &c
}

// encodeBody serializes the body once so every attempt sends the same bytes.
func (r *Request) encodeBody() ([]byte, error) {
	if r.bodyErr != nil {
		return nil, r.bodyErr
	}
	switch b := r.Body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	case io.Reader:
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(b); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.Marshal(b)
	}
}
