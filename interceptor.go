package apiclient

import (
	"net/http"
)

// Interceptor wraps one physical attempt. It may augment the outgoing request,
// inspect or replace the raw response, or short-circuit with an error.
type Interceptor func(req *http.Request, next http.RoundTripper) (*http.Response, error)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// chainInterceptors composes interceptors around base; the first interceptor is outermost.
func chainInterceptors(base http.RoundTripper, interceptors []Interceptor) http.RoundTripper {
	current := base
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return interceptor(r, next)
		})
	}
	return current
}

// HeaderInterceptor sets a fixed header on every attempt.
func HeaderInterceptor(key, value string) Interceptor {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		req.Header.Set(key, value)
		return next.RoundTrip(req)
	}
}
