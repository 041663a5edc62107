package apiclient

import (
	"context"
	"fmt"
)

type queryOptions struct {
	fetch   []FetchOption
	request []RequestOption
}

// QueryOption customizes Query.
type QueryOption func(*queryOptions)

// WithFetch passes cache options (staleness, mode) to the underlying fetch.
func WithFetch(opts ...FetchOption) QueryOption {
	return func(o *queryOptions) {
		o.fetch = append(o.fetch, opts...)
	}
}

// WithRequest passes request options to the underlying GET.
func WithRequest(opts ...RequestOption) QueryOption {
	return func(o *queryOptions) {
		o.request = append(o.request, opts...)
	}
}

// Query reads a resource through the client's cache and decodes it into T. When
// path is empty the key itself is requested. Widgets asking for the same key at
// the same time share one network call.
//
// Example:
//
//	topics, err := apiclient.Query[[]Topic](ctx, client,
//	    apiclient.TopicsKey(map[string]any{"page": 2}), "/topics?page=2")
func Query[T any](ctx context.Context, c *Client, key QueryKey, path string, opts ...QueryOption) (T, error) {
	var zero T

	o := queryOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if path == "" {
		path = "/" + string(key)
	}

	v, err := c.cache.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		resp, err := c.Get(ctx, path, o.request...)
		if err != nil {
			return nil, err
		}
		out, err := DecodeAs[T](resp)
		if err != nil {
			return nil, err
		}
		return out, nil
	}, o.fetch...)
	if err != nil {
		return zero, err
	}

	out, ok := v.(T)
	if !ok {
		return zero, newError(KindUnknown, 0, fmt.Errorf("apiclient: cached value for %q is %T, not %T", key, v, zero))
	}
	return out, nil
}

// Mutate runs a write request, decodes the result into T and, on success, marks
// the queries selected by each invalidate prefix as stale.
//
// Example:
//
//	post, err := apiclient.Mutate[Post](ctx, client,
//	    apiclient.NewRequest(http.MethodPost, "/topics/7/posts", draft),
//	    apiclient.PostsKey("7", nil), apiclient.TopicKey("7"))
func Mutate[T any](ctx context.Context, c *Client, req *Request, invalidate ...QueryKey) (T, error) {
	var zero T

	resp, err := c.Do(ctx, req)
	if err != nil {
		return zero, err
	}
	for _, key := range invalidate {
		c.cache.Invalidate(key)
	}
	return DecodeAs[T](resp)
}
