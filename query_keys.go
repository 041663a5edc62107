package apiclient

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// QueryKey identifies a cached query: a resource path plus an order-independent
// encoding of its filters, e.g. "topics?page=2&status=approved".
type QueryKey string

// NewQueryKey builds a key from a resource path and filter parameters. Parameters
// are sorted by name, multi-values are sorted, and nil or empty values are dropped,
// so logically identical queries always produce the same key.
func NewQueryKey(resource string, params map[string]any) QueryKey {
	values := url.Values{}
	for name, v := range params {
		for _, s := range paramStrings(v) {
			if s != "" {
				values.Add(name, s)
			}
		}
	}
	return KeyFromValues(resource, values)
}

// KeyFromValues builds a key from a resource path and url.Values.
func KeyFromValues(resource string, values url.Values) QueryKey {
	resource = strings.Trim(resource, "/")
	cleaned := url.Values{}
	for name, vs := range values {
		var kept []string
		for _, v := range vs {
			if v != "" {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			continue
		}
		sort.Strings(kept)
		cleaned[name] = kept
	}
	if len(cleaned) == 0 {
		return QueryKey(resource)
	}
	// Encode sorts by parameter name.
	return QueryKey(resource + "?" + cleaned.Encode())
}

func paramStrings(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []string{val}
	case []string:
		return val
	case fmt.Stringer:
		return []string{val.String()}
	case []int:
		out := make([]string, len(val))
		for i, n := range val {
			out[i] = fmt.Sprint(n)
		}
		return out
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, paramStrings(item)...)
		}
		return out
	default:
		return []string{fmt.Sprint(val)}
	}
}

// String implements fmt.Stringer.
func (k QueryKey) String() string {
	return string(k)
}

// Resource returns the path part of the key.
func (k QueryKey) Resource() string {
	s := string(k)
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i]
	}
	return s
}

// HasPrefix reports whether prefix selects k. Matching stops at segment
// boundaries: "topics" selects "topics", "topics/7" and "topics?page=2" but not
// "topicsx". A prefix with a query selects keys carrying the same leading
// parameters: "topics?page=2" selects "topics?page=2&tag=a" but not "topics?page=20".
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	p := strings.Trim(string(prefix), "/")
	s := string(k)
	if p == "" {
		return true
	}
	if !strings.HasPrefix(s, p) {
		return false
	}
	if len(s) == len(p) {
		return true
	}
	// Past the '?' only whole parameters match.
	if strings.Contains(p, "?") {
		return s[len(p)] == '&'
	}
	switch s[len(p)] {
	case '/', '?':
		return true
	}
	return false
}

// Keys for the discussion platform's resources.

// TopicsKey is the topic list, filtered by params (page, status, tag, search).
func TopicsKey(params map[string]any) QueryKey {
	return NewQueryKey("topics", params)
}

// TopicKey is a single topic.
func TopicKey(id string) QueryKey {
	return NewQueryKey("topics/"+url.PathEscape(id), nil)
}

// PostsKey is the post list of a topic.
func PostsKey(topicID string, params map[string]any) QueryKey {
	return NewQueryKey("topics/"+url.PathEscape(topicID)+"/posts", params)
}

// PostKey is a single post.
func PostKey(id string) QueryKey {
	return NewQueryKey("posts/"+url.PathEscape(id), nil)
}

// UserKey is a user profile.
func UserKey(id string) QueryKey {
	return NewQueryKey("users/"+url.PathEscape(id), nil)
}

// UserBadgesKey is the badge list of a user.
func UserBadgesKey(userID string) QueryKey {
	return NewQueryKey("users/"+url.PathEscape(userID)+"/badges", nil)
}

// LeaderboardKey is the leaderboard, filtered by params (period, page).
func LeaderboardKey(params map[string]any) QueryKey {
	return NewQueryKey("leaderboard", params)
}

// AppealsKey is the appeal queue, filtered by params.
func AppealsKey(params map[string]any) QueryKey {
	return NewQueryKey("appeals", params)
}

// FlagsKey is the flag queue, filtered by params.
func FlagsKey(params map[string]any) QueryKey {
	return NewQueryKey("flags", params)
}
