package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

// Kind classifies a normalized error. The UI picks a display strategy from it:
// validation errors render field messages, authentication sends the user to
// sign-in, everything else gets a generic retry affordance.
type Kind string

const (
	// KindNetwork means no response was received.
	KindNetwork Kind = "network"

	// KindTimeout means an attempt exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindAuthentication covers 401 responses and sessions that could not be restored.
	KindAuthentication Kind = "authentication"

	// KindAuthorization covers 403 responses.
	KindAuthorization Kind = "authorization"

	// KindValidation covers 400 and 422 responses.
	KindValidation Kind = "validation"

	// KindNotFound covers 404 responses.
	KindNotFound Kind = "notFound"

	// KindServerError covers 5xx responses.
	KindServerError Kind = "serverError"

	// KindUnknown is everything else.
	KindUnknown Kind = "unknown"
)

// Machine codes set by the client itself. Backend-provided codes are passed through unchanged.
const (
	CodeCanceled      = "canceled"
	CodeCircuitOpen   = "circuit_open"
	CodeMalformedBody = "malformed_body"
	CodeEncodeFailed  = "encode_failed"
	CodeSessionLost   = "session_expired"
	CodeBodyTooLarge  = "body_too_large"
)

// Sentinel causes wrapped inside *Error values.
var (
	// ErrNoSession is the cause when a refresh is requested without a live session.
	ErrNoSession = errors.New("apiclient: no active session")

	// ErrSessionCleared is the cause when the session was cleared while a refresh was in flight.
	ErrSessionCleared = errors.New("apiclient: session cleared during refresh")

	// ErrCacheMiss is returned by cached-only fetches when no entry exists.
	ErrCacheMiss = errors.New("apiclient: cache miss")

	// ErrBodyTooLarge is the cause when a successful response exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("apiclient: response body too large")
)

var defaultMessages = map[Kind]string{
	KindNetwork:        "Unable to reach the server. Check your connection and try again.",
	KindTimeout:        "The request timed out. Please try again.",
	KindAuthentication: "Your session has expired. Please sign in again.",
	KindAuthorization:  "You do not have permission to perform this action.",
	KindValidation:     "Some of the submitted information is invalid.",
	KindNotFound:       "The requested resource was not found.",
	KindServerError:    "The server encountered an error. Please try again later.",
	KindUnknown:        "An unexpected error occurred.",
}

// DefaultMessage returns the display message used when the backend supplies none.
func DefaultMessage(kind Kind) string {
	if msg, ok := defaultMessages[kind]; ok {
		return msg
	}
	return defaultMessages[KindUnknown]
}

// FieldError is one field-level validation message.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error is the single error shape surfaced to callers of the client.
type Error struct {
	Kind    Kind         `json:"kind"`
	Message string       `json:"message"`
	Status  int          `json:"statusCode"`
	Code    string       `json:"code,omitempty"`
	Details []FieldError `json:"details,omitempty"`

	// Request context, filled in by the transport.
	RequestID string `json:"requestId,omitempty"`
	Method    string `json:"-"`
	Path      string `json:"-"`
	Attempt   int    `json:"-"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("apiclient: %s error", e.Kind)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s [request %s]", msg, e.RequestID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind, and by status when the target sets one.
// This lets callers write errors.Is(err, &apiclient.Error{Kind: apiclient.KindNotFound}).
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Status == 0 || t.Status == e.Status
}

// StatusCode returns the HTTP status, or 0 when no response was received.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.Status
}

// FieldMessages groups validation details by field name.
func (e *Error) FieldMessages() map[string][]string {
	if e == nil || len(e.Details) == 0 {
		return nil
	}
	out := make(map[string][]string, len(e.Details))
	for _, d := range e.Details {
		out[d.Field] = append(out[d.Field], d.Message)
	}
	return out
}

// KindOf returns the normalized kind of any error. Nil errors have no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Normalize(err).Kind
}

// IsKind reports whether err normalizes to kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func newError(kind Kind, status int, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: DefaultMessage(kind),
		Status:  status,
		Err:     cause,
	}
}

// Normalize converts a failure that did not come with an HTTP response into an *Error.
// Already-normalized errors pass through. Nil in, nil out.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr
	}

	switch {
	case errors.Is(err, context.Canceled):
		e := newError(KindUnknown, 0, err)
		e.Code = CodeCanceled
		e.Message = "The request was canceled."
		return e
	case errors.Is(err, context.DeadlineExceeded), jperrors.IsTimeout(err), isNetTimeout(err):
		return newError(KindTimeout, 0, err)
	default:
		return newError(KindNetwork, 0, err)
	}
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// KindForStatus maps an HTTP status code to its error kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 500 && status <= 599:
		return KindServerError
	default:
		return KindUnknown
	}
}

// NormalizeResponse builds an *Error from a non-2xx response. The body may be a bare
// object, a {data, message, success} envelope, a FastAPI-style {detail} document, plain
// text, HTML or nothing at all; whatever can be recovered is kept.
func NormalizeResponse(status int, header http.Header, body []byte) *Error {
	kind := KindForStatus(status)
	e := newError(kind, status, nil)

	message, code, details := parseErrorBody(header, body)
	if message != "" {
		e.Message = message
	}
	e.Code = code
	if kind == KindValidation {
		e.Details = details
	}
	return e
}

const maxTextMessage = 200

func parseErrorBody(header http.Header, body []byte) (string, string, []FieldError) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", "", nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		var s string
		if json.Unmarshal(trimmed, &s) == nil {
			return strings.TrimSpace(s), "", nil
		}
		return plainTextMessage(header, trimmed), "", nil
	}

	message := stringField(doc, "message", "msg", "error_description", "title")
	code := stringField(doc, "code", "error_code")
	var details []FieldError

	if raw, ok := doc["detail"]; ok {
		if s, ok := asString(raw); ok {
			if message == "" {
				message = s
			}
		} else {
			details = append(details, parseDetails(raw)...)
		}
	}

	if raw, ok := doc["error"]; ok {
		if s, ok := asString(raw); ok {
			if message == "" {
				message = s
			}
		} else {
			var nested map[string]json.RawMessage
			if json.Unmarshal(raw, &nested) == nil {
				if message == "" {
					message = stringField(nested, "message", "msg", "detail")
				}
				if code == "" {
					code = stringField(nested, "code", "error_code", "type")
				}
				for _, name := range []string{"details", "errors", "fields"} {
					if d, ok := nested[name]; ok {
						details = append(details, parseDetails(d)...)
					}
				}
			}
		}
	}

	for _, name := range []string{"details", "errors", "fields"} {
		if raw, ok := doc[name]; ok {
			details = append(details, parseDetails(raw)...)
		}
	}

	if message == "" && len(details) == 1 {
		message = details[0].Message
	}
	return message, code, details
}

func plainTextMessage(header http.Header, body []byte) string {
	if header != nil {
		ct := strings.ToLower(header.Get("Content-Type"))
		if strings.Contains(ct, "html") || strings.Contains(ct, "json") {
			return ""
		}
	}
	if len(body) > 0 && body[0] == '<' {
		return ""
	}
	text := strings.TrimSpace(string(body))
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if text == "" || len(text) > maxTextMessage {
		return ""
	}
	return text
}

func stringField(doc map[string]json.RawMessage, names ...string) string {
	for _, name := range names {
		raw, ok := doc[name]
		if !ok {
			continue
		}
		if s, ok := asString(raw); ok && s != "" {
			return s
		}
	}
	return ""
}

// asString accepts JSON strings and numbers; numeric codes are common.
func asString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func parseDetails(raw json.RawMessage) []FieldError {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]FieldError, 0, len(list))
		for _, item := range list {
			if fe, ok := parseDetailItem("", item); ok {
				out = append(out, fe)
			}
		}
		return out
	}

	var byField map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byField); err != nil {
		return nil
	}
	fields := make([]string, 0, len(byField))
	for field := range byField {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var out []FieldError
	for _, field := range fields {
		value := byField[field]
		var many []json.RawMessage
		if json.Unmarshal(value, &many) == nil {
			for _, item := range many {
				if fe, ok := parseDetailItem(field, item); ok {
					out = append(out, fe)
				}
			}
			continue
		}
		if fe, ok := parseDetailItem(field, value); ok {
			out = append(out, fe)
		}
	}
	return out
}

func parseDetailItem(field string, raw json.RawMessage) (FieldError, bool) {
	if s, ok := asString(raw); ok {
		if s == "" {
			return FieldError{}, false
		}
		return FieldError{Field: field, Message: s}, true
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return FieldError{}, false
	}
	fe := FieldError{
		Field:   field,
		Message: stringField(obj, "message", "msg", "detail"),
		Code:    stringField(obj, "code", "type"),
	}
	if fe.Field == "" {
		fe.Field = stringField(obj, "field", "param", "path", "name")
	}
	if fe.Field == "" {
		if loc, ok := obj["loc"]; ok {
			fe.Field = joinLocation(loc)
		}
	}
	if fe.Message == "" {
		return FieldError{}, false
	}
	return fe, true
}

// joinLocation flattens a FastAPI loc array such as ["body", "title"] into "title".
func joinLocation(raw json.RawMessage) string {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		s, _ := asString(raw)
		return s
	}
	segments := make([]string, 0, len(parts))
	for i, p := range parts {
		s, ok := asString(p)
		if !ok {
			continue
		}
		if i == 0 && (s == "body" || s == "query" || s == "path" || s == "header") && len(parts) > 1 {
			continue
		}
		if _, err := strconv.Atoi(s); err == nil && len(segments) > 0 {
			segments[len(segments)-1] += "[" + s + "]"
			continue
		}
		segments = append(segments, s)
	}
	return strings.Join(segments, ".")
}
