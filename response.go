package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
)

// Response is the envelope handed back for a successful call. Body holds the
// resource itself: when the backend wraps results as {data, message, success},
// the data member is unwrapped into Body and message/success are lifted out.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          json.RawMessage
	Message       string
	Success       bool
	CorrelationID string
	Attempts      int
}

// Decode unmarshals Body into v. A malformed body surfaces as an unknown-kind *Error.
func (r *Response) Decode(v any) error {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		e := newError(KindUnknown, r.StatusCode, err)
		e.Code = CodeMalformedBody
		e.Message = "The server returned a response that could not be read."
		e.RequestID = r.CorrelationID
		return e
	}
	return nil
}

// DecodeAs decodes the response body into a new T.
func DecodeAs[T any](r *Response) (T, error) {
	var out T
	err := r.Decode(&out)
	return out, err
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message *string         `json:"message"`
	Success *bool           `json:"success"`
}

// newResponse interprets a 2xx body. A document counts as an envelope only when it
// carries a boolean success member alongside data or message; anything else is a
// bare resource.
func newResponse(status int, header http.Header, body []byte) *Response {
	resp := &Response{
		StatusCode: status,
		Header:     header,
		Success:    true,
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return resp
	}
	resp.Body = json.RawMessage(trimmed)

	if trimmed[0] != '{' {
		return resp
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return resp
	}
	_, hasData := probe["data"]
	_, hasMessage := probe["message"]
	if _, hasSuccess := probe["success"]; !hasSuccess || (!hasData && !hasMessage) {
		return resp
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Success == nil {
		return resp
	}

	resp.Success = *env.Success
	if env.Message != nil {
		resp.Message = *env.Message
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		resp.Body = env.Data
	} else {
		resp.Body = nil
	}
	return resp
}

// readBody reads up to limit bytes of body. truncated is set when the body holds
// more than limit bytes; data then holds the first limit bytes.
func readBody(body io.Reader, limit int64) (data []byte, truncated bool, err error) {
	n := limit
	if n < math.MaxInt64 {
		n++
	}
	data, err = io.ReadAll(io.LimitReader(body, n))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

func bodyTooLargeError(status int, limit int64) *Error {
	e := newError(KindUnknown, status, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, limit))
	e.Code = CodeBodyTooLarge
	e.Message = "The server returned a response that was too large to read."
	return e
}
