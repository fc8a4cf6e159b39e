package apiclient

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Request describes one API call. Construct a fresh descriptor per call
// site and treat it as immutable afterwards; executors never modify it.
type Request struct {
	// Method is one of GET, POST, PUT, DELETE, PATCH.
	Method string

	// URL is the absolute target URL.
	URL string

	// Body, when non-nil, is marshaled to JSON and sent with
	// Content-Type: application/json.
	Body any

	// Headers are added to the outgoing request. X-Request-ID is always
	// set from the operation correlation id and cannot be overridden.
	Headers map[string]string

	// Timeout bounds the whole call. Zero means the executor default.
	Timeout time.Duration

	// Retry overrides the wrapper's retry policy for this request.
	Retry *RetryPolicy

	// InvalidateKeys lists the cache keys a successful mutation through
	// this request makes stale. Callers pass them to an Invalidator
	// after the call settles; executors only carry the hint.
	InvalidateKeys []CacheKey
}

// IsMutation reports whether the request's method implies state change on
// the server, which is what makes cache invalidation relevant.
func (r *Request) IsMutation() bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

// Response is the parsed result of a successful request.
type Response struct {
	// Status is the HTTP status code.
	Status int

	// Header holds the response headers.
	Header http.Header

	// Body is the raw response body. Empty for 204 responses.
	Body []byte

	// JSON is the body as raw JSON when the response was JSON, either by
	// declared content type or by successful sniffing of a text body.
	// Nil otherwise.
	JSON json.RawMessage

	// Duration is how long the call took, as measured by the executor.
	Duration time.Duration

	// OperationID is the correlation id the call was executed under.
	OperationID string
}

// IsEmpty reports whether the response carried no body.
func (r *Response) IsEmpty() bool { return len(r.Body) == 0 }

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Body) }

// Decode unmarshals the JSON body into v. It fails with a classified
// VALIDATION error when the response was not JSON.
func (r *Response) Decode(v any) error {
	if r.JSON == nil {
		e := newError(KindValidation, "response is not JSON", nil)
		e.HTTPStatus = r.Status
		e.OperationID = r.OperationID
		return e
	}
	if err := json.Unmarshal(r.JSON, v); err != nil {
		e := newError(KindValidation, "decode response: "+err.Error(), err)
		e.HTTPStatus = r.Status
		e.OperationID = r.OperationID
		return e
	}
	return nil
}

// sniffJSON attempts a best-effort JSON parse of a text body. Only bodies
// that look JSON-shaped are tried; anything else stays verbatim text.
func sniffJSON(body []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' && trimmed[0] != '"' {
		return nil
	}
	if !json.Valid(body) {
		return nil
	}
	return json.RawMessage(body)
}
