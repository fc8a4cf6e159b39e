package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// Kind classifies why a request failed. Every error surfaced by this
// package carries exactly one Kind.
type Kind string

const (
	KindNetwork        Kind = "NETWORK"
	KindTimeout        Kind = "TIMEOUT"
	KindAuthentication Kind = "AUTHENTICATION"
	KindAuthorization  Kind = "AUTHORIZATION"
	KindValidation     Kind = "VALIDATION"
	KindNotFound       Kind = "NOT_FOUND"
	KindServer         Kind = "SERVER"
	KindBusinessLogic  Kind = "BUSINESS_LOGIC"
	KindUnknown        Kind = "UNKNOWN"
)

// Severity indicates how serious a classified failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the enriched failure value returned by every component in this
// package. It carries the classification Kind, the operation correlation id
// joining all attempts of one logical call, and recovery metadata the caller
// can surface directly to a user.
//
// Recoverable and RecoverySuggestion are derived from Kind at construction
// time; use WithRecoverable to override for a specific call site.
type Error struct {
	// Kind is always set.
	Kind Kind

	// Severity is derived from Kind.
	Severity Severity

	// HTTPStatus is the response status code, or 0 when the failure
	// happened before a response was received.
	HTTPStatus int

	// Fault holds the parsed server error body, if one was present.
	Fault *ServerFault

	// URL and Method identify the request that failed.
	URL    string
	Method string

	// Timestamp is when this error was created.
	Timestamp time.Time

	// OperationID joins all attempts and telemetry records belonging to
	// one logical operation.
	OperationID string

	// Recoverable reports whether the caller should offer a retry
	// affordance. Derived from Kind unless explicitly overridden.
	Recoverable bool

	// RecoverySuggestion is a human-readable hint shown alongside the
	// error message.
	RecoverySuggestion string

	// RetryCount is the number of retries performed before this error
	// was produced, within the same logical operation.
	RetryCount int

	message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (%d)", e.HTTPStatus)
	}
	b.WriteString(": ")
	b.WriteString(e.message)
	return b.String()
}

// Message returns the human-readable message without the kind prefix.
func (e *Error) Message() string { return e.message }

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status code, implementing the common
// HTTPError convention so other status-aware classifiers can read it.
func (e *Error) StatusCode() int { return e.HTTPStatus }

// WithRecoverable returns a copy of the error with Recoverable overridden.
// The innermost explicit override is authoritative when policies nest.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	clone := *e
	clone.Recoverable = recoverable
	return &clone
}

// kindsByStatus maps HTTP status codes to their Kind. 4xx codes not listed
// here classify as VALIDATION and 5xx as SERVER.
var kindsByStatus = map[int]Kind{
	http.StatusUnauthorized:   KindAuthentication,
	http.StatusForbidden:      KindAuthorization,
	http.StatusNotFound:       KindNotFound,
	http.StatusRequestTimeout: KindTimeout,
}

// KindForStatus returns the Kind for an HTTP status code.
func KindForStatus(status int) Kind {
	if k, ok := kindsByStatus[status]; ok {
		return k
	}
	switch {
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}

var recoverableKinds = map[Kind]bool{
	KindNetwork:        true,
	KindTimeout:        true,
	KindAuthentication: true,
	KindValidation:     true,
	KindBusinessLogic:  true,
}

// IsRecoverable reports whether errors of the given kind warrant a retry
// affordance in the UI, as opposed to a terminal failure message.
func IsRecoverable(kind Kind) bool { return recoverableKinds[kind] }

// SeverityForKind returns the severity associated with a kind.
func SeverityForKind(kind Kind) Severity {
	switch kind {
	case KindAuthentication, KindAuthorization, KindServer:
		return SeverityHigh
	case KindNotFound:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

var suggestionsByKind = map[Kind]string{
	KindNetwork:        "check your connection and try again",
	KindTimeout:        "the request took too long; try again",
	KindAuthentication: "sign in again to continue",
	KindAuthorization:  "you do not have access to this resource",
	KindValidation:     "correct the highlighted fields and resubmit",
	KindNotFound:       "the requested item no longer exists",
	KindServer:         "the service is having trouble; try again later",
	KindBusinessLogic:  "review the reported problem and try again",
	KindUnknown:        "an unexpected error occurred",
}

// SuggestionForKind returns the default recovery suggestion for a kind.
func SuggestionForKind(kind Kind) string { return suggestionsByKind[kind] }

// newError constructs an Error with severity, recoverability and suggestion
// derived from kind.
func newError(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:               kind,
		Severity:           SeverityForKind(kind),
		Recoverable:        IsRecoverable(kind),
		RecoverySuggestion: SuggestionForKind(kind),
		Timestamp:          time.Now(),
		message:            message,
		cause:              cause,
	}
}

// NewError constructs a classified error directly. Use it for failures
// the transport never sees, such as domain rules surfacing as
// BUSINESS_LOGIC errors.
func NewError(kind Kind, message string) *Error {
	return newError(kind, message, nil)
}

// Classify maps a raw failure to an Error. It is deterministic per input
// and idempotent: classifying an already-classified error returns it
// unchanged, never double-wrapped.
//
// Classification order: status code when one can be extracted from the
// error, then well-known sentinel checks, then text-pattern matching on
// the message, then UNKNOWN.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if status := extractStatusCode(err); status != 0 {
		e := newError(KindForStatus(status), err.Error(), err)
		e.HTTPStatus = status
		return e
	}

	// Timeouts can arrive shapeless: context deadlines from the transport,
	// or timeout errors from downstream packages.
	if errors.Is(err, context.DeadlineExceeded) || pkgerrors.IsTimeout(err) {
		e := newError(KindTimeout, err.Error(), err)
		e.HTTPStatus = http.StatusRequestTimeout
		return e
	}

	return newError(kindForMessage(err.Error()), err.Error(), err)
}

// kindForMessage is the text-pattern fallback used when no status code is
// available. Patterns are checked most-specific first.
func kindForMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "timeout", "timed out", "deadline"):
		return KindTimeout
	case containsAny(lower, "connection", "offline", "network", "dns", "refused", "unreachable", "no such host"):
		return KindNetwork
	case containsAny(lower, "unauthorized", "unauthenticated", "forbidden", "permission", "auth"):
		return KindAuthorization
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// HTTPError represents an error with an associated HTTP status code.
// Many HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// extractStatusCode attempts to extract an HTTP status code from an error.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// StatusCodeError wraps an error with an HTTP status code so it classifies
// by status table rather than by message text.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string { return e.Err.Error() }

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status code.
func (e *StatusCodeError) StatusCode() int { return e.Code }

// NewStatusCodeError creates a new StatusCodeError.
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{Code: statusCode, Err: err}
}
