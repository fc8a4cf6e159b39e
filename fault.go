package apiclient

import (
	"encoding/json"
	"strings"
)

// ServerFault is the parsed server error body. Servers are inconsistent
// about error shapes, so every field is best-effort: any subset may be
// absent. When the body is not a recognisable error object, only Raw is
// populated.
type ServerFault struct {
	// Message is the server's primary error message, if present.
	Message string

	// Detail is the secondary message carried in an "error" field.
	Detail string

	// Code is an application-level error code, if present.
	Code string

	// Errors collects entries of an "errors" array. Entries may arrive
	// as plain strings or as objects carrying message/error fields;
	// both are flattened to strings.
	Errors []string

	// ValidationErrors maps field names to their validation messages.
	ValidationErrors map[string][]string

	// Raw is the unparsed body, kept for logging and diagnostics.
	Raw json.RawMessage
}

// faultEnvelope mirrors the known server error shapes. Fields that vary in
// type across servers are held as raw JSON and decoded per-variant.
type faultEnvelope struct {
	Message          json.RawMessage     `json:"message"`
	Error            json.RawMessage     `json:"error"`
	Code             json.RawMessage     `json:"code"`
	Errors           []json.RawMessage   `json:"errors"`
	ValidationErrors map[string][]string `json:"validationErrors"`
}

// ParseServerFault parses an error response body, trying each known shape
// in order and falling back to an unparsed variant. It never fails: a body
// that matches nothing yields a fault with only Raw set, and an empty body
// yields nil.
func ParseServerFault(body []byte) *ServerFault {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}

	fault := &ServerFault{Raw: json.RawMessage(body)}

	var env faultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fault
	}

	fault.Message = rawString(env.Message)
	fault.Detail = rawString(env.Error)
	fault.Code = rawString(env.Code)
	fault.ValidationErrors = env.ValidationErrors

	for _, raw := range env.Errors {
		if entry := faultEntry(raw); entry != "" {
			fault.Errors = append(fault.Errors, entry)
		}
	}

	return fault
}

// FirstMessage returns the most specific message in the fault, preferring
// Message over Detail over the first entry of Errors.
func (f *ServerFault) FirstMessage() string {
	if f == nil {
		return ""
	}
	if f.Message != "" {
		return f.Message
	}
	if f.Detail != "" {
		return f.Detail
	}
	if len(f.Errors) > 0 {
		return f.Errors[0]
	}
	return ""
}

// rawString decodes a raw JSON value that should be a string but may be a
// number or absent.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Numbers and booleans read verbatim; objects are not messages.
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return ""
	}
	return text
}

// faultEntry flattens one "errors" array entry to a string. Entries are
// either plain strings or objects with a message/error field.
func faultEntry(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Error
	}
	return ""
}
