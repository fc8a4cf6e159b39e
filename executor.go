package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"
)

// HTTPExecutor issues one network call per Execute with a bounded timeout,
// negotiated response parsing, and classified failures. It is the base of
// every wrapper stack.
type HTTPExecutor struct {
	client        *http.Client
	timeout       time.Duration
	slowThreshold time.Duration
	logger        *slog.Logger
	telemetry     *Telemetry
}

// NewHTTPExecutor creates an executor with the given options.
func NewHTTPExecutor(opts ...ExecutorOption) *HTTPExecutor {
	config := DefaultExecutorConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}

	return &HTTPExecutor{
		client:        config.Client,
		timeout:       config.Timeout,
		slowThreshold: config.SlowThreshold,
		logger:        config.Logger,
		telemetry:     config.Telemetry,
	}
}

// Execute performs the request. On success it returns the parsed response;
// on failure a classified *Error carrying the operation correlation id.
//
// The call is bounded by the request timeout (or the executor default):
// exceeding it cancels the underlying call and yields a TIMEOUT error with
// status 408. The timeout branch takes priority over the generic NETWORK
// classification of transport failures.
func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (*Response, error) {
	opID := OperationIDFromContext(ctx)
	if opID == "" {
		opID = NewOperationID()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.do(ctx, req, opID)
	elapsed := time.Since(start)

	outcome := "success"
	status := 0
	if err != nil {
		var classified *Error
		if errors.As(err, &classified) {
			outcome = string(classified.Kind)
			status = classified.HTTPStatus
			classified.RetryCount = retryCountFromContext(ctx)
		}
	} else {
		resp.Duration = elapsed
		status = resp.Status
	}

	e.record(req, opID, elapsed, status, outcome)
	return resp, err
}

// do runs the call and parses the result; Execute wraps it with timing and
// telemetry so every path records exactly once.
func (e *HTTPExecutor) do(ctx context.Context, req *Request, opID string) (*Response, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, e.enrich(newError(KindValidation, "encode request body: "+err.Error(), err), req, opID)
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, e.enrich(newError(KindValidation, "build request: "+err.Error(), err), req, opID)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("X-Request-ID", opID)

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, e.transportError(ctx, req, opID, err)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, e.transportError(ctx, req, opID, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, e.statusError(req, opID, httpResp, body)
	}

	return e.parse(httpResp, body, opID), nil
}

// transportError classifies a failure that produced no response. An
// exceeded deadline always wins over the generic NETWORK classification.
func (e *HTTPExecutor) transportError(ctx context.Context, req *Request, opID string, cause error) *Error {
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		enhanced := newError(KindTimeout, "request timed out", cause)
		enhanced.HTTPStatus = http.StatusRequestTimeout
		return e.enrich(enhanced, req, opID)
	}
	if errors.Is(cause, context.Canceled) {
		enhanced := newError(KindNetwork, "request cancelled", cause)
		return e.enrich(enhanced, req, opID)
	}
	return e.enrich(newError(KindNetwork, cause.Error(), cause), req, opID)
}

// statusError builds the classified error for a non-success status. The
// message is taken from the first of: body message, body error, protocol
// status text, generic fallback.
func (e *HTTPExecutor) statusError(req *Request, opID string, httpResp *http.Response, body []byte) *Error {
	fault := ParseServerFault(body)

	message := fault.FirstMessage()
	if message == "" {
		message = http.StatusText(httpResp.StatusCode)
	}
	if message == "" {
		message = "request failed"
	}

	enhanced := newError(KindForStatus(httpResp.StatusCode), message, nil)
	enhanced.HTTPStatus = httpResp.StatusCode
	enhanced.Fault = fault
	return e.enrich(enhanced, req, opID)
}

// parse negotiates the response body by declared content type: JSON is
// parsed as structured data, 204/empty responses yield an empty result,
// and text is returned verbatim unless it is JSON-shaped, in which case a
// best-effort parse silently falls back to raw text.
func (e *HTTPExecutor) parse(httpResp *http.Response, body []byte, opID string) *Response {
	resp := &Response{
		Status:      httpResp.StatusCode,
		Header:      httpResp.Header,
		Body:        body,
		OperationID: opID,
	}

	if httpResp.StatusCode == http.StatusNoContent || len(body) == 0 {
		return resp
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "application/json" && json.Valid(body) {
		resp.JSON = json.RawMessage(body)
		return resp
	}
	resp.JSON = sniffJSON(body)
	return resp
}

// enrich stamps request context onto a classified error.
func (e *HTTPExecutor) enrich(enhanced *Error, req *Request, opID string) *Error {
	enhanced.URL = req.URL
	enhanced.Method = req.Method
	enhanced.OperationID = opID
	return enhanced
}

// record emits the single per-call telemetry record and the slow-request
// log line.
func (e *HTTPExecutor) record(req *Request, opID string, elapsed time.Duration, status int, outcome string) {
	if e.slowThreshold > 0 && elapsed >= e.slowThreshold {
		e.logger.Warn("slow request",
			"method", req.Method,
			"url", req.URL,
			"duration", elapsed,
			"operation_id", opID)
	}
	if e.telemetry == nil {
		return
	}
	e.telemetry.Record(MetricRequestDuration, elapsed, map[string]string{
		"method":       req.Method,
		"url":          req.URL,
		"status":       strconv.Itoa(status),
		"outcome":      outcome,
		"operation_id": opID,
	})
}
