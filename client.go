// Package apiclient provides a resilient request layer for JSON APIs:
// bounded-timeout execution, error classification into a recovery-oriented
// taxonomy, retry with exponential backoff and jitter, circuit breaking,
// cache invalidation after mutations, and per-operation telemetry.
//
// Components compose around the Executor interface. A typical stack wraps
// an HTTPExecutor with a circuit breaker (inner) and retry (outer):
//
//	exec := apiclient.NewHTTPExecutor(
//	    apiclient.WithExecutorTimeout(10*time.Second),
//	    apiclient.WithTelemetry(tel),
//	)
//	client := apiclient.Compose(exec,
//	    apiclient.DefaultRetryPolicy(),
//	    apiclient.DefaultCircuitBreakerConfig(),
//	    logger,
//	)
//	resp, err := client.Execute(ctx, &apiclient.Request{
//	    Method: http.MethodPost,
//	    URL:    "https://api.example.com/decisions",
//	    Body:   decision,
//	})
package apiclient

import (
	"context"
)

// Executor executes one request descriptor and returns a parsed response
// or a classified *Error. Wrappers (retry, circuit breaker, telemetry)
// implement Executor themselves so they can be layered in any order.
//
// The context controls timeouts and cancellation; implementations must
// observe it at their suspension points.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) (*Response, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
