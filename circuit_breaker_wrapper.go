package apiclient

import (
	"context"
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerWrapper wraps an Executor with circuit breaker
// functionality. It tracks classified failures and opens the circuit when
// too many occur, rejecting requests before they reach a failing API.
//
// Only terminal kinds count against the circuit: SERVER and auth failures
// trip it, while TIMEOUT and NETWORK transients (and rate limits) do not.
type CircuitBreakerWrapper struct {
	client Executor
	cb     *gobreaker.CircuitBreaker[*Response]
	logger *slog.Logger
	trips  map[Kind]bool
}

// NewCircuitBreakerWrapper creates a circuit breaker wrapper around an
// Executor.
//
// Example:
//
//	wrapper := apiclient.NewCircuitBreakerWrapper(
//	    exec,
//	    apiclient.WithMaxRequests(5),
//	    apiclient.WithOpenTimeout(60*time.Second),
//	)
func NewCircuitBreakerWrapper(client Executor, opts ...CircuitBreakerOption) *CircuitBreakerWrapper {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = DefaultCircuitBreakerConfig().ReadyToTrip
	}
	if config.TripKinds == nil {
		config.TripKinds = DefaultCircuitBreakerConfig().TripKinds
	}

	trips := make(map[Kind]bool, len(config.TripKinds))
	for _, kind := range config.TripKinds {
		trips[kind] = true
	}

	settings := gobreaker.Settings{
		Name:        "api-client",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(CircuitBreakerCounts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			})
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !trips[Classify(err).Kind]
		},
	}

	return &CircuitBreakerWrapper{
		client: client,
		cb:     gobreaker.NewCircuitBreaker[*Response](settings),
		logger: config.Logger,
		trips:  trips,
	}
}

// Execute executes the request through the circuit breaker. If the circuit
// is open, requests are rejected immediately without reaching the
// underlying executor; the rejection surfaces as a classified SERVER-kind
// error wrapping the jperrors circuit breaker error.
func (w *CircuitBreakerWrapper) Execute(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.cb.Execute(func() (*Response, error) {
		return w.client.Execute(ctx, req)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			return nil, w.rejection(ctx, req, "request rejected", "open", err)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, w.rejection(ctx, req, "too many requests in half-open state", "half-open", err)
		default:
			w.logger.Debug("request failed through circuit breaker",
				"error", err,
				"kind", Classify(err).Kind)
		}
		return nil, err
	}

	return resp, nil
}

// rejection builds the classified error for a request the breaker refused
// to send.
func (w *CircuitBreakerWrapper) rejection(ctx context.Context, req *Request, message, state string, cause error) *Error {
	counts := w.cb.Counts()
	w.logger.Warn("circuit breaker rejected request",
		"state", state,
		"url", req.URL,
		"counts", counts)

	wrapped := jperrors.NewCircuitBreakerError(
		message,
		"execute",
		state,
		jperrors.WithCause(cause),
		jperrors.WithCounts(jperrors.CircuitCounts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}),
	)

	enhanced := newError(KindServer, message, wrapped)
	enhanced.URL = req.URL
	enhanced.Method = req.Method
	enhanced.OperationID = OperationIDFromContext(ctx)
	// An open circuit is not worth retrying until its timeout elapses.
	enhanced.Recoverable = false
	return enhanced
}

// State returns the current state of the circuit breaker.
func (w *CircuitBreakerWrapper) State() CircuitBreakerState {
	return convertGobreakerState(w.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (w *CircuitBreakerWrapper) Counts() CircuitBreakerCounts {
	counts := w.cb.Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// HealthStatus is a snapshot of how the wrapped API is faring, suitable
// for readiness endpoints and diagnostics dashboards. Healthy is false
// only while the circuit is open and calls are being rejected outright;
// a half-open circuit still counts as healthy because probe requests are
// flowing.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	State   string `json:"state"`

	// Counts cover the breaker's current counting window.
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// GetHealth returns the health status of the circuit breaker.
func (w *CircuitBreakerWrapper) GetHealth() HealthStatus {
	state := w.State()
	counts := w.Counts()

	var healthy bool
	var status string

	switch state {
	case StateClosed:
		healthy = true
		status = "closed"
	case StateHalfOpen:
		healthy = true // Degraded but operational
		status = "half-open"
	case StateOpen:
		healthy = false
		status = "open"
	default:
		status = "unknown"
	}

	return HealthStatus{
		Healthy:              healthy,
		Status:               status,
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

// convertGobreakerState converts gobreaker.State to CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// Compose builds the standard wrapper stack: the circuit breaker is
// applied first (inner layer) to protect the API, then retry logic (outer
// layer) to ride out transient failures. This layering keeps circuit
// state accurate while each retry attempt still passes through it.
func Compose(
	client Executor,
	retryPolicy *RetryPolicy,
	cbConfig *CircuitBreakerConfig,
	logger *slog.Logger,
) Executor {
	if logger != nil {
		if retryPolicy != nil {
			retryPolicy.Logger = logger
		}
		if cbConfig != nil {
			cbConfig.Logger = logger
		}
	}

	withCB := NewCircuitBreakerWrapper(client, func(c *CircuitBreakerConfig) {
		if cbConfig != nil {
			*c = *cbConfig
		}
	})

	withRetry := NewRetryWrapper(withCB, func(p *RetryPolicy) {
		if retryPolicy != nil {
			*p = *retryPolicy
		}
	})

	return withRetry
}
