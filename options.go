package apiclient

import (
	"log/slog"
	"net/http"
	"time"
)

// JitterFunc produces a bounded random perturbation in [-max, max] applied
// to each backoff delay. Inject a deterministic implementation to make
// retry timing testable.
type JitterFunc func(max time.Duration) time.Duration

// SessionHandler is notified when an operation settles with an
// AUTHENTICATION-kind error, meaning the current session is no longer
// valid. The identity collaborator typically redirects to
// re-authentication, preserving the original navigation target.
type SessionHandler func(*Error)

// AttemptCallback observes each failed attempt before the retry decision
// plays out. attempt counts from 1.
type AttemptCallback func(attempt int, err *Error)

// RetryPolicy governs whether, how many times, and with what delay a
// failed operation is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Default: 3
	MaxRetries int

	// RetryableKinds lists the error kinds eligible for retry.
	// Default: NETWORK, TIMEOUT, SERVER
	RetryableKinds []Kind

	// InitialDelay is the delay before the first retry.
	// Default: 1 second
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth.
	// Default: 10 seconds
	MaxDelay time.Duration

	// Predicate, when set, replaces the RetryableKinds check entirely.
	Predicate func(*Error) bool

	// OnAttempt, when set, is invoked after each failed attempt.
	OnAttempt AttemptCallback

	// Jitter sources the backoff perturbation.
	// Default: crypto/rand based, ±30% of the unjittered delay.
	Jitter JitterFunc

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	sessionHandler SessionHandler
}

// DefaultRetryPolicy returns the default policy: 3 retries over NETWORK,
// TIMEOUT, and SERVER kinds with 1s initial and 10s maximum delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:     3,
		RetryableKinds: []Kind{KindNetwork, KindTimeout, KindServer},
		InitialDelay:   time.Second,
		MaxDelay:       10 * time.Second,
		Logger:         slog.Default(),
	}
}

// withDefaults fills the zero fields of a per-request policy override so a
// partial override still behaves sensibly.
func (p *RetryPolicy) withDefaults() *RetryPolicy {
	resolved := *p
	if resolved.RetryableKinds == nil {
		resolved.RetryableKinds = []Kind{KindNetwork, KindTimeout, KindServer}
	}
	if resolved.InitialDelay <= 0 {
		resolved.InitialDelay = time.Second
	}
	if resolved.MaxDelay <= 0 {
		resolved.MaxDelay = 10 * time.Second
	}
	if resolved.Logger == nil {
		resolved.Logger = slog.Default()
	}
	return &resolved
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryPolicy)

// WithMaxRetries sets the number of retries after the initial attempt.
//
// Example:
//
//	apiclient.WithMaxRetries(5) // up to 6 attempts total
func WithMaxRetries(retries int) RetryOption {
	return func(p *RetryPolicy) {
		p.MaxRetries = retries
	}
}

// WithRetryableKinds sets the error kinds eligible for retry.
//
// Example:
//
//	apiclient.WithRetryableKinds(apiclient.KindNetwork, apiclient.KindTimeout)
func WithRetryableKinds(kinds ...Kind) RetryOption {
	return func(p *RetryPolicy) {
		p.RetryableKinds = kinds
	}
}

// WithBackoff configures the exponential backoff window.
//
// Example:
//
//	apiclient.WithBackoff(time.Second, 10*time.Second)
//	// ~1s, ~2s, ~4s, ~8s, 10s (capped), each with ±30% jitter
func WithBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.InitialDelay = initialDelay
		p.MaxDelay = maxDelay
	}
}

// WithRetryPredicate replaces the retryable-kind check with a custom
// predicate.
//
// Example:
//
//	apiclient.WithRetryPredicate(func(err *apiclient.Error) bool {
//	    return err.Kind == apiclient.KindServer && err.HTTPStatus != 501
//	})
func WithRetryPredicate(predicate func(*Error) bool) RetryOption {
	return func(p *RetryPolicy) {
		p.Predicate = predicate
	}
}

// WithAttemptCallback registers a callback invoked after each failed
// attempt.
func WithAttemptCallback(fn AttemptCallback) RetryOption {
	return func(p *RetryPolicy) {
		p.OnAttempt = fn
	}
}

// WithJitter sets the jitter source for backoff delays.
//
// Example:
//
//	apiclient.WithJitter(func(max time.Duration) time.Duration { return 0 })
func WithJitter(fn JitterFunc) RetryOption {
	return func(p *RetryPolicy) {
		p.Jitter = fn
	}
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(p *RetryPolicy) {
		p.Logger = logger
	}
}

// WithSessionHandler registers the identity collaborator notified when an
// operation settles with an AUTHENTICATION error.
func WithSessionHandler(fn SessionHandler) RetryOption {
	return func(p *RetryPolicy) {
		p.sessionHandler = fn
	}
}

// ExecutorConfig holds HTTP executor configuration options.
type ExecutorConfig struct {
	// Client is the underlying HTTP client.
	// Default: a plain http.Client (per-request deadlines come from the
	// request context, not from http.Client.Timeout).
	Client *http.Client

	// Timeout bounds each call when the request does not set its own.
	// Default: 30 seconds
	Timeout time.Duration

	// SlowThreshold is the elapsed time past which a completed request
	// is logged as slow.
	// Default: 1 second
	SlowThreshold time.Duration

	// Telemetry receives one record per completed call. Optional.
	Telemetry *Telemetry

	// Logger for executor operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ExecutorOption is a functional option for configuring the HTTP executor.
type ExecutorOption func(*ExecutorConfig)

// DefaultExecutorConfig returns executor configuration with sensible
// defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		Timeout:       30 * time.Second,
		SlowThreshold: time.Second,
		Logger:        slog.Default(),
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Client = client
	}
}

// WithExecutorTimeout sets the default per-call timeout.
func WithExecutorTimeout(timeout time.Duration) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Timeout = timeout
	}
}

// WithSlowThreshold sets the elapsed time past which requests log as slow.
func WithSlowThreshold(threshold time.Duration) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.SlowThreshold = threshold
	}
}

// WithTelemetry wires the executor to a telemetry registry.
func WithTelemetry(t *Telemetry) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Telemetry = t
	}
}

// WithExecutorLogger sets a custom logger for the executor.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Logger = logger
	}
}

const defaultTelemetryCapacity = 256

// TelemetryConfig holds telemetry registry configuration options.
type TelemetryConfig struct {
	// Capacity bounds the rolling metric buffer.
	// Default: 256
	Capacity int

	// Thresholds maps metric names to their warning/error levels.
	// Default: request.duration at 1s warning, 3s error.
	Thresholds map[string]Threshold

	// Logger for threshold crossings.
	// Default: slog.Default()
	Logger *slog.Logger
}

// TelemetryOption is a functional option for configuring telemetry.
type TelemetryOption func(*TelemetryConfig)

// DefaultTelemetryConfig returns telemetry configuration with sensible
// defaults.
func DefaultTelemetryConfig() *TelemetryConfig {
	return &TelemetryConfig{
		Capacity: defaultTelemetryCapacity,
		Thresholds: map[string]Threshold{
			MetricRequestDuration: {Warning: time.Second, Error: 3 * time.Second},
		},
		Logger: slog.Default(),
	}
}

// WithCapacity sets the rolling buffer capacity.
func WithCapacity(capacity int) TelemetryOption {
	return func(c *TelemetryConfig) {
		c.Capacity = capacity
	}
}

// WithThreshold sets the warning/error levels for a metric name.
//
// Example:
//
//	apiclient.WithThreshold("render.duration", apiclient.Threshold{
//	    Warning: 16 * time.Millisecond,
//	    Error:   100 * time.Millisecond,
//	})
func WithThreshold(name string, threshold Threshold) TelemetryOption {
	return func(c *TelemetryConfig) {
		if c.Thresholds == nil {
			c.Thresholds = make(map[string]Threshold)
		}
		c.Thresholds[name] = threshold
	}
}

// WithTelemetryLogger sets a custom logger for the telemetry registry.
func WithTelemetryLogger(logger *slog.Logger) TelemetryOption {
	return func(c *TelemetryConfig) {
		c.Logger = logger
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request
	// fails in the closed state. Returning true opens the circuit.
	// Default: trips after 3 requests with 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// TripKinds lists the error kinds that count as circuit failures.
	// Default: SERVER, AUTHENTICATION, AUTHORIZATION
	TripKinds []Kind

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Interval is the cyclic period of the closed state for clearing the
	// internal counts. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state
	// becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the maximum number of requests allowed through in
	// the half-open state.
	// Default: 3
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit
// breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the service has
	// recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected
	// immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithMaxRequests sets the maximum number of requests in half-open state.
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithOpenTimeout sets the timeout for staying in open state.
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the
// circuit.
//
// Example:
//
//	apiclient.WithReadyToTrip(func(counts apiclient.CircuitBreakerCounts) bool {
//	    ratio := float64(counts.TotalFailures) / float64(counts.Requests)
//	    return counts.Requests >= 5 && ratio >= 0.5
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithTripKinds sets the error kinds that count as circuit failures.
func WithTripKinds(kinds ...Kind) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.TripKinds = kinds
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker
// operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with
// sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		TripKinds: []Kind{KindServer, KindAuthentication, KindAuthorization},
		Logger:    slog.Default(),
	}
}
