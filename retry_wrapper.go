package apiclient

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sethvargo/go-retry"
)

// OperationState is the retry controller's per-operation state.
type OperationState int

const (
	// OpIdle means the operation has not started.
	OpIdle OperationState = iota

	// OpAttempting means a request is in flight.
	OpAttempting

	// OpRetrying means the operation is waiting out a backoff delay
	// before the next attempt.
	OpRetrying

	// OpSucceeded means the operation settled with a response.
	OpSucceeded

	// OpExhausted means retries ran out or the error was not retryable.
	OpExhausted
)

// String returns the string representation of the operation state.
func (s OperationState) String() string {
	switch s {
	case OpIdle:
		return "idle"
	case OpAttempting:
		return "attempting"
	case OpRetrying:
		return "retrying"
	case OpSucceeded:
		return "succeeded"
	case OpExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// RetryWrapper wraps an Executor with retry logic: exponential backoff with
// jitter, a retryable-kind policy, and per-operation correlation ids. It
// swallows only intermediate attempt failures that are retried; the final
// classified error is always surfaced.
type RetryWrapper struct {
	client           Executor
	policy           *RetryPolicy
	logger           *slog.Logger
	onSessionInvalid SessionHandler
	stats            *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryWrapper creates a retry wrapper around an Executor.
//
// Example:
//
//	wrapper := apiclient.NewRetryWrapper(
//	    exec,
//	    apiclient.WithMaxRetries(5),
//	    apiclient.WithBackoff(time.Second, 10*time.Second),
//	)
func NewRetryWrapper(client Executor, opts ...RetryOption) *RetryWrapper {
	policy := DefaultRetryPolicy()
	for _, opt := range opts {
		opt(policy)
	}
	if policy.Logger == nil {
		policy.Logger = slog.Default()
	}

	return &RetryWrapper{
		client:           client,
		policy:           policy,
		logger:           policy.Logger,
		onSessionInvalid: policy.sessionHandler,
		stats:            &retryStats{},
	}
}

// Execute runs one logical operation to settlement and returns its result.
// For manual resumption after exhaustion use Begin and Operation.Run.
func (w *RetryWrapper) Execute(ctx context.Context, req *Request) (*Response, error) {
	return w.Begin(req).Run(ctx)
}

// Begin creates the operation for a request without starting it. The
// per-request policy override, when present, replaces the wrapper policy.
func (w *RetryWrapper) Begin(req *Request) *Operation {
	policy := w.policy
	if req.Retry != nil {
		policy = req.Retry.withDefaults()
	}
	return &Operation{
		wrapper: w,
		req:     req,
		policy:  policy,
		id:      NewOperationID(),
	}
}

// Operation is one logical, possibly multi-attempt call. All attempts
// share one correlation id and, within the operation, run strictly
// sequentially: a retry never starts before the prior attempt settled.
//
// State transitions: Idle → Attempting → {Succeeded | Retrying →
// Attempting | Exhausted}. Retry resumes an Exhausted operation.
type Operation struct {
	wrapper *RetryWrapper
	req     *Request
	policy  *RetryPolicy
	id      string

	mu            sync.Mutex
	state         OperationState
	retries       int
	manualRetries int
	lastErr       *Error
	result        *Response
}

// ID returns the operation correlation id.
func (o *Operation) ID() string { return o.id }

// State returns the current state.
func (o *Operation) State() OperationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// RetryCount returns the number of retries performed so far, counting
// manual resumptions.
func (o *Operation) RetryCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retries + o.manualRetries
}

// LastError returns the most recent classified failure, if any.
func (o *Operation) LastError() *Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Run drives the operation to settlement. Retryable failures loop through
// backoff delays up to the policy's MaxRetries; the final error surfaces
// with RetryCount reflecting the attempts made. Cancellation during a
// backoff wait short-circuits to Exhausted carrying the last classified
// error rather than a bare context error.
func (o *Operation) Run(ctx context.Context) (*Response, error) {
	o.mu.Lock()
	o.state = OpAttempting
	o.retries = 0
	o.manualRetries = 0
	o.lastErr = nil
	o.result = nil
	o.mu.Unlock()

	ctx = WithOperationID(ctx, o.id)

	var attempts int
	err := retry.Do(ctx, o.policy.backoff(), func(ctx context.Context) error {
		attempts++
		o.beginAttempt(attempts)

		resp, err := o.attempt(ctx)
		if err == nil {
			o.succeed(resp, attempts)
			return nil
		}

		enhanced := o.noteFailure(err, attempts)
		if !o.policy.shouldRetry(enhanced) {
			o.wrapper.logger.Debug("non-retryable error, giving up",
				"kind", enhanced.Kind,
				"attempts", attempts,
				"operation_id", o.id)
			return enhanced
		}

		o.setState(OpRetrying)
		o.wrapper.logger.Debug("retrying request after delay",
			"kind", enhanced.Kind,
			"attempt", attempts,
			"operation_id", o.id)
		return retry.RetryableError(enhanced)
	})

	return o.settle(err)
}

// Retry resumes an Exhausted operation with one immediate attempt, up to
// the policy's original MaxRetries bound on manual resumptions. Calling it
// past the bound, or on an operation that is not Exhausted, is a no-op
// returning the prior settlement.
func (o *Operation) Retry(ctx context.Context) (*Response, error) {
	o.mu.Lock()
	if o.state == OpSucceeded {
		resp := o.result
		o.mu.Unlock()
		return resp, nil
	}
	if o.state != OpExhausted || o.manualRetries >= o.policy.MaxRetries {
		err := o.lastErr
		o.mu.Unlock()
		if err == nil {
			return nil, newError(KindUnknown, "operation has not run", nil)
		}
		return nil, err
	}
	o.state = OpAttempting
	o.manualRetries++
	attempt := o.retries + o.manualRetries
	o.mu.Unlock()

	ctx = WithOperationID(ctx, o.id)
	o.wrapper.noteAttempt(attempt + 1)

	resp, err := o.attempt(ctx)
	if err == nil {
		o.succeed(resp, attempt+1)
		o.wrapper.noteSuccess()
		return resp, nil
	}

	enhanced := o.noteFailure(err, attempt+1)
	o.setState(OpExhausted)
	o.wrapper.noteTerminal(enhanced)
	return nil, enhanced
}

// attempt runs one request with the retry count threaded into the context
// so the executor can stamp it onto failures and telemetry.
func (o *Operation) attempt(ctx context.Context) (*Response, error) {
	o.mu.Lock()
	retries := o.retries + o.manualRetries
	o.mu.Unlock()
	return o.wrapper.client.Execute(withRetryCount(ctx, retries), o.req)
}

// beginAttempt transitions into Attempting and counts the retry when this
// is not the first attempt.
func (o *Operation) beginAttempt(attempts int) {
	o.mu.Lock()
	o.state = OpAttempting
	if attempts > 1 {
		o.retries++
	}
	o.mu.Unlock()

	o.wrapper.noteAttempt(attempts)
}

func (o *Operation) succeed(resp *Response, attempts int) {
	o.mu.Lock()
	o.state = OpSucceeded
	o.result = resp
	o.mu.Unlock()

	if attempts > 1 {
		o.wrapper.logger.Info("request succeeded after retry",
			"attempts", attempts,
			"operation_id", o.id)
	}
}

// noteFailure classifies the attempt error and records it as the last
// failure, preserving the operation id and retry count on the error.
func (o *Operation) noteFailure(err error, attempts int) *Error {
	enhanced := Classify(err)
	enhanced.OperationID = o.id
	enhanced.RetryCount = attempts - 1

	o.mu.Lock()
	o.lastErr = enhanced
	o.mu.Unlock()

	if o.policy.OnAttempt != nil {
		o.policy.OnAttempt(attempts, enhanced)
	}
	return enhanced
}

// settle resolves the outcome of a Run loop. A context error from a
// cancelled backoff wait is replaced by the last classified failure so
// callers never see a bare context error once an attempt has settled.
func (o *Operation) settle(err error) (*Response, error) {
	if err == nil {
		o.mu.Lock()
		resp := o.result
		o.mu.Unlock()
		o.wrapper.noteSuccess()
		return resp, nil
	}

	o.mu.Lock()
	o.state = OpExhausted
	terminal := o.lastErr
	o.mu.Unlock()

	if terminal == nil || (!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)) {
		terminal = Classify(err)
		terminal.OperationID = o.id
	}

	o.wrapper.logger.Warn("request failed after retries",
		"kind", terminal.Kind,
		"retries", terminal.RetryCount,
		"operation_id", o.id)
	o.wrapper.noteTerminal(terminal)
	return nil, terminal
}

func (o *Operation) setState(state OperationState) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

// noteAttempt tracks an attempt in the wrapper stats.
func (w *RetryWrapper) noteAttempt(attempts int) {
	w.stats.mu.Lock()
	w.stats.totalAttempts++
	if attempts > 1 {
		w.stats.totalRetries++
	}
	w.stats.lastAttemptTime = time.Now()
	w.stats.mu.Unlock()
}

func (w *RetryWrapper) noteSuccess() {
	w.stats.mu.Lock()
	w.stats.totalSuccesses++
	w.stats.mu.Unlock()
}

// noteTerminal records a settled failure and signals the identity
// collaborator when the session is no longer valid.
func (w *RetryWrapper) noteTerminal(terminal *Error) {
	w.stats.mu.Lock()
	w.stats.totalFailures++
	w.stats.lastError = terminal
	w.stats.mu.Unlock()

	if terminal.Kind == KindAuthentication && w.onSessionInvalid != nil {
		w.onSessionInvalid(terminal)
	}
}

// shouldRetry decides whether a classified failure is eligible for another
// attempt. AUTHENTICATION failures are never retried: replaying a request
// against an expired session cannot succeed, so the operation settles
// immediately and the session handler takes over. A custom predicate
// replaces the kind set entirely. Rate-limit sentinels are always
// retryable regardless of their classification.
func (p *RetryPolicy) shouldRetry(enhanced *Error) bool {
	if enhanced.Kind == KindAuthentication {
		return false
	}
	if p.Predicate != nil {
		return p.Predicate(enhanced)
	}
	if errors.Is(enhanced, pkgerrors.ErrRateLimited) {
		return true
	}
	for _, kind := range p.RetryableKinds {
		if enhanced.Kind == kind {
			return true
		}
	}
	return false
}

// backoff builds the delay schedule: for attempt n the delay is
// min(InitialDelay * 2^n + jitter, MaxDelay) where jitter is a bounded
// random perturbation of up to ±30% of the unjittered delay.
func (p *RetryPolicy) backoff() retry.Backoff {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = cryptoJitter
	}

	attempt := 0
	base := retry.BackoffFunc(func() (time.Duration, bool) {
		delay := p.InitialDelay
		for i := 0; i < attempt; i++ {
			if delay > p.MaxDelay {
				break
			}
			delay *= 2
		}
		attempt++
		delay += jitter(3 * delay / 10)
		if delay < 0 {
			delay = 0
		}
		return delay, false
	})

	return retry.WithMaxRetries(
		uint64(maxRetries), // #nosec G115 - bounds checked above
		retry.WithCappedDuration(p.MaxDelay, base),
	)
}

// cryptoJitter returns a perturbation in [-max, max] sourced from
// crypto/rand. Tests inject a deterministic JitterFunc instead.
func cryptoJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(2*max+1)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()) - max
}

type retryCountKey struct{}

// withRetryCount threads the retries-performed count to the executor.
func withRetryCount(ctx context.Context, retries int) context.Context {
	return context.WithValue(ctx, retryCountKey{}, retries)
}

func retryCountFromContext(ctx context.Context) int {
	n, _ := ctx.Value(retryCountKey{}).(int)
	return n
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including
	// initial attempts and retries).
	TotalAttempts int64

	// TotalRetries is the number of retry attempts.
	TotalRetries int64

	// TotalSuccesses is the number of operations that settled successfully.
	TotalSuccesses int64

	// TotalFailures is the number of operations that settled with an error.
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt.
	LastAttemptTime time.Time

	// LastError is the last terminal error encountered (if any).
	LastError error
}

// GetRetryStats returns a snapshot of the wrapper's statistics.
func (w *RetryWrapper) GetRetryStats() RetryStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   w.stats.totalAttempts,
		TotalRetries:    w.stats.totalRetries,
		TotalSuccesses:  w.stats.totalSuccesses,
		TotalFailures:   w.stats.totalFailures,
		LastAttemptTime: w.stats.lastAttemptTime,
		LastError:       w.stats.lastError,
	}
}
