package apiclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MetricRequestDuration is the metric name the HTTP executor records under.
const MetricRequestDuration = "request.duration"

// Metric is one recorded measurement.
type Metric struct {
	Name     string
	Duration time.Duration
	Time     time.Time
	Metadata map[string]string
}

// Threshold defines per-metric warning and error levels. A zero level
// disables that check.
type Threshold struct {
	Warning time.Duration
	Error   time.Duration
}

// MetricListener receives recorded metrics.
type MetricListener func(Metric)

// Telemetry measures operation durations and flags slow ones. It keeps a
// bounded rolling buffer of recent metrics (oldest evicted past capacity)
// and a windowed average per metric name.
//
// Construct one registry at application start, inject it into the
// components that need it, and Close it at shutdown. There is no package
// global.
type Telemetry struct {
	mu         sync.Mutex
	buf        []Metric
	next       int
	full       bool
	thresholds map[string]Threshold
	onMetric   []MetricListener
	onWarning  []MetricListener
	onError    []MetricListener
	logger     *slog.Logger
	closed     bool
}

// NewTelemetry creates a telemetry registry.
func NewTelemetry(opts ...TelemetryOption) *Telemetry {
	config := DefaultTelemetryConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Capacity <= 0 {
		config.Capacity = defaultTelemetryCapacity
	}

	thresholds := make(map[string]Threshold, len(config.Thresholds))
	for name, t := range config.Thresholds {
		thresholds[name] = t
	}

	return &Telemetry{
		buf:        make([]Metric, config.Capacity),
		thresholds: thresholds,
		logger:     config.Logger,
	}
}

// Record stores one measurement, updates the rolling window, and notifies
// listeners. Threshold crossings notify the warning or error listeners in
// addition to the generic ones. Recording on a closed registry is a no-op.
func (t *Telemetry) Record(name string, duration time.Duration, metadata map[string]string) {
	m := Metric{
		Name:     name,
		Duration: duration,
		Time:     time.Now(),
		Metadata: metadata,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.buf[t.next] = m
	t.next++
	if t.next == len(t.buf) {
		t.next = 0
		t.full = true
	}
	threshold := t.thresholds[name]
	onMetric := append([]MetricListener(nil), t.onMetric...)
	onWarning := append([]MetricListener(nil), t.onWarning...)
	onError := append([]MetricListener(nil), t.onError...)
	t.mu.Unlock()

	for _, fn := range onMetric {
		fn(m)
	}
	switch {
	case threshold.Error > 0 && duration >= threshold.Error:
		t.logger.Error("metric exceeded error threshold",
			"metric", name,
			"duration", duration,
			"threshold", threshold.Error)
		for _, fn := range onError {
			fn(m)
		}
	case threshold.Warning > 0 && duration >= threshold.Warning:
		t.logger.Warn("metric exceeded warning threshold",
			"metric", name,
			"duration", duration,
			"threshold", threshold.Warning)
		for _, fn := range onWarning {
			fn(m)
		}
	}
}

// Average returns the mean duration of buffered metrics with the given
// name, or zero when none are buffered.
func (t *Telemetry) Average(name string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total time.Duration
	var count int
	for _, m := range t.window() {
		if m.Name == name {
			total += m.Duration
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// Len returns the number of buffered metrics.
func (t *Telemetry) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.window())
}

// window returns the live slice of the ring buffer. Caller must hold mu.
func (t *Telemetry) window() []Metric {
	if t.full {
		return t.buf
	}
	return t.buf[:t.next]
}

// OnMetric registers a listener for every recorded metric.
func (t *Telemetry) OnMetric(fn MetricListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMetric = append(t.onMetric, fn)
}

// OnWarning registers a listener invoked when a metric crosses its warning
// threshold without reaching the error threshold.
func (t *Telemetry) OnWarning(fn MetricListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWarning = append(t.onWarning, fn)
}

// OnError registers a listener invoked when a metric crosses its error
// threshold.
func (t *Telemetry) OnError(fn MetricListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = append(t.onError, fn)
}

// SetThreshold sets or replaces the threshold for a metric name.
func (t *Telemetry) SetThreshold(name string, threshold Threshold) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thresholds[name] = threshold
}

// Close disposes the registry. Subsequent Record calls are no-ops.
func (t *Telemetry) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.onMetric = nil
	t.onWarning = nil
	t.onError = nil
}

// NewOperationID generates an operation correlation id: an opaque string
// created once per logical operation and threaded through every error and
// telemetry record produced for it.
func NewOperationID() string { return uuid.NewString() }

type operationIDKey struct{}

// WithOperationID returns a context carrying the operation correlation id.
// The retry wrapper sets it once per logical operation so every attempt
// shares the same id.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, id)
}

// OperationIDFromContext returns the operation correlation id in ctx, or
// the empty string when none is set.
func OperationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(operationIDKey{}).(string)
	return id
}
