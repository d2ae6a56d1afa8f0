// Package observability records what the ledger does: in-process trace
// spans for every guarded operation and the Prometheus collectors served
// at /metrics.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans
// ═══════════════════════════════════════════════════════════════════════════

// SpanStatus indicates success or failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanRejected
	SpanError
)

func (s SpanStatus) String() string {
	switch s {
	case SpanOK:
		return "ok"
	case SpanRejected:
		return "rejected"
	default:
		return "error"
	}
}

// Span is one ledger operation.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer keeps the most recent spans in a ring buffer.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	next     int
	full     bool
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Enabled: true, MaxSpans: 4096}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span and returns a context carrying it, so nested
// operations link to it as their parent.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) (context.Context, *Span) {
	if t == nil || !t.enabled {
		return ctx, &Span{Operation: operation}
	}
	traceID, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		traceID = uuid.NewString()
		ctx = WithTraceID(ctx, traceID)
	}
	parent, _ := ctx.Value(spanIDKey).(string)

	span := &Span{
		TraceID:   traceID,
		SpanID:    uuid.NewString()[:8],
		ParentID:  parent,
		Operation: operation,
		StartTime: time.Now(),
		Attrs:     attrs,
	}
	return context.WithValue(ctx, spanIDKey, span.SpanID), span
}

// EndSpan completes a span with the given status and records it.
func (t *Tracer) EndSpan(span *Span, status SpanStatus, err error) {
	if t == nil || !t.enabled || span == nil || span.TraceID == "" {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	span.Status = status
	if err != nil {
		if span.Attrs == nil {
			span.Attrs = make(map[string]string, 1)
		}
		span.Attrs["error"] = err.Error()
	}

	t.mu.Lock()
	t.spans[t.next] = *span
	t.next = (t.next + 1) % t.maxSpans
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()

	SpansRecorded.WithLabelValues(status.String()).Inc()
}

// Spans returns up to limit of the most recent spans, oldest first.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.next
	if t.full {
		n = t.maxSpans
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Span, 0, limit)
	for i := n - limit; i < n; i++ {
		idx := i
		if t.full {
			idx = (t.next + i) % t.maxSpans
		}
		out = append(out, t.spans[idx])
	}
	return out
}

// SpanCount returns the number of retained spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return t.maxSpans
	}
	return t.next
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "cybv-trace-id"
	spanIDKey  contextKey = "cybv-span-id"
)

// WithTraceID returns a context with the given trace ID. HTTP handlers use
// the request ID so spans line up with access logs.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace ID carried by ctx, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Operations ─────────────────────────────────────────────────────────────

// OperationDuration tracks guarded ledger operations by outcome.
var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "cybv",
	Subsystem: "ledger",
	Name:      "operation_duration_seconds",
	Help:      "Latency of ledger operations.",
	Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
}, []string{"operation", "outcome"})

// OperationRetries counts operations retried after a persistence error.
var OperationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cybv",
	Subsystem: "ledger",
	Name:      "retries_total",
	Help:      "Ledger operations retried after a persistence error.",
}, []string{"operation"})

// Rejections counts refused operations by code.
var Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cybv",
	Subsystem: "ledger",
	Name:      "rejections_total",
	Help:      "Refused ledger operations by rejection code.",
}, []string{"operation", "code"})

// ─── Token Flow ─────────────────────────────────────────────────────────────

// TokensCredited sums credited tokens by reason.
var TokensCredited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cybv",
	Subsystem: "tokens",
	Name:      "credited_total",
	Help:      "Tokens credited to accounts by reason.",
}, []string{"reason"})

// TokensDebited sums debited tokens by reason.
var TokensDebited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cybv",
	Subsystem: "tokens",
	Name:      "debited_total",
	Help:      "Tokens debited from accounts by reason.",
}, []string{"reason"})

// ─── Staking ────────────────────────────────────────────────────────────────

// StakesOpened counts opened stakes by period.
var StakesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cybv",
	Subsystem: "staking",
	Name:      "opened_total",
	Help:      "Stakes opened by period.",
}, []string{"period"})

// StakesClosed counts closed stakes by period and whether they closed early.
var StakesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cybv",
	Subsystem: "staking",
	Name:      "closed_total",
	Help:      "Stakes closed by period and early flag.",
}, []string{"period", "early"})

// ─── Live Feed ──────────────────────────────────────────────────────────────

// LiveSubscribers tracks connected live-feed clients.
var LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "cybv",
	Subsystem: "live",
	Name:      "subscribers",
	Help:      "Connected live ledger feed clients.",
})

// LiveDropped counts events dropped for slow live-feed clients.
var LiveDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "cybv",
	Subsystem: "live",
	Name:      "dropped_events_total",
	Help:      "Ledger events dropped because a live client was too slow.",
})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// SpansRecorded counts recorded spans by status.
var SpansRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cybv",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Trace spans recorded by status.",
}, []string{"status"})
