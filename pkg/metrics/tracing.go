package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span names used by SessionObserver.
const (
	SpanHandshakeClient = "kemtls.handshake.client"
	SpanHandshakeServer = "kemtls.handshake.server"
	SpanSeal            = "kemtls.record.seal"
	SpanOpen            = "kemtls.record.open"
)

// Tracer starts spans around handshakes and records. NoOpTracer discards them,
// SimpleTracer keeps them in memory and OTelTracer hands them to OpenTelemetry.
type Tracer interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder)
}

// SpanEnder ends a span. A non-nil error marks the span failed.
type SpanEnder func(err error)

// SpanKind identifies which side of a session a span belongs to.
type SpanKind int

// Span kinds.
const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

// SpanAttributes describes a session or record on a span. Zero fields are
// omitted.
type SpanAttributes struct {
	SessionID    string
	Role         string
	RemoteAddr   string
	ParameterSet string
	CipherSuite  string
	Bytes        int
}

// merge overlays the non-zero fields of b.
func (a SpanAttributes) merge(b SpanAttributes) SpanAttributes {
	if b.SessionID != "" {
		a.SessionID = b.SessionID
	}
	if b.Role != "" {
		a.Role = b.Role
	}
	if b.RemoteAddr != "" {
		a.RemoteAddr = b.RemoteAddr
	}
	if b.ParameterSet != "" {
		a.ParameterSet = b.ParameterSet
	}
	if b.CipherSuite != "" {
		a.CipherSuite = b.CipherSuite
	}
	if b.Bytes > 0 {
		a.Bytes = b.Bytes
	}
	return a
}

// KeyValues returns the attributes under their exported keys.
func (a SpanAttributes) KeyValues() []attribute.KeyValue {
	var kvs []attribute.KeyValue
	add := func(key, v string) {
		if v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	add("session.id", a.SessionID)
	add("session.role", a.Role)
	add("net.peer.addr", a.RemoteAddr)
	add("kem.parameter_set", a.ParameterSet)
	add("tls.cipher_suite", a.CipherSuite)
	if a.Bytes > 0 {
		kvs = append(kvs, attribute.Int("record.bytes", a.Bytes))
	}
	return kvs
}

// SpanOption configures a span at start.
type SpanOption func(*spanConfig)

type spanConfig struct {
	kind  SpanKind
	attrs SpanAttributes
}

func newSpanConfig(opts []SpanOption) spanConfig {
	var cfg spanConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(c *spanConfig) {
		c.kind = kind
	}
}

// WithAttributes sets the span attributes.
func WithAttributes(attrs SpanAttributes) SpanOption {
	return func(c *spanConfig) {
		c.attrs = c.attrs.merge(attrs)
	}
}

// AnnotateSpan adds attributes to the span carried by ctx, for values only
// known after the span started such as the negotiated group.
func AnnotateSpan(ctx context.Context, attrs SpanAttributes) {
	if span := recordedSpanFromContext(ctx); span != nil {
		span.mu.Lock()
		span.attrs = span.attrs.merge(attrs)
		span.mu.Unlock()
		return
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs.KeyValues()...)
	}
}

// --- NoOp Tracer ---

// NoOpTracer discards every span.
type NoOpTracer struct{}

// StartSpan returns ctx unchanged.
func (NoOpTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, SpanEnder) {
	return ctx, func(error) {}
}

// --- Simple Tracer ---

// DefaultSpanCapacity bounds the spans a SimpleTracer retains.
const DefaultSpanCapacity = 4096

// RecordedSpan is a finished span kept by SimpleTracer.
type RecordedSpan struct {
	Name       string
	Kind       SpanKind
	StartTime  time.Time
	Duration   time.Duration
	Attributes SpanAttributes
	Error      error
	TraceID    string
	SpanID     string
	ParentID   string
}

// activeSpan is the in-flight form of a RecordedSpan.
type activeSpan struct {
	name     string
	kind     SpanKind
	start    time.Time
	traceID  string
	spanID   string
	parentID string

	mu    sync.Mutex
	attrs SpanAttributes
}

// SimpleTracer records finished spans in memory, keeping the most recent
// ones up to its capacity. It backs the "simple" tracing mode and tests.
type SimpleTracer struct {
	mu       sync.Mutex
	spans    []RecordedSpan
	capacity int
	dropped  uint64
}

// NewSimpleTracer creates a tracer that keeps DefaultSpanCapacity spans.
func NewSimpleTracer() *SimpleTracer {
	return NewSimpleTracerWithCapacity(DefaultSpanCapacity)
}

// NewSimpleTracerWithCapacity creates a tracer that keeps at most capacity
// spans, discarding the oldest first. A capacity below one keeps one.
func NewSimpleTracerWithCapacity(capacity int) *SimpleTracer {
	if capacity < 1 {
		capacity = 1
	}
	return &SimpleTracer{capacity: capacity}
}

// StartSpan starts a span, joining the trace of a parent span in ctx.
func (t *SimpleTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	cfg := newSpanConfig(opts)
	span := &activeSpan{
		name:    name,
		kind:    cfg.kind,
		start:   time.Now(),
		traceID: uuid.NewString(),
		spanID:  uuid.NewString(),
		attrs:   cfg.attrs,
	}
	if parent := recordedSpanFromContext(ctx); parent != nil {
		span.traceID = parent.traceID
		span.parentID = parent.spanID
	}

	return context.WithValue(ctx, spanContextKey{}, span), func(err error) {
		span.mu.Lock()
		attrs := span.attrs
		span.mu.Unlock()
		t.record(RecordedSpan{
			Name:       span.name,
			Kind:       span.kind,
			StartTime:  span.start,
			Duration:   time.Since(span.start),
			Attributes: attrs,
			Error:      err,
			TraceID:    span.traceID,
			SpanID:     span.spanID,
			ParentID:   span.parentID,
		})
	}
}

func (t *SimpleTracer) record(span RecordedSpan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) == t.capacity {
		copy(t.spans, t.spans[1:])
		t.spans = t.spans[:len(t.spans)-1]
		t.dropped++
	}
	t.spans = append(t.spans, span)
}

// Spans returns the retained spans, oldest first.
func (t *SimpleTracer) Spans() []RecordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RecordedSpan, len(t.spans))
	copy(out, t.spans)
	return out
}

// Count returns how many retained spans are named name.
func (t *SimpleTracer) Count(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.spans {
		if s.Name == name {
			n++
		}
	}
	return n
}

// Dropped returns how many spans were discarded to stay within capacity.
func (t *SimpleTracer) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Reset discards every retained span.
func (t *SimpleTracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
	t.dropped = 0
}

type spanContextKey struct{}

func recordedSpanFromContext(ctx context.Context) *activeSpan {
	span, _ := ctx.Value(spanContextKey{}).(*activeSpan)
	return span
}

// --- Global Tracer ---

var (
	globalTracer   Tracer = NoOpTracer{}
	globalTracerMu sync.RWMutex
)

// SetTracer sets the global tracer. A nil tracer restores NoOpTracer.
func SetTracer(t Tracer) {
	if t == nil {
		t = NoOpTracer{}
	}
	globalTracerMu.Lock()
	defer globalTracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer.
func GetTracer() Tracer {
	globalTracerMu.RLock()
	defer globalTracerMu.RUnlock()
	return globalTracer
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	return GetTracer().StartSpan(ctx, name, opts...)
}
