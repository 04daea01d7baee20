package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultInstrumentationName names the OpenTelemetry tracer.
const DefaultInstrumentationName = "github.com/pzverkov/quantum-kemtls"

// OTelTracer hands spans to an OpenTelemetry tracer provider.
type OTelTracer struct {
	tracer trace.Tracer
}

var _ Tracer = (*OTelTracer)(nil)

// NewOTelTracer uses the global OpenTelemetry provider. Spans are
// non-recording until the application installs an SDK provider.
func NewOTelTracer(instrumentation string) *OTelTracer {
	return NewOTelTracerFromProvider(otel.GetTracerProvider(), instrumentation)
}

// NewOTelTracerFromProvider uses an explicit provider.
func NewOTelTracerFromProvider(tp trace.TracerProvider, instrumentation string) *OTelTracer {
	if instrumentation == "" {
		instrumentation = DefaultInstrumentationName
	}
	return &OTelTracer{tracer: tp.Tracer(instrumentation)}
}

// StartSpan starts an OpenTelemetry span.
func (t *OTelTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	cfg := newSpanConfig(opts)
	startOpts := []trace.SpanStartOption{trace.WithSpanKind(otelSpanKind(cfg.kind))}
	if kvs := cfg.attrs.KeyValues(); len(kvs) > 0 {
		startOpts = append(startOpts, trace.WithAttributes(kvs...))
	}

	ctx, span := t.tracer.Start(ctx, name, startOpts...)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func otelSpanKind(kind SpanKind) trace.SpanKind {
	switch kind {
	case SpanKindServer:
		return trace.SpanKindServer
	case SpanKindClient:
		return trace.SpanKindClient
	default:
		return trace.SpanKindInternal
	}
}
