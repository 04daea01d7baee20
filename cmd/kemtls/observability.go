package main

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pzverkov/quantum-kemtls/internal/config"
	"github.com/pzverkov/quantum-kemtls/pkg/metrics"
	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
)

type observability struct {
	logger    zerolog.Logger
	collector *metrics.Collector
	tracer    metrics.Tracer
}

// setupObservability installs the process logger, tracer and collector
// described by cfg. Logs go to w.
func setupObservability(cfg *config.Config, w io.Writer, role string) (*observability, error) {
	base, err := metrics.NewLogger(w, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logger := base.With().Str("app", "kemtls").Str("cmd", role).Logger()
	metrics.SetLogger(logger)

	var tracer metrics.Tracer
	switch cfg.Tracing {
	case config.TracingNone:
		tracer = metrics.NoOpTracer{}
	case config.TracingSimple:
		tracer = metrics.NewSimpleTracer()
	case config.TracingOTel:
		tracer = metrics.NewOTelTracer("kemtls")
	default:
		return nil, errors.Errorf("invalid tracing mode %q (use none, simple, or otel)", cfg.Tracing)
	}
	metrics.SetTracer(tracer)

	collector := metrics.NewCollector(metrics.Labels{"service": "kemtls", "role": role})
	metrics.SetGlobal(collector)

	return &observability{
		logger:    logger,
		collector: collector,
		tracer:    tracer,
	}, nil
}

// apply wires the observers and logger into a tunnel configuration.
func (o *observability) apply(tc *tunnel.Config) {
	tc.ObserverFactory = metrics.NewObserverFactory(metrics.ObserverConfig{
		Collector: o.collector,
		Tracer:    o.tracer,
		Logger:    &o.logger,
	})
	tc.RateLimitObserver = metrics.NewRateLimitObserver(o.collector, &o.logger)
	tc.Log = &o.logger
}
