// Package metrics provides observability for kemtls sessions and listeners.
//
// # Overview
//
//   - Collector: Prometheus counters, gauges and histograms on a private registry
//   - SessionObserver: a tunnel.Observer that records metrics, spans and logs
//   - RateLimitObserver: a tunnel.RateLimitObserver for listener rejections
//   - Tracer: span interface with NoOp, in-memory and OpenTelemetry backends
//   - NewLogger: zerolog set up from the configured level and format
//   - Server: HTTP endpoints for /metrics and /health
//
// # Wiring a listener
//
//	collector := metrics.NewCollector(metrics.Labels{"instance": "node-1"})
//	logger, err := metrics.NewLogger(os.Stderr, "info", metrics.LogFormatJSON)
//	if err != nil {
//		return err
//	}
//
//	cfg := tunnel.DefaultConfig()
//	cfg.ObserverFactory = metrics.NewObserverFactory(metrics.ObserverConfig{
//		Collector: collector,
//		Tracer:    metrics.NewOTelTracer(""),
//		Logger:    &logger,
//	})
//	cfg.RateLimitObserver = metrics.NewRateLimitObserver(collector, &logger)
//	cfg.Log = &logger
//
//	srv := metrics.NewServer(metrics.ServerConfig{Collector: collector, SelfTest: true})
//	go srv.ListenAndServe(ctx, ":9090")
//
// # Exported metrics
//
// All names carry the "kemtls_" prefix:
//
//	sessions_active                 gauge
//	sessions_total                  counter
//	sessions_failed_total           counter
//	handshake_duration_seconds      histogram, label "group"
//	handshake_failures_total        counter, label "kind"
//	records_sealed_total            counter
//	records_opened_total            counter
//	bytes_sent_total                counter
//	bytes_received_total            counter
//	auth_failures_total             counter
//	replays_blocked_total           counter
//	key_updates_total               counter
//	protocol_errors_total           counter
//	rate_limited_total              counter, label "limit"
//
// # Tracing
//
// SessionObserver opens a span per handshake and per record. NewOTelTracer
// uses the global OpenTelemetry provider; install an SDK provider with
// otel.SetTracerProvider to export spans.
package metrics
