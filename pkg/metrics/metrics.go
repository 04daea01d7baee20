package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
)

// Namespace prefixes every exported metric name.
const Namespace = "kemtls"

// Collector aggregates metrics from sessions and the listener. Counters are
// kept as atomics for Snapshot and exported to Prometheus through a private
// registry.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive atomic.Int64
	sessionsTotal  atomic.Uint64
	sessionsFailed atomic.Uint64

	recordsSealed atomic.Uint64
	recordsOpened atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	authFailures   atomic.Uint64
	replaysBlocked atomic.Uint64
	keyUpdates     atomic.Uint64
	protocolErrors atomic.Uint64

	connectionRateLimits atomic.Uint64
	handshakeRateLimits  atomic.Uint64

	handshakeLatency *Histogram

	handshakeSeconds  *prometheus.HistogramVec
	handshakeFailures *prometheus.CounterVec
	rateLimits        *prometheus.CounterVec

	createdAt time.Time
	labels    Labels
}

// Labels are constant labels attached to every metric of a collector.
type Labels map[string]string

// HandshakeLatencyBuckets for handshake duration in milliseconds.
var HandshakeLatencyBuckets = []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector(labels Labels) *Collector {
	if labels == nil {
		labels = make(Labels)
	}
	c := &Collector{
		registry:         prometheus.NewRegistry(),
		handshakeLatency: NewHistogram(HandshakeLatencyBuckets),
		createdAt:        time.Now(),
		labels:           labels,
	}
	constLabels := prometheus.Labels(labels)

	secs := make([]float64, len(HandshakeLatencyBuckets))
	for i, ms := range HandshakeLatencyBuckets {
		secs[i] = ms / 1000
	}
	c.handshakeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   Namespace,
		Name:        "handshake_duration_seconds",
		Help:        "Duration of completed handshakes by KEM parameter set",
		ConstLabels: constLabels,
		Buckets:     secs,
	}, []string{"group"})
	c.handshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   Namespace,
		Name:        "handshake_failures_total",
		Help:        "Failed handshakes by error kind",
		ConstLabels: constLabels,
	}, []string{"kind"})
	c.rateLimits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   Namespace,
		Name:        "rate_limited_total",
		Help:        "Connections rejected by a rate limit",
		ConstLabels: constLabels,
	}, []string{"limit"})

	c.registry.MustRegister(
		c.handshakeSeconds,
		c.handshakeFailures,
		c.rateLimits,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "sessions_active",
			Help:        "Number of currently active sessions",
			ConstLabels: constLabels,
		}, func() float64 { return float64(c.sessionsActive.Load()) }),
		c.counterFunc("sessions_total", "Total number of sessions started", &c.sessionsTotal),
		c.counterFunc("sessions_failed_total", "Total number of sessions that failed", &c.sessionsFailed),
		c.counterFunc("records_sealed_total", "Total records sealed", &c.recordsSealed),
		c.counterFunc("records_opened_total", "Total records opened", &c.recordsOpened),
		c.counterFunc("bytes_sent_total", "Total bytes passed to the record layer for sealing", &c.bytesSent),
		c.counterFunc("bytes_received_total", "Total bytes of records passed to the record layer for opening", &c.bytesReceived),
		c.counterFunc("auth_failures_total", "Total record or handshake authentication failures", &c.authFailures),
		c.counterFunc("replays_blocked_total", "Total replayed records rejected", &c.replaysBlocked),
		c.counterFunc("key_updates_total", "Total traffic key updates", &c.keyUpdates),
		c.counterFunc("protocol_errors_total", "Total protocol errors", &c.protocolErrors),
	)
	return c
}

func (c *Collector) counterFunc(name, help string, v *atomic.Uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   Namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels(c.labels),
	}, func() float64 { return float64(v.Load()) })
}

// Registry returns the collector's Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// --- Sessions ---

// SessionStarted increments active and total session counters.
func (c *Collector) SessionStarted() {
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionEnded decrements the active session counter, never below zero.
func (c *Collector) SessionEnded() {
	for {
		current := c.sessionsActive.Load()
		if current <= 0 {
			return
		}
		if c.sessionsActive.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// SessionFailed records a failed session.
func (c *Collector) SessionFailed() {
	c.sessionsFailed.Add(1)
}

// RecordHandshake records a completed handshake for the given parameter set.
func (c *Collector) RecordHandshake(group string, d time.Duration) {
	c.handshakeLatency.Observe(float64(d) / float64(time.Millisecond))
	c.handshakeSeconds.WithLabelValues(group).Observe(d.Seconds())
}

// RecordHandshakeFailure records a failed handshake by error kind.
func (c *Collector) RecordHandshakeFailure(kind qerrors.Kind) {
	c.handshakeFailures.WithLabelValues(kind.String()).Inc()
}

// --- Records ---

// RecordSealed counts one outbound record of n bytes.
func (c *Collector) RecordSealed(n int) {
	c.recordsSealed.Add(1)
	c.bytesSent.Add(uint64(n))
}

// RecordOpened counts one inbound record of n bytes.
func (c *Collector) RecordOpened(n int) {
	c.recordsOpened.Add(1)
	c.bytesReceived.Add(uint64(n))
}

// --- Security ---

// RecordAuthFailure counts an authentication failure.
func (c *Collector) RecordAuthFailure() {
	c.authFailures.Add(1)
}

// RecordReplayBlocked counts a rejected replay.
func (c *Collector) RecordReplayBlocked() {
	c.replaysBlocked.Add(1)
}

// RecordKeyUpdate counts a traffic key ratchet.
func (c *Collector) RecordKeyUpdate() {
	c.keyUpdates.Add(1)
}

// RecordProtocolError counts a protocol error.
func (c *Collector) RecordProtocolError() {
	c.protocolErrors.Add(1)
}

// RecordRateLimit counts a connection dropped by the named limit.
func (c *Collector) RecordRateLimit(limit tunnel.Limit) {
	switch limit {
	case tunnel.LimitConnection:
		c.connectionRateLimits.Add(1)
	case tunnel.LimitHandshake:
		c.handshakeRateLimits.Add(1)
	}
	c.rateLimits.WithLabelValues(string(limit)).Inc()
}

// --- Snapshot ---

// Snapshot is a point-in-time view of a collector.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	SessionsActive int64
	SessionsTotal  uint64
	SessionsFailed uint64

	RecordsSealed uint64
	RecordsOpened uint64
	BytesSent     uint64
	BytesReceived uint64

	AuthFailures   uint64
	ReplaysBlocked uint64
	KeyUpdates     uint64
	ProtocolErrors uint64

	ConnectionRateLimits uint64
	HandshakeRateLimits  uint64

	// HandshakeLatency is in milliseconds.
	HandshakeLatency HistogramSummary

	Labels Labels
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:            time.Now(),
		Uptime:               time.Since(c.createdAt),
		SessionsActive:       c.sessionsActive.Load(),
		SessionsTotal:        c.sessionsTotal.Load(),
		SessionsFailed:       c.sessionsFailed.Load(),
		RecordsSealed:        c.recordsSealed.Load(),
		RecordsOpened:        c.recordsOpened.Load(),
		BytesSent:            c.bytesSent.Load(),
		BytesReceived:        c.bytesReceived.Load(),
		AuthFailures:         c.authFailures.Load(),
		ReplaysBlocked:       c.replaysBlocked.Load(),
		KeyUpdates:           c.keyUpdates.Load(),
		ProtocolErrors:       c.protocolErrors.Load(),
		ConnectionRateLimits: c.connectionRateLimits.Load(),
		HandshakeRateLimits:  c.handshakeRateLimits.Load(),
		HandshakeLatency:     c.handshakeLatency.Summary(),
		Labels:               c.labels,
	}
}

// Reset clears all metrics.
func (c *Collector) Reset() {
	c.sessionsActive.Store(0)
	for _, v := range []*atomic.Uint64{
		&c.sessionsTotal, &c.sessionsFailed,
		&c.recordsSealed, &c.recordsOpened, &c.bytesSent, &c.bytesReceived,
		&c.authFailures, &c.replaysBlocked, &c.keyUpdates, &c.protocolErrors,
		&c.connectionRateLimits, &c.handshakeRateLimits,
	} {
		v.Store(0)
	}
	c.handshakeLatency.Reset()
	c.handshakeSeconds.Reset()
	c.handshakeFailures.Reset()
	c.rateLimits.Reset()
	c.createdAt = time.Now()
}

// --- Global Collector ---

var (
	globalCollector   *Collector
	globalCollectorMu sync.Mutex
)

// Global returns the process-wide collector, creating it on first use.
func Global() *Collector {
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(nil)
	}
	return globalCollector
}

// SetGlobal replaces the process-wide collector.
func SetGlobal(c *Collector) {
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	globalCollector = c
}
