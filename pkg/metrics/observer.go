package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
)

// SessionObserver records metrics, spans and log lines for one session. It
// implements tunnel.Observer.
type SessionObserver struct {
	collector *Collector
	tracer    Tracer
	logger    zerolog.Logger
	info      tunnel.SessionInfo

	mu    sync.Mutex
	group constants.ParameterSet
	suite constants.CipherSuite
}

var _ tunnel.Observer = (*SessionObserver)(nil)

// ObserverConfig configures the observers built by NewObserverFactory.
// Nil fields fall back to the global collector, tracer and logger.
type ObserverConfig struct {
	Collector *Collector
	Tracer    Tracer
	Logger    *zerolog.Logger
}

func (cfg ObserverConfig) withDefaults() ObserverConfig {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = GetTracer()
	}
	return cfg
}

// NewSessionObserver creates an observer for the session described by info.
func NewSessionObserver(cfg ObserverConfig, info tunnel.SessionInfo) *SessionObserver {
	cfg = cfg.withDefaults()
	lc := componentLogger(cfg.Logger, "session").With().
		Str("session_id", info.ID).
		Str("role", info.Role.String())
	if info.RemoteAddr != "" {
		lc = lc.Str("remote_addr", info.RemoteAddr)
	}
	return &SessionObserver{
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger:    lc.Logger(),
		info:      info,
	}
}

// NewObserverFactory returns a tunnel.ObserverFactory building SessionObservers.
func NewObserverFactory(cfg ObserverConfig) tunnel.ObserverFactory {
	cfg = cfg.withDefaults()
	return func(info tunnel.SessionInfo) tunnel.Observer {
		return NewSessionObserver(cfg, info)
	}
}

// OnSessionStart counts a new session.
func (o *SessionObserver) OnSessionStart() {
	o.collector.SessionStarted()
	o.logger.Debug().Msg("session started")
}

// OnSessionEnd counts a finished session.
func (o *SessionObserver) OnSessionEnd() {
	o.collector.SessionEnded()
	o.logger.Info().Msg("session ended")
}

// OnSessionFailed counts a session that failed to establish.
func (o *SessionObserver) OnSessionFailed(err error) {
	o.collector.SessionFailed()
	o.logger.Error().Err(err).Str("kind", qerrors.KindOf(err).String()).Msg("session failed")
}

// OnHandshakeStart opens a handshake span. The returned function records the
// handshake latency per parameter set, or the failure by error kind.
func (o *SessionObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	name, kind := SpanHandshakeClient, SpanKindClient
	if o.info.Role == handshake.RoleServer {
		name, kind = SpanHandshakeServer, SpanKindServer
	}
	attrs := SpanAttributes{
		SessionID:  o.info.ID,
		Role:       o.info.Role.String(),
		RemoteAddr: o.info.RemoteAddr,
	}

	start := time.Now()
	ctx, endSpan := o.tracer.StartSpan(ctx, name, WithSpanKind(kind), WithAttributes(attrs))
	o.logger.Debug().Msg("handshake started")

	return ctx, func(err error) {
		d := time.Since(start)
		if err != nil {
			o.collector.RecordHandshakeFailure(qerrors.KindOf(err))
			o.logger.Warn().Err(err).Dur("duration", d).Msg("handshake failed")
			endSpan(err)
			return
		}

		o.mu.Lock()
		group, suite := o.group, o.suite
		o.mu.Unlock()

		AnnotateSpan(ctx, SpanAttributes{ParameterSet: group.String(), CipherSuite: suite.String()})
		o.collector.RecordHandshake(group.String(), d)
		o.logger.Info().
			Str("group", group.String()).
			Str("suite", suite.String()).
			Dur("duration", d).
			Msg("handshake completed")
		endSpan(nil)
	}
}

// OnEstablished remembers the negotiated parameters for the handshake record.
func (o *SessionObserver) OnEstablished(group constants.ParameterSet, suite constants.CipherSuite, peerAuthenticated bool) {
	o.mu.Lock()
	o.group, o.suite = group, suite
	o.mu.Unlock()
	o.logger.Debug().Bool("peer_authenticated", peerAuthenticated).Msg("session established")
}

// OnEncrypt counts a sealed record.
func (o *SessionObserver) OnEncrypt(ctx context.Context, plaintextLen int) (context.Context, func(error)) {
	ctx, endSpan := o.tracer.StartSpan(ctx, SpanSeal, WithAttributes(SpanAttributes{Bytes: plaintextLen}))
	return ctx, func(err error) {
		if err == nil {
			o.collector.RecordSealed(plaintextLen)
		}
		endSpan(err)
	}
}

// OnDecrypt counts an opened record.
func (o *SessionObserver) OnDecrypt(ctx context.Context, ciphertextLen int) (context.Context, func(error)) {
	ctx, endSpan := o.tracer.StartSpan(ctx, SpanOpen, WithAttributes(SpanAttributes{Bytes: ciphertextLen}))
	return ctx, func(err error) {
		if err == nil {
			o.collector.RecordOpened(ciphertextLen)
		}
		endSpan(err)
	}
}

// OnReplayDetected counts a rejected replay.
func (o *SessionObserver) OnReplayDetected() {
	o.collector.RecordReplayBlocked()
	o.logger.Warn().Msg("replayed record rejected")
}

// OnAuthFailure counts a record that failed authentication.
func (o *SessionObserver) OnAuthFailure() {
	o.collector.RecordAuthFailure()
	o.logger.Warn().Msg("record authentication failed")
}

// OnKeyUpdate counts a traffic key ratchet.
func (o *SessionObserver) OnKeyUpdate() {
	o.collector.RecordKeyUpdate()
	o.logger.Debug().Msg("traffic key updated")
}

// OnProtocolError counts a protocol error.
func (o *SessionObserver) OnProtocolError(err error) {
	o.collector.RecordProtocolError()
	o.logger.Error().Err(err).Msg("protocol error")
}

// Logger returns the observer's session-scoped logger.
func (o *SessionObserver) Logger() *zerolog.Logger {
	return &o.logger
}
