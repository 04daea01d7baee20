package metrics

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
)

func newTestObserver(role handshake.Role) (*SessionObserver, *Collector, *SimpleTracer, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c := NewCollector(nil)
	tr := NewSimpleTracer()
	o := NewSessionObserver(ObserverConfig{
		Collector: c,
		Tracer:    tr,
		Logger:    &logger,
	}, tunnel.SessionInfo{ID: "sess-1", Role: role, RemoteAddr: "192.0.2.7:4433"})
	return o, c, tr, &buf
}

func TestSessionObserverHandshake(t *testing.T) {
	o, c, tr, buf := newTestObserver(handshake.RoleServer)

	o.OnSessionStart()
	_, done := o.OnHandshakeStart(context.Background())
	o.OnEstablished(constants.MLKEM768, constants.CipherSuiteShake256AES256GCM, false)
	time.Sleep(time.Millisecond)
	done(nil)

	snap := c.Snapshot()
	if snap.SessionsActive != 1 || snap.HandshakeLatency.Count != 1 {
		t.Errorf("expected one active session and one handshake, got %+v", snap)
	}
	if !strings.Contains(scrape(t, c), `group="`+constants.MLKEM768.String()+`"`) {
		t.Error("expected handshake latency labeled with the negotiated group")
	}

	spans := tr.Spans()
	if len(spans) != 1 || spans[0].Name != SpanHandshakeServer || spans[0].Kind != SpanKindServer {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	if got := spans[0].Attributes; got.SessionID != "sess-1" || got.ParameterSet != constants.MLKEM768.String() {
		t.Errorf("expected session and negotiated group attributes, got %+v", got)
	}

	logs := buf.String()
	if !strings.Contains(logs, `"component":"session"`) || !strings.Contains(logs, `"session_id":"sess-1"`) {
		t.Errorf("expected session-scoped log fields:\n%s", logs)
	}

	o.OnSessionEnd()
	if c.Snapshot().SessionsActive != 0 {
		t.Error("expected no active sessions after end")
	}
}

func TestSessionObserverHandshakeFailure(t *testing.T) {
	o, c, tr, _ := newTestObserver(handshake.RoleClient)

	_, done := o.OnHandshakeStart(context.Background())
	err := qerrors.NewProtocolError("finished", qerrors.ErrFinishedMismatch)
	done(err)
	o.OnSessionFailed(err)

	if c.Snapshot().SessionsFailed != 1 {
		t.Error("expected one failed session")
	}
	if c.Snapshot().HandshakeLatency.Count != 0 {
		t.Error("failed handshakes must not be recorded as latency")
	}
	if !strings.Contains(scrape(t, c), `kind="`+qerrors.KindOf(err).String()+`"`) {
		t.Error("expected failure labeled with the error kind")
	}
	spans := tr.Spans()
	if len(spans) != 1 || spans[0].Name != SpanHandshakeClient || spans[0].Error == nil {
		t.Fatalf("unexpected spans: %+v", spans)
	}
}

func TestSessionObserverRecords(t *testing.T) {
	o, c, tr, _ := newTestObserver(handshake.RoleClient)

	_, done := o.OnEncrypt(context.Background(), 100)
	done(nil)
	_, done = o.OnEncrypt(context.Background(), 50)
	done(errors.New("closed"))
	_, done = o.OnDecrypt(context.Background(), 130)
	done(nil)
	o.OnKeyUpdate()
	o.OnReplayDetected()
	o.OnAuthFailure()
	o.OnProtocolError(qerrors.ErrUnexpectedMessage)

	snap := c.Snapshot()
	if snap.RecordsSealed != 1 || snap.BytesSent != 100 {
		t.Errorf("expected one sealed record of 100 bytes, got %d/%d", snap.RecordsSealed, snap.BytesSent)
	}
	if snap.RecordsOpened != 1 || snap.BytesReceived != 130 {
		t.Errorf("expected one opened record of 130 bytes, got %d/%d", snap.RecordsOpened, snap.BytesReceived)
	}
	if snap.KeyUpdates != 1 || snap.ReplaysBlocked != 1 || snap.AuthFailures != 1 || snap.ProtocolErrors != 1 {
		t.Errorf("unexpected security counters: %+v", snap)
	}
	if len(tr.Spans()) != 3 {
		t.Errorf("expected 3 record spans, got %d", len(tr.Spans()))
	}
}

func TestObserverFactory(t *testing.T) {
	c := NewCollector(nil)
	nop := zerolog.Nop()
	factory := NewObserverFactory(ObserverConfig{Collector: c, Tracer: NoOpTracer{}, Logger: &nop})

	obs := factory(tunnel.SessionInfo{ID: "a", Role: handshake.RoleServer})
	obs.OnSessionStart()
	factory(tunnel.SessionInfo{ID: "b", Role: handshake.RoleClient}).OnSessionStart()

	if got := c.Snapshot().SessionsTotal; got != 2 {
		t.Errorf("expected 2 sessions through the factory, got %d", got)
	}
}
