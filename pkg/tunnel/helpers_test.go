package tunnel_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
	"github.com/pzverkov/quantum-kemtls/pkg/record"
	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
)

func recordThreshold(n uint64) []record.Option {
	return []record.Option{record.WithKeyUpdateThreshold(n)}
}

// chanTransport is an in-memory Transport. tamper, when set, rewrites each
// received message and may return several messages.
type chanTransport struct {
	in  chan []byte
	out chan []byte

	mu     sync.Mutex
	tamper func([]byte) [][]byte
	closed bool
}

func transportPair() (*chanTransport, *chanTransport) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	return &chanTransport{in: b2a, out: a2b}, &chanTransport{in: a2b, out: b2a}
}

func (t *chanTransport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	t.out <- append([]byte(nil), p...)
	return nil
}

func (t *chanTransport) Receive() ([]byte, error) {
	msg, ok := <-t.in
	if !ok {
		return nil, io.EOF
	}
	t.mu.Lock()
	tamper := t.tamper
	t.mu.Unlock()
	if tamper == nil {
		return msg, nil
	}
	var joined []byte
	for _, m := range tamper(msg) {
		joined = append(joined, m...)
	}
	return joined, nil
}

func (t *chanTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.out)
	}
	return nil
}

func (t *chanTransport) setTamper(f func([]byte) [][]byte) {
	t.mu.Lock()
	t.tamper = f
	t.mu.Unlock()
}

// recordingObserver counts observer callbacks.
type recordingObserver struct {
	mu     sync.Mutex
	counts map[string]int
	errs   []error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{counts: make(map[string]int)}
}

func (o *recordingObserver) inc(name string) {
	o.mu.Lock()
	o.counts[name]++
	o.mu.Unlock()
}

func (o *recordingObserver) count(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[name]
}

func (o *recordingObserver) OnSessionStart() { o.inc("start") }
func (o *recordingObserver) OnSessionEnd()   { o.inc("end") }

func (o *recordingObserver) OnSessionFailed(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
	o.inc("failed")
}

func (o *recordingObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	o.inc("handshake")
	return ctx, func(err error) {
		if err == nil {
			o.inc("handshake_ok")
		}
	}
}

func (o *recordingObserver) OnEstablished(constants.ParameterSet, constants.CipherSuite, bool) {
	o.inc("established")
}

func (o *recordingObserver) OnEncrypt(ctx context.Context, _ int) (context.Context, func(error)) {
	return ctx, func(error) { o.inc("encrypt") }
}

func (o *recordingObserver) OnDecrypt(ctx context.Context, _ int) (context.Context, func(error)) {
	return ctx, func(error) { o.inc("decrypt") }
}

func (o *recordingObserver) OnReplayDetected()     { o.inc("replay") }
func (o *recordingObserver) OnAuthFailure()        { o.inc("auth_failure") }
func (o *recordingObserver) OnKeyUpdate()          { o.inc("key_update") }
func (o *recordingObserver) OnProtocolError(error) { o.inc("protocol_error") }

// connPair runs a handshake over an in-memory transport pair and wraps both
// sides in Conns.
func connPair(t *testing.T, cfg *handshake.Config, clientObs, serverObs tunnel.Observer) (*tunnel.Conn, *tunnel.Conn, *chanTransport, *chanTransport) {
	t.Helper()
	ct, st := transportPair()

	client, err := handshake.NewClient(cfg)
	require.NoError(t, err)
	server, err := handshake.NewServer(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	errc := make(chan error, 1)
	go func() { errc <- tunnel.Handshake(ctx, server, st) }()
	require.NoError(t, tunnel.Handshake(ctx, client, ct))
	require.NoError(t, <-errc)

	cc, err := tunnel.NewConn(client, ct, clientObs)
	require.NoError(t, err)
	sc, err := tunnel.NewConn(server, st, serverObs)
	require.NoError(t, err)
	return cc, sc, ct, st
}
