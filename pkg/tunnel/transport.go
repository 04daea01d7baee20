// Package tunnel drives handshake sessions and record layers over real
// connections.
//
// The handshake core in pkg/handshake never touches the network. This package
// supplies the byte transport, runs the extract/send/receive/deliver loop
// under a context, and exposes the established channel as a Conn. A Server
// accepts connections with bounded concurrency, per-IP and handshake rate
// limits, and a per-session Observer for logs, metrics and traces.
package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/protocol"
)

// Transport moves framed protocol messages between peers. Receive may return
// any number of bytes; the caller reassembles messages.
type Transport interface {
	Send(p []byte) error
	Receive() ([]byte, error)
}

// ConnTransport is a Transport over a net.Conn. Each Receive returns exactly
// one framed message.
type ConnTransport struct {
	conn  net.Conn
	codec *protocol.Codec

	readTimeout  time.Duration
	writeTimeout time.Duration

	// Serializes writes so records from concurrent senders never interleave
	writeMu sync.Mutex
}

// ConnOption configures a ConnTransport.
type ConnOption func(*ConnTransport)

// WithReadTimeout bounds each Receive call. Zero disables the timeout.
func WithReadTimeout(d time.Duration) ConnOption {
	return func(t *ConnTransport) { t.readTimeout = d }
}

// WithWriteTimeout bounds each Send call. Zero disables the timeout.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(t *ConnTransport) { t.writeTimeout = d }
}

// NewConnTransport wraps conn.
func NewConnTransport(conn net.Conn, opts ...ConnOption) *ConnTransport {
	t := &ConnTransport{conn: conn, codec: protocol.NewCodec()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send writes p in full.
func (t *ConnTransport) Send(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if _, err := t.conn.Write(p); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

// Receive reads the next framed message.
func (t *ConnTransport) Receive() ([]byte, error) {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	msg, err := t.codec.ReadMessage(t.conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if qerrors.KindOf(err) != qerrors.KindUnknown {
			return nil, err
		}
		return nil, errors.Wrap(err, "read")
	}
	return msg, nil
}

// SetDeadline sets read and write deadlines on the underlying connection.
func (t *ConnTransport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}

// Close closes the underlying connection.
func (t *ConnTransport) Close() error {
	return t.conn.Close()
}

// LocalAddr returns the local network address.
func (t *ConnTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (t *ConnTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// deadliner is implemented by transports whose blocking calls can be
// interrupted.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// bindContext applies ctx's deadline to t and interrupts blocked I/O when
// ctx is cancelled. The returned function detaches the binding.
func bindContext(ctx context.Context, t Transport) func() {
	d, ok := t.(deadliner)
	if !ok {
		return func() {}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = d.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = d.SetDeadline(time.Time{})
	}
}
