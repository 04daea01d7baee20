package tunnel

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
	"github.com/pzverkov/quantum-kemtls/pkg/protocol"
	"github.com/pzverkov/quantum-kemtls/pkg/record"
)

// Conn is an established channel. Send and Receive may be called from
// different goroutines; concurrent Sends are serialized.
type Conn struct {
	id        string
	session   *handshake.Session
	layer     *record.Layer
	transport Transport
	observer  Observer
	codec     *protocol.Codec

	sendMu sync.Mutex

	recvMu  sync.Mutex
	pending []byte

	closeOnce sync.Once
	closed    atomic.Bool
	failed    atomic.Bool
}

// NewConn wraps an established session. Bytes the session buffered after its
// final handshake message are processed before reading from t.
func NewConn(session *handshake.Session, t Transport, observer Observer, opts ...record.Option) (*Conn, error) {
	secrets, err := session.TrafficSecrets()
	if err != nil {
		return nil, err
	}
	defer secrets.Zeroize()

	layer, err := record.New(session.Role(), session.CipherSuite(), secrets, session, opts...)
	if err != nil {
		return nil, err
	}
	if observer == nil {
		observer = nopObserver{}
	}

	return &Conn{
		id:        uuid.NewString(),
		session:   session,
		layer:     layer,
		transport: t,
		observer:  observer,
		codec:     protocol.NewCodec(),
		pending:   session.Buffered(),
	}, nil
}

// Send seals p into a record and writes it. p must not exceed
// constants.MaxPayloadSize.
func (c *Conn) Send(p []byte) error {
	if c.closed.Load() {
		return qerrors.ErrTunnelClosed
	}
	if len(p) > constants.MaxPayloadSize {
		return qerrors.ErrMessageTooLarge
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	updates := c.layer.Stats().KeyUpdates
	_, done := c.observer.OnEncrypt(context.Background(), len(p))
	out, err := c.layer.Seal(p)
	done(err)
	if err != nil {
		return err
	}
	if c.layer.Stats().KeyUpdates > updates {
		c.observer.OnKeyUpdate()
	}
	return c.writeLocked(out)
}

// Receive returns the next application payload. It returns io.EOF after the
// peer's close_notify. Any authentication, replay or decoding failure is
// fatal: a sealed alert is sent and the connection is closed.
func (c *Conn) Receive() ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for {
		if c.closed.Load() {
			return nil, qerrors.ErrTunnelClosed
		}

		msg, err := c.nextMessage()
		if err != nil {
			if c.closed.Load() {
				return nil, qerrors.ErrTunnelClosed
			}
			c.abandon()
			return nil, err
		}

		if mt, _ := c.codec.GetMessageType(msg); mt == protocol.MessageTypeAlert {
			return nil, c.peerAlert(msg)
		}

		_, done := c.observer.OnDecrypt(context.Background(), len(msg))
		content, err := c.layer.Open(msg)
		done(err)
		if err != nil {
			return nil, c.fail(err)
		}

		switch content.Type {
		case protocol.MessageTypeData:
			return content.Payload, nil

		case protocol.MessageTypeKeyUpdate:
			c.observer.OnKeyUpdate()
			if content.UpdateRequested {
				if err := c.flushKeyUpdate(); err != nil {
					return nil, err
				}
			}

		case protocol.MessageTypeAlert:
			if content.Alert.Code == protocol.AlertCodeCloseNotify {
				c.shutdown(false)
				return nil, io.EOF
			}
			alertErr := protocol.PeerAlert(content.Alert.Code)
			c.observer.OnProtocolError(alertErr)
			c.shutdown(false)
			return nil, alertErr
		}
	}
}

// nextMessage returns the next framed message from pending bytes or the
// transport.
func (c *Conn) nextMessage() ([]byte, error) {
	for {
		msg, rest, ok, err := c.codec.SplitMessage(c.pending)
		if err != nil {
			return nil, c.fail(err)
		}
		if ok {
			c.pending = rest
			return msg, nil
		}

		in, err := c.transport.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, errors.Wrap(err, "receive")
		}
		c.pending = append(c.pending, in...)
	}
}

func (c *Conn) flushKeyUpdate() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	out, err := c.layer.Flush()
	if err != nil || len(out) == 0 {
		return err
	}
	c.observer.OnKeyUpdate()
	return c.writeLocked(out)
}

// UpdateKeys ratchets the sending key and asks the peer to ratchet its own.
func (c *Conn) UpdateKeys() error {
	if c.closed.Load() {
		return qerrors.ErrTunnelClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	out, err := c.layer.UpdateKeys(true)
	if err != nil {
		return err
	}
	c.observer.OnKeyUpdate()
	return c.writeLocked(out)
}

func (c *Conn) writeLocked(out []byte) error {
	if err := c.transport.Send(out); err != nil {
		return errors.Wrap(err, "send")
	}
	return nil
}

// fail reports err, sends a sealed fatal alert and tears the connection down.
func (c *Conn) fail(err error) error {
	switch {
	case qerrors.Is(err, qerrors.ErrReplayDetected):
		c.observer.OnReplayDetected()
	case qerrors.Is(err, qerrors.ErrAuthentication):
		c.observer.OnAuthFailure()
	default:
		c.observer.OnProtocolError(err)
	}

	c.sendMu.Lock()
	if alert, sealErr := c.layer.SealAlert(protocol.AlertLevelFatal, protocol.AlertCodeFor(err)); sealErr == nil {
		_ = c.transport.Send(alert)
	}
	c.sendMu.Unlock()

	c.failed.Store(true)
	c.shutdown(false)
	return err
}

// peerAlert handles a cleartext alert sent by a peer that lost its keys.
func (c *Conn) peerAlert(msg []byte) error {
	c.failed.Store(true)
	c.shutdown(false)
	alert, err := c.codec.DecodeAlert(msg)
	if err != nil {
		return err
	}
	return protocol.PeerAlert(alert.Code)
}

// abandon closes without an alert after a transport failure.
func (c *Conn) abandon() {
	c.failed.Store(true)
	c.shutdown(false)
}

// Close sends close_notify, zeroes all keys and closes the transport.
func (c *Conn) Close() error {
	c.shutdown(true)
	return nil
}

func (c *Conn) shutdown(notify bool) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if notify && !c.failed.Load() {
			c.sendMu.Lock()
			if alert, err := c.layer.SealAlert(protocol.AlertLevelWarning, protocol.AlertCodeCloseNotify); err == nil {
				_ = c.transport.Send(alert)
			}
			c.sendMu.Unlock()
		}

		c.layer.Close()
		c.session.Close()
		if closer, ok := c.transport.(io.Closer); ok {
			_ = closer.Close()
		}
		c.observer.OnSessionEnd()
	})
}

// ID returns the local connection identifier used in logs and traces.
func (c *Conn) ID() string {
	return c.id
}

// SessionID returns the hex session identifier shared with the peer.
func (c *Conn) SessionID() string {
	return hex.EncodeToString(c.session.SessionID())
}

// CipherSuite returns the negotiated cipher suite.
func (c *Conn) CipherSuite() constants.CipherSuite {
	return c.session.CipherSuite()
}

// ParameterSet returns the negotiated ML-KEM parameter set.
func (c *Conn) ParameterSet() constants.ParameterSet {
	return c.session.ParameterSet()
}

// PeerAuthenticated reports whether the server proved its identity key.
func (c *Conn) PeerAuthenticated() bool {
	return c.session.PeerAuthenticated()
}

// Stats returns the record layer counters.
func (c *Conn) Stats() record.Stats {
	return c.layer.Stats()
}

// RemoteAddr returns the peer address when the transport knows it.
func (c *Conn) RemoteAddr() net.Addr {
	if a, ok := c.transport.(interface{ RemoteAddr() net.Addr }); ok {
		return a.RemoteAddr()
	}
	return nil
}
