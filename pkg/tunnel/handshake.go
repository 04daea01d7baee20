// handshake.go drives a handshake.Session over a Transport.
//
//	Client                                 Server
//	  | -------- ClientHello -------------> |
//	  |   group, ML-KEM public key          |
//	  | <------- ServerHello -------------- |
//	  |   suite, ML-KEM ciphertext          |
//	  | -------- {ClientFinished} --------> |
//	  | <------- {CertificateVerify} ------ |  (server identity only)
//	  | <------- {ServerFinished} --------- |
//	  |        === Established ===          |
//
// Messages in braces are sealed under the handshake traffic keys.
package tunnel

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
)

// Handshake runs session to completion over t. Client sessions are started
// here. On any failure the session is aborted, its alert is sent on a best
// effort basis, and the error is returned. Cancelling ctx interrupts blocked
// I/O on transports that support deadlines.
func Handshake(ctx context.Context, session *handshake.Session, t Transport) error {
	unbind := bindContext(ctx, t)
	defer unbind()

	if session.Role() == handshake.RoleClient && session.State() == handshake.StateStart {
		if err := session.Start(); err != nil {
			return fail(session, t, err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(session, t, err)
		}

		if out := session.Extract(); len(out) > 0 {
			if err := t.Send(out); err != nil {
				session.Abort(err)
				return ioError(ctx, err, "handshake send")
			}
		}

		switch session.State() {
		case handshake.StateEstablished:
			return nil
		case handshake.StateAborted:
			return session.Err()
		}

		in, err := t.Receive()
		if err != nil {
			session.Abort(err)
			return ioError(ctx, err, "handshake receive")
		}
		if _, err := session.Deliver(in); err != nil {
			flushAlert(session, t)
			return err
		}
	}
}

// fail aborts session and sends the resulting alert.
func fail(session *handshake.Session, t Transport, err error) error {
	err = session.Abort(err)
	flushAlert(session, t)
	return err
}

func flushAlert(session *handshake.Session, t Transport) {
	if out := session.Extract(); len(out) > 0 {
		_ = t.Send(out)
	}
}

// ioError prefers the context error when cancellation caused the I/O failure.
func ioError(ctx context.Context, err error, msg string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, msg)
	}
	if deadline, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(deadline) {
		return errors.Wrap(context.DeadlineExceeded, msg)
	}
	if errors.Is(err, io.EOF) {
		return errors.Wrap(io.ErrUnexpectedEOF, msg)
	}
	return errors.Wrap(err, msg)
}
