package tunnel

import (
	"context"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
)

// Observer provides hooks for session lifecycle, metrics, and tracing.
// Implementations should be lightweight; callbacks may run on hot paths.
type Observer interface {
	OnSessionStart()
	OnSessionEnd()
	OnSessionFailed(err error)
	OnHandshakeStart(ctx context.Context) (context.Context, func(error))
	OnEstablished(group constants.ParameterSet, suite constants.CipherSuite, peerAuthenticated bool)
	OnEncrypt(ctx context.Context, plaintextLen int) (context.Context, func(error))
	OnDecrypt(ctx context.Context, ciphertextLen int) (context.Context, func(error))
	OnReplayDetected()
	OnAuthFailure()
	OnKeyUpdate()
	OnProtocolError(err error)
}

// SessionInfo identifies a session to an ObserverFactory.
type SessionInfo struct {
	ID         string
	Role       handshake.Role
	RemoteAddr string
}

// ObserverFactory builds a per-session observer.
type ObserverFactory func(info SessionInfo) Observer

// Limit names the admission control that dropped a connection.
type Limit string

const (
	// LimitConnection is the per-IP concurrent connection cap.
	LimitConnection Limit = "connection"
	// LimitHandshake is the global handshake token bucket.
	LimitHandshake Limit = "handshake"
)

// RateLimitObserver is told about every connection the server drops before
// its handshake. Calls may come from several goroutines at once.
type RateLimitObserver interface {
	OnRateLimited(limit Limit, remoteIP string)
}

// nopObserver is used when no observer is configured.
type nopObserver struct{}

func (nopObserver) OnSessionStart()                                                   {}
func (nopObserver) OnSessionEnd()                                                     {}
func (nopObserver) OnSessionFailed(error)                                             {}
func (nopObserver) OnEstablished(constants.ParameterSet, constants.CipherSuite, bool) {}
func (nopObserver) OnReplayDetected()                                                 {}
func (nopObserver) OnAuthFailure()                                                    {}
func (nopObserver) OnKeyUpdate()                                                      {}
func (nopObserver) OnProtocolError(error)                                             {}

func (nopObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopObserver) OnEncrypt(ctx context.Context, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopObserver) OnDecrypt(ctx context.Context, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (c *Config) observer(info SessionInfo) Observer {
	if c.ObserverFactory != nil {
		if o := c.ObserverFactory(info); o != nil {
			return o
		}
	}
	return nopObserver{}
}
