package tunnel

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
	"github.com/pzverkov/quantum-kemtls/pkg/record"
)

// Config holds settings shared by Dial and Server.
type Config struct {
	// Handshake configures the handshake sessions. nil uses handshake.DefaultConfig.
	Handshake *handshake.Config

	// HandshakeTimeout bounds the whole handshake. Zero disables it.
	HandshakeTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxSessions bounds concurrent server sessions. Zero means unbounded.
	MaxSessions int64

	RateLimit RateLimitConfig

	// KeyUpdateThreshold overrides the records-per-key limit. Zero keeps the default.
	KeyUpdateThreshold uint64

	// ObserverFactory builds a per-session observer.
	ObserverFactory ObserverFactory

	// RateLimitObserver receives notifications when rate limits are hit.
	RateLimitObserver RateLimitObserver

	// Log receives listener events. nil disables logging.
	Log *zerolog.Logger
}

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	// MaxConnectionsPerIP is the maximum number of concurrent sessions from a single IP.
	// 0 means no limit.
	MaxConnectionsPerIP int

	// HandshakeRateLimit is the maximum number of handshakes per second allowed globally.
	// 0 means no limit.
	HandshakeRateLimit float64

	// HandshakeBurst is the maximum burst of handshakes allowed.
	HandshakeBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Handshake:        handshake.DefaultConfig(),
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      5 * time.Minute,
		WriteTimeout:     30 * time.Second,
		MaxSessions:      1024,
	}
}

func (c *Config) logger() *zerolog.Logger {
	if c.Log != nil {
		return c.Log
	}
	nop := zerolog.Nop()
	return &nop
}

func (c *Config) recordOptions() []record.Option {
	if c.KeyUpdateThreshold == 0 {
		return nil
	}
	return []record.Option{record.WithKeyUpdateThreshold(c.KeyUpdateThreshold)}
}

// Dial connects to addr and runs the client handshake.
func Dial(ctx context.Context, network, addr string, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return Client(ctx, nc, cfg)
}

// Client runs the client handshake over an existing connection. nc is
// closed if the handshake fails.
func Client(ctx context.Context, nc net.Conn, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	session, err := handshake.NewClient(cfg.Handshake)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return establish(ctx, session, nc, cfg)
}

// Accept runs the server handshake over an existing connection. nc is
// closed if the handshake fails.
func Accept(ctx context.Context, nc net.Conn, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	session, err := handshake.NewServer(cfg.Handshake)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return establish(ctx, session, nc, cfg)
}

func establish(ctx context.Context, session *handshake.Session, nc net.Conn, cfg *Config) (*Conn, error) {
	info := SessionInfo{
		ID:         uuid.NewString(),
		Role:       session.Role(),
		RemoteAddr: nc.RemoteAddr().String(),
	}
	observer := cfg.observer(info)
	observer.OnSessionStart()

	t := NewConnTransport(nc, WithReadTimeout(cfg.ReadTimeout), WithWriteTimeout(cfg.WriteTimeout))

	hctx := ctx
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	hctx, done := observer.OnHandshakeStart(hctx)
	err := Handshake(hctx, session, t)
	if err == nil {
		observer.OnEstablished(session.ParameterSet(), session.CipherSuite(), session.PeerAuthenticated())
	}
	done(err)

	var conn *Conn
	if err == nil {
		conn, err = NewConn(session, t, observer, cfg.recordOptions()...)
	}
	if err != nil {
		session.Close()
		_ = nc.Close()
		observer.OnSessionFailed(err)
		observer.OnSessionEnd()
		return nil, err
	}
	conn.id = info.ID
	return conn, nil
}

// Handler serves one established connection. The connection is closed when
// the handler returns.
type Handler func(ctx context.Context, conn *Conn) error

// Server accepts connections and runs a Handler for each established session.
type Server struct {
	cfg     *Config
	handler Handler

	ipLimiter        *IPRateLimiter
	handshakeLimiter *HandshakeLimiter
	sessions         *semaphore.Weighted
}

// NewServer creates a server. A nil cfg uses DefaultConfig.
func NewServer(cfg *Config, handler Handler) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{cfg: cfg, handler: handler}
	if cfg.RateLimit.MaxConnectionsPerIP > 0 {
		s.ipLimiter = NewIPRateLimiter(cfg.RateLimit.MaxConnectionsPerIP)
	}
	if cfg.RateLimit.HandshakeRateLimit > 0 {
		s.handshakeLimiter = NewHandshakeLimiter(cfg.RateLimit.HandshakeRateLimit, cfg.RateLimit.HandshakeBurst)
	}
	if cfg.MaxSessions > 0 {
		s.sessions = semaphore.NewWeighted(cfg.MaxSessions)
	}
	return s
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// It closes ln and waits for every session to finish before returning.
// Cancellation is a clean shutdown and returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.cfg.logger()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	group.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accept")
			}

			ip := remoteIP(nc.RemoteAddr())
			release, ok := s.ipLimiter.Acquire(ip)
			if !ok {
				s.drop(nc, LimitConnection, ip)
				continue
			}

			if s.sessions != nil {
				if err := s.sessions.Acquire(ctx, 1); err != nil {
					release()
					_ = nc.Close()
					return nil
				}
			}

			group.Go(func() error {
				defer release()
				if s.sessions != nil {
					defer s.sessions.Release(1)
				}
				s.serveConn(ctx, nc, ip)
				return nil
			})
		}
	})

	err := group.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// drop closes a connection refused by limit.
func (s *Server) drop(nc net.Conn, limit Limit, ip string) {
	if s.cfg.RateLimitObserver != nil {
		s.cfg.RateLimitObserver.OnRateLimited(limit, ip)
	}
	s.cfg.logger().Debug().Str("limit", string(limit)).Str("remote_ip", ip).Msg("rate limited")
	_ = nc.Close()
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn, ip string) {
	log := s.cfg.logger().With().Str("remote_ip", ip).Logger()

	if !s.handshakeLimiter.Allow() {
		s.drop(nc, LimitHandshake, ip)
		return
	}

	conn, err := Accept(ctx, nc, s.cfg)
	if err != nil {
		log.Debug().Err(err).Str("kind", qerrors.KindOf(err).String()).Msg("handshake failed")
		return
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if s.handler == nil {
		return
	}
	if err := s.handler(ctx, conn); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, qerrors.ErrTunnelClosed) {
		log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("session ended with error")
	}
}
