package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/quantum-kemtls/pkg/metrics"
	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
	pkgversion "github.com/pzverkov/quantum-kemtls/pkg/version"
)

const (
	quitCommand    = "quit"
	promptSuffix   = ">>> "
	goodbyeMessage = "Goodbye!\n"
)

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run the echo server",
		Description: `Accepts KEM-TLS sessions, sends a welcome banner and echoes every
message back. A client ends its session by sending "quit".`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "address to listen on (overrides the config file)",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "ML-DSA-44 identity key (PEM) used to authenticate the server",
			},
		},
		Action: runServer,
	}
}

func runServer(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("key") {
		cfg.Identity.KeyFile = c.String("key")
	}

	obs, err := setupObservability(cfg, c.App.ErrWriter, "server")
	if err != nil {
		return err
	}
	tc, err := cfg.Tunnel()
	if err != nil {
		return err
	}
	obs.apply(tc)

	obs.logger.Info().
		Str("listen", cfg.Listen).
		Bool("authenticated", tc.Handshake.Identity != nil).
		Str("version", getVersion()).
		Msg("starting server")

	group, ctx := errgroup.WithContext(c.Context)

	srv := tunnel.NewServer(tc, echoHandler(obs.logger))
	group.Go(func() error {
		return srv.ListenAndServe(ctx, "tcp", cfg.Listen)
	})

	if cfg.Metrics.Address != "" {
		ms := metrics.NewServer(metrics.ServerConfig{
			Collector: obs.collector,
			Version:   getVersion(),
			SelfTest:  true,
			Logger:    &obs.logger,
		})
		group.Go(func() error {
			return ms.ListenAndServe(ctx, cfg.Metrics.Address)
		})
	}

	err = group.Wait()
	snap := obs.collector.Snapshot()
	obs.logger.Info().
		Uint64("sessions_total", snap.SessionsTotal).
		Uint64("sessions_failed", snap.SessionsFailed).
		Msg("server stopped")
	return err
}

// echoHandler greets the client, then echoes each message until the client
// sends "quit" or closes the session.
func echoHandler(logger zerolog.Logger) tunnel.Handler {
	return func(ctx context.Context, conn *tunnel.Conn) error {
		log := logger.With().Str("conn_id", conn.ID()).Logger()
		log.Info().
			Str("remote_addr", conn.RemoteAddr().String()).
			Str("group", conn.ParameterSet().String()).
			Str("suite", conn.CipherSuite().String()).
			Msg("session established")

		if err := conn.Send([]byte(welcomeBanner(conn))); err != nil {
			return errors.Wrap(err, "send banner")
		}

		for {
			msg, err := conn.Receive()
			if err != nil {
				if errors.Is(err, io.EOF) {
					log.Info().Msg("client disconnected")
					return nil
				}
				return err
			}

			line := strings.TrimRight(string(msg), "\r\n")
			if strings.EqualFold(strings.TrimSpace(line), quitCommand) {
				log.Info().Msg("client quit")
				return conn.Send([]byte(goodbyeMessage))
			}

			log.Debug().Int("bytes", len(msg)).Msg("echo")
			if err := conn.Send([]byte(echoReply(line))); err != nil {
				return errors.Wrap(err, "send echo")
			}
		}
	}
}

func welcomeBanner(conn *tunnel.Conn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to the kemtls echo server (%s)\n", pkgversion.Full())
	fmt.Fprintf(&b, "Key exchange: %s\n", conn.ParameterSet())
	fmt.Fprintf(&b, "Cipher suite: %s\n", conn.CipherSuite())
	fmt.Fprintf(&b, "Session: %s\n", conn.SessionID())
	fmt.Fprintf(&b, "Type '%s' to exit.\n", quitCommand)
	b.WriteString(promptSuffix)
	return b.String()
}

func echoReply(line string) string {
	return fmt.Sprintf("[ECHO] %s\n%s", line, promptSuffix)
}
