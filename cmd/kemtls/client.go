package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
)

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Connect to an echo server",
		Description: `Runs the handshake, prints the server banner, then sends each --message
in turn. Without --message, lines are read from stdin until EOF or "quit".`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "connect",
				Aliases: []string{"a"},
				Usage:   "server address (overrides the config file)",
			},
			&cli.StringFlag{
				Name:  "server-key",
				Usage: "pin the server's ML-DSA-44 public key (PEM) and require authentication",
			},
			&cli.StringSliceFlag{
				Name:    "message",
				Aliases: []string{"m"},
				Usage:   "message to send (repeatable)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "print session details and statistics",
			},
		},
		Action: runClient,
	}
}

func runClient(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("connect") {
		cfg.Connect = c.String("connect")
	}
	if c.IsSet("server-key") {
		cfg.Identity.ServerPublicKeyFile = c.String("server-key")
	}
	// A client never presents the server identity.
	cfg.Identity.KeyFile = ""

	obs, err := setupObservability(cfg, c.App.ErrWriter, "client")
	if err != nil {
		return err
	}
	tc, err := cfg.Tunnel()
	if err != nil {
		return err
	}
	obs.apply(tc)

	w := c.App.Writer
	verbose := c.Bool("verbose")

	start := time.Now()
	conn, err := tunnel.Dial(c.Context, "tcp", cfg.Connect, tc)
	if err != nil {
		return errors.Wrapf(err, "connect to %s", cfg.Connect)
	}
	defer conn.Close()

	obs.logger.Info().
		Str("server", cfg.Connect).
		Str("group", conn.ParameterSet().String()).
		Str("suite", conn.CipherSuite().String()).
		Bool("authenticated", conn.PeerAuthenticated()).
		Dur("handshake", time.Since(start)).
		Msg("connected")
	if verbose {
		fmt.Fprintf(w, "Session ID: %s\n", conn.SessionID())
		fmt.Fprintf(w, "Key exchange: %s\n", conn.ParameterSet())
		fmt.Fprintf(w, "Cipher suite: %s\n", conn.CipherSuite())
		fmt.Fprintf(w, "Server authenticated: %t\n", conn.PeerAuthenticated())
		fmt.Fprintf(w, "Handshake time: %v\n\n", time.Since(start))
	}

	banner, err := conn.Receive()
	if err != nil {
		return errors.Wrap(err, "receive banner")
	}
	fmt.Fprint(w, string(banner))

	if messages := c.StringSlice("message"); len(messages) > 0 {
		err = sendMessages(conn, w, messages)
	} else {
		err = sendLines(conn, w, c.App.Reader)
	}
	if err != nil {
		return err
	}

	if verbose {
		stats := conn.Stats()
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Session Statistics:")
		fmt.Fprintf(w, "  Records sealed: %d (%d bytes)\n", stats.RecordsSealed, stats.BytesSealed)
		fmt.Fprintf(w, "  Records opened: %d (%d bytes)\n", stats.RecordsOpened, stats.BytesOpened)
		fmt.Fprintf(w, "  Key updates: %d\n", stats.KeyUpdates)
	}
	return nil
}

// sendMessages sends each message followed by "quit", printing every reply.
func sendMessages(conn *tunnel.Conn, w io.Writer, messages []string) error {
	for _, msg := range append(messages, quitCommand) {
		fmt.Fprintln(w, msg)
		done, err := exchange(conn, w, msg)
		if err != nil || done {
			return err
		}
	}
	return nil
}

// sendLines sends lines from r until EOF or "quit".
func sendLines(conn *tunnel.Conn, w io.Writer, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		done, err := exchange(conn, w, line)
		if err != nil || done {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read input")
	}
	fmt.Fprintln(w, quitCommand)
	_, err := exchange(conn, w, quitCommand)
	return err
}

// exchange sends msg and prints the reply. It reports whether the server
// ended the session.
func exchange(conn *tunnel.Conn, w io.Writer, msg string) (bool, error) {
	if err := conn.Send([]byte(msg)); err != nil {
		return false, errors.Wrap(err, "send")
	}
	reply, err := conn.Receive()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		return false, errors.Wrap(err, "receive")
	}
	fmt.Fprint(w, string(reply))
	return string(reply) == goodbyeMessage, nil
}
