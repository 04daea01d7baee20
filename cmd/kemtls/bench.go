package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
	"github.com/pzverkov/quantum-kemtls/pkg/metrics"
	"github.com/pzverkov/quantum-kemtls/pkg/sponge"
	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
)

var (
	// Handshake latency buckets in milliseconds.
	handshakeBuckets = []float64{0.5, 1, 2, 3, 5, 7.5, 10, 15, 25, 50, 100}
	// Derivation latency buckets in microseconds.
	deriveBuckets = []float64{0.5, 1, 2, 3, 5, 7.5, 10, 20, 50, 100, 250}

	deriveOutputLengths = []int{16, 32, 64, 128}
	benchXOFs           = []constants.XOF{constants.XOFAscon128, constants.XOFShake128, constants.XOFShake256}
)

const (
	deriveKeyByte = 0xAA
	deriveKeySize = 32
	deriveLabel   = "kemtls bench derive"
)

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Run performance benchmarks",
		Description: `Measures handshake latency per ML-KEM parameter set over loopback TCP,
key derivation time per XOF and output length, and optionally record
throughput.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "handshakes",
				Value: 100,
				Usage: "handshakes per parameter set (0 skips)",
			},
			&cli.StringSliceFlag{
				Name:  "group",
				Usage: "parameter set to benchmark (repeatable, default all)",
			},
			&cli.IntFlag{
				Name:  "derivations",
				Value: 1000,
				Usage: "key derivations per XOF and output length (0 skips)",
			},
			&cli.DurationFlag{
				Name:  "throughput",
				Usage: "run the record throughput benchmark for this long (0 skips)",
			},
			&cli.StringFlag{
				Name:  "suite",
				Value: constants.CipherSuiteShake256AES256GCM.String(),
				Usage: "cipher suite for the throughput benchmark",
			},
		},
		Action: runBench,
	}
}

func runBench(c *cli.Context) error {
	w := c.App.Writer
	handshakes := c.Int("handshakes")
	derivations := c.Int("derivations")
	throughput := c.Duration("throughput")

	if handshakes <= 0 && derivations <= 0 && throughput <= 0 {
		return errors.New("no benchmarks selected")
	}

	groups := constants.ParameterSets
	if names := c.StringSlice("group"); len(names) > 0 {
		groups = nil
		for _, name := range names {
			ps, ok := constants.ParseParameterSet(name)
			if !ok {
				return errors.Errorf("unknown parameter set %q", name)
			}
			groups = append(groups, ps)
		}
	}
	suite, ok := constants.ParseCipherSuite(c.String("suite"))
	if !ok {
		return errors.Errorf("unknown cipher suite %q", c.String("suite"))
	}

	if handshakes > 0 {
		for _, ps := range groups {
			if err := benchHandshakes(c.Context, w, ps, handshakes); err != nil {
				return err
			}
		}
	}
	if derivations > 0 {
		if err := benchDerivation(w, derivations); err != nil {
			return err
		}
	}
	if throughput > 0 {
		return benchThroughput(c.Context, w, suite, throughput)
	}
	return nil
}

// benchServer runs a loopback tunnel server until the returned stop func is
// called.
func benchServer(ctx context.Context, handler tunnel.Handler) (addr string, stop func() error, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, errors.Wrap(err, "listen")
	}

	cfg := tunnel.DefaultConfig()
	cfg.MaxSessions = 0
	srv := tunnel.NewServer(cfg, handler)

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	return ln.Addr().String(), func() error {
		cancel()
		return group.Wait()
	}, nil
}

func clientConfig(ps constants.ParameterSet, suite constants.CipherSuite) *tunnel.Config {
	cfg := tunnel.DefaultConfig()
	cfg.Handshake = handshake.DefaultConfig()
	cfg.Handshake.ParameterSets = []constants.ParameterSet{ps}
	if suite != 0 {
		cfg.Handshake.CipherSuites = []constants.CipherSuite{suite}
	}
	return cfg
}

func benchHandshakes(ctx context.Context, w io.Writer, ps constants.ParameterSet, count int) error {
	fmt.Fprintf(w, "Benchmarking %s handshakes (%d iterations)\n", ps, count)
	fmt.Fprintln(w, strings.Repeat("─", 60))

	addr, stop, err := benchServer(ctx, nil)
	if err != nil {
		return err
	}

	cfg := clientConfig(ps, 0)
	latency := metrics.NewHistogram(handshakeBuckets)
	failed := 0

	start := time.Now()
	for i := 0; i < count; i++ {
		hsStart := time.Now()
		conn, err := tunnel.Dial(ctx, "tcp", addr, cfg)
		if err != nil {
			if ctx.Err() != nil {
				_ = stop()
				return ctx.Err()
			}
			failed++
			continue
		}
		latency.Observe(float64(time.Since(hsStart)) / float64(time.Millisecond))
		_ = conn.Close()

		step := count / 10
		if step == 0 {
			step = 1
		}
		if (i+1)%step == 0 || i == count-1 {
			fmt.Fprintf(w, "Progress: %d/%d (%.0f%%)\r", i+1, count, float64(i+1)/float64(count)*100)
		}
	}
	total := time.Since(start)
	fmt.Fprintln(w)

	if err := stop(); err != nil {
		return err
	}
	if failed == count {
		return errors.Errorf("all %s handshakes failed", ps)
	}

	ok := count - failed
	fmt.Fprintln(w, "\nResults:")
	fmt.Fprintf(w, "  Successful: %d\n", ok)
	fmt.Fprintf(w, "  Failed: %d\n", failed)
	fmt.Fprintf(w, "  Average: %.3f ms\n", latency.Mean())
	fmt.Fprintf(w, "  Minimum: %.3f ms\n", latency.Min())
	fmt.Fprintf(w, "  Maximum: %.3f ms\n", latency.Max())
	fmt.Fprintf(w, "  p50: %.3f ms\n", latency.Percentile(0.5))
	fmt.Fprintf(w, "  p99: %.3f ms\n", latency.Percentile(0.99))
	fmt.Fprintf(w, "  Throughput: %.2f handshakes/sec\n", float64(ok)/total.Seconds())
	fmt.Fprintln(w)
	printHandshakeRating(w, latency.Mean())
	fmt.Fprintln(w)
	return nil
}

func printHandshakeRating(w io.Writer, avgMillis float64) {
	switch {
	case avgMillis < 2:
		fmt.Fprintln(w, "✓ Performance: Excellent (< 2ms avg)")
	case avgMillis < 5:
		fmt.Fprintln(w, "✓ Performance: Good (< 5ms avg)")
	case avgMillis < 10:
		fmt.Fprintln(w, "⚠ Performance: Acceptable (< 10ms avg)")
	default:
		fmt.Fprintln(w, "⚠ Performance: Slow (> 10ms avg)")
	}
}

// benchDerivation times key derivation from a fixed 32-byte key for every
// XOF and output length.
func benchDerivation(w io.Writer, iterations int) error {
	fmt.Fprintf(w, "Benchmarking key derivation (%d iterations)\n", iterations)
	fmt.Fprintln(w, strings.Repeat("─", 60))

	key := bytes.Repeat([]byte{deriveKeyByte}, deriveKeySize)
	label := []byte(deriveLabel)

	for _, alg := range benchXOFs {
		fmt.Fprintf(w, "%s\n", alg)
		for _, n := range deriveOutputLengths {
			h, err := timeDerivation(alg, key, label, n, iterations)
			if err != nil {
				return errors.Wrapf(err, "%s derive %d bytes", alg, n)
			}
			fmt.Fprintf(w, "  %4d bytes: avg %8.3f µs  min %8.3f µs  max %8.3f µs\n",
				n, h.Mean(), h.Min(), h.Max())
		}
	}
	fmt.Fprintln(w)
	return nil
}

func timeDerivation(alg constants.XOF, key, label []byte, n, iterations int) (*metrics.Histogram, error) {
	h := metrics.NewHistogram(deriveBuckets)
	for i := 0; i < iterations; i++ {
		start := time.Now()
		out, err := sponge.Derive(alg, n, key, label)
		elapsed := time.Since(start)
		if err != nil {
			return nil, err
		}
		if len(out) != n {
			return nil, errors.Errorf("derived %d bytes, want %d", len(out), n)
		}
		h.Observe(float64(elapsed) / float64(time.Microsecond))
	}
	return h, nil
}

func benchThroughput(ctx context.Context, w io.Writer, suite constants.CipherSuite, duration time.Duration) error {
	fmt.Fprintf(w, "Benchmarking throughput for %v\n", duration)
	fmt.Fprintln(w, strings.Repeat("─", 60))
	fmt.Fprintf(w, "Cipher: %s\n\n", suite)

	received := make(chan uint64, 1)
	drain := func(ctx context.Context, conn *tunnel.Conn) error {
		defer func() { received <- conn.Stats().BytesOpened }()
		for {
			if _, err := conn.Receive(); err != nil {
				return nil
			}
		}
	}

	addr, stop, err := benchServer(ctx, drain)
	if err != nil {
		return err
	}
	defer func() { _ = stop() }()

	conn, err := tunnel.Dial(ctx, "tcp", addr, clientConfig(constants.MLKEM768, suite))
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	chunk := make([]byte, constants.MaxPayloadSize)
	for i := range chunk {
		chunk[i] = byte(i % 256)
	}

	var sent uint64
	start := time.Now()
	lastProgress := start
	for time.Since(start) < duration && ctx.Err() == nil {
		if err := conn.Send(chunk); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "send")
		}
		sent += uint64(len(chunk))

		if time.Since(lastProgress) >= time.Second {
			mbps := float64(sent) / time.Since(start).Seconds() / 1024 / 1024
			fmt.Fprintf(w, "Progress: %s (%.1f MB/s)\r", formatSize(sent), mbps)
			lastProgress = time.Now()
		}
	}
	elapsed := time.Since(start)
	stats := conn.Stats()
	_ = conn.Close()

	var got uint64
	select {
	case got = <-received:
	case <-time.After(5 * time.Second):
	}

	mbps := float64(sent) / elapsed.Seconds() / 1024 / 1024
	fmt.Fprintln(w)
	fmt.Fprintln(w, "\nResults:")
	fmt.Fprintf(w, "  Data sent: %s in %d records\n", formatSize(sent), stats.RecordsSealed)
	fmt.Fprintf(w, "  Data received: %s\n", formatSize(got))
	fmt.Fprintf(w, "  Key updates: %d\n", stats.KeyUpdates)
	fmt.Fprintf(w, "  Send throughput: %.2f MB/s (%.2f Mbps)\n", mbps, mbps*8)
	return nil
}

func formatSize(size uint64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := uint64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.2f %s", float64(size)/float64(div), units[exp])
}
