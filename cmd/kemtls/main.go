package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pzverkov/quantum-kemtls/internal/config"
	pkgversion "github.com/pzverkov/quantum-kemtls/pkg/version"
)

// Build-time variables (set via -ldflags)
var (
	version   = ""        // Set via -ldflags "-X main.version=x.y.z"
	buildTime = "unknown" // Set via -ldflags "-X main.buildTime=..."
	gitCommit = "unknown" // Set via -ldflags "-X main.gitCommit=..."
)

func getVersion() string {
	if version != "" {
		return version
	}
	return pkgversion.String()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "kemtls",
		Usage:     "Post-quantum KEM-TLS echo server, client and benchmark tool",
		UsageText: "kemtls [global options] command [command options]",
		Version:   getVersion(),
		Flags:     globalFlags(),
		Commands: []*cli.Command{
			serverCommand(),
			clientCommand(),
			keygenCommand(),
			benchCommand(),
			selftestCommand(),
			versionCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a YAML configuration file",
			EnvVars: []string{"KEMTLS_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level: debug, info, warn, error, silent",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "log format: text or json",
		},
		&cli.StringFlag{
			Name:  "tracing",
			Usage: "tracing mode: none, simple or otel",
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve /metrics and /health on this address (server only)",
		},
	}
}

// loadConfig reads --config and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	if c.IsSet("tracing") {
		cfg.Tracing = c.String("tracing")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.Address = c.String("metrics-addr")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			fmt.Fprintf(w, "kemtls version %s\n", getVersion())
			fmt.Fprintf(w, "Protocol: %s\n", pkgversion.ProtocolVersion)
			if buildTime != "unknown" {
				fmt.Fprintf(w, "Built: %s\n", buildTime)
			}
			if gitCommit != "unknown" {
				fmt.Fprintf(w, "Commit: %s\n", gitCommit)
			}
			return nil
		},
	}
}
