// Package config loads the YAML configuration shared by the kemtls server and
// client commands.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
)

// Tracing modes.
const (
	TracingNone   = "none"
	TracingSimple = "simple"
	TracingOTel   = "otel"
)

// Config is the on-disk configuration. Durations use Go syntax ("10s", "5m").
type Config struct {
	// Listen is the server address.
	Listen string `yaml:"listen"`
	// Connect is the address the client dials.
	Connect string `yaml:"connect"`

	// ParameterSets lists ML-KEM groups in preference order ("ML-KEM-768", "1024").
	ParameterSets []string `yaml:"parameter_sets"`
	// CipherSuites lists suites in preference order ("SHAKE256_AES_256_GCM").
	CipherSuites []string `yaml:"cipher_suites"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`

	MaxSessions        int64  `yaml:"max_sessions"`
	KeyUpdateThreshold uint64 `yaml:"key_update_threshold"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
	Tracing   string    `yaml:"tracing"`
	Identity  Identity  `yaml:"identity"`
}

// RateLimit configures the listener limits.
type RateLimit struct {
	MaxConnectionsPerIP int     `yaml:"max_connections_per_ip"`
	HandshakesPerSecond float64 `yaml:"handshakes_per_second"`
	HandshakeBurst      int     `yaml:"handshake_burst"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the observability HTTP server. An empty address disables it.
type Metrics struct {
	Address string `yaml:"address"`
}

// Identity holds key material paths.
type Identity struct {
	// KeyFile is the server's ML-DSA-44 private key (PEM).
	KeyFile string `yaml:"key_file"`
	// ServerPublicKeyFile pins the server identity on the client (PEM).
	ServerPublicKeyFile string `yaml:"server_public_key_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:           "127.0.0.1:4433",
		Connect:          "127.0.0.1:4433",
		ParameterSets:    []string{constants.MLKEM768.String(), constants.MLKEM512.String(), constants.MLKEM1024.String()},
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      5 * time.Minute,
		WriteTimeout:     30 * time.Second,
		MaxSessions:      1024,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingNone,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "parse yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that has a constrained domain.
func (c *Config) Validate() error {
	if _, err := c.Groups(); err != nil {
		return err
	}
	if _, err := c.Suites(); err != nil {
		return err
	}
	switch {
	case c.HandshakeTimeout < 0, c.ReadTimeout < 0, c.WriteTimeout < 0:
		return errors.New("timeouts must not be negative")
	case c.MaxSessions < 0:
		return errors.New("max_sessions must not be negative")
	case c.RateLimit.MaxConnectionsPerIP < 0:
		return errors.New("rate_limit.max_connections_per_ip must not be negative")
	case c.RateLimit.HandshakesPerSecond < 0:
		return errors.New("rate_limit.handshakes_per_second must not be negative")
	case c.RateLimit.HandshakeBurst < 0:
		return errors.New("rate_limit.handshake_burst must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error", "silent":
	default:
		return errors.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("invalid log format %q", c.Log.Format)
	}
	switch c.Tracing {
	case TracingNone, TracingSimple, TracingOTel:
	default:
		return errors.Errorf("invalid tracing mode %q", c.Tracing)
	}
	return nil
}

// Groups resolves ParameterSets. An empty list yields nil (the handshake default).
func (c *Config) Groups() ([]constants.ParameterSet, error) {
	var out []constants.ParameterSet
	for _, name := range c.ParameterSets {
		ps, ok := constants.ParseParameterSet(name)
		if !ok {
			return nil, errors.Errorf("unknown parameter set %q", name)
		}
		out = append(out, ps)
	}
	return out, nil
}

// Suites resolves CipherSuites. An empty list yields nil (all supported suites).
func (c *Config) Suites() ([]constants.CipherSuite, error) {
	var out []constants.CipherSuite
	for _, name := range c.CipherSuites {
		cs, ok := constants.ParseCipherSuite(name)
		if !ok {
			return nil, errors.Errorf("unknown cipher suite %q", name)
		}
		out = append(out, cs)
	}
	return out, nil
}

// Tunnel builds a tunnel configuration, loading the identity key and the
// pinned server key when their paths are set.
func (c *Config) Tunnel() (*tunnel.Config, error) {
	groups, err := c.Groups()
	if err != nil {
		return nil, err
	}
	suites, err := c.Suites()
	if err != nil {
		return nil, err
	}

	hs := handshake.DefaultConfig()
	if len(groups) > 0 {
		hs.ParameterSets = groups
	}
	if len(suites) > 0 {
		hs.CipherSuites = suites
	}
	if c.Identity.KeyFile != "" {
		data, err := os.ReadFile(c.Identity.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "read identity key")
		}
		key, err := crypto.ParseIdentityKeyPEM(data)
		if err != nil {
			return nil, errors.Wrapf(err, "identity key %s", c.Identity.KeyFile)
		}
		hs.Identity = key
	}
	if c.Identity.ServerPublicKeyFile != "" {
		data, err := os.ReadFile(c.Identity.ServerPublicKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "read server public key")
		}
		pk, err := crypto.ParsePublicKeyPEM(data)
		if err != nil {
			return nil, errors.Wrapf(err, "server public key %s", c.Identity.ServerPublicKeyFile)
		}
		hs.ServerPublicKey = pk
	}

	return &tunnel.Config{
		Handshake:          hs,
		HandshakeTimeout:   c.HandshakeTimeout,
		ReadTimeout:        c.ReadTimeout,
		WriteTimeout:       c.WriteTimeout,
		MaxSessions:        c.MaxSessions,
		KeyUpdateThreshold: c.KeyUpdateThreshold,
		RateLimit: tunnel.RateLimitConfig{
			MaxConnectionsPerIP: c.RateLimit.MaxConnectionsPerIP,
			HandshakeRateLimit:  c.RateLimit.HandshakesPerSecond,
			HandshakeBurst:      c.RateLimit.HandshakeBurst,
		},
	}, nil
}
