package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzverkov/quantum-kemtls/internal/config"
	"github.com/pzverkov/quantum-kemtls/internal/constants"
	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	groups, err := cfg.Groups()
	require.NoError(t, err)
	assert.Equal(t, constants.MLKEM768, groups[0])

	suites, err := cfg.Suites()
	require.NoError(t, err)
	assert.Empty(t, suites)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
listen: 0.0.0.0:9443
parameter_sets: [ML-KEM-1024]
cipher_suites: [shake256-chacha20-poly1305, SHAKE256_AES_256_GCM]
handshake_timeout: 3s
key_update_threshold: 1000
rate_limit:
  max_connections_per_ip: 4
  handshakes_per_second: 50
  handshake_burst: 10
log:
  level: debug
  format: json
metrics:
  address: 127.0.0.1:9090
tracing: simple
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9443", cfg.Listen)
	assert.Equal(t, "127.0.0.1:4433", cfg.Connect, "unset keys keep their default")
	assert.Equal(t, 3*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ReadTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, config.TracingSimple, cfg.Tracing)

	groups, err := cfg.Groups()
	require.NoError(t, err)
	assert.Equal(t, []constants.ParameterSet{constants.MLKEM1024}, groups)

	suites, err := cfg.Suites()
	require.NoError(t, err)
	assert.Equal(t, []constants.CipherSuite{
		constants.CipherSuiteShake256ChaCha20Poly1305,
		constants.CipherSuiteShake256AES256GCM,
	}, suites)

	tc, err := cfg.Tunnel()
	require.NoError(t, err)
	assert.Equal(t, groups, tc.Handshake.ParameterSets)
	assert.Equal(t, suites, tc.Handshake.CipherSuites)
	assert.Equal(t, uint64(1000), tc.KeyUpdateThreshold)
	assert.Equal(t, 4, tc.RateLimit.MaxConnectionsPerIP)
	assert.Equal(t, 50.0, tc.RateLimit.HandshakeRateLimit)
	assert.Nil(t, tc.Handshake.Identity)
	assert.Nil(t, tc.Handshake.ServerPublicKey)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "listne: :443"},
		{"unknown group", "parameter_sets: [ML-KEM-2048]"},
		{"unknown suite", "cipher_suites: [RC4]"},
		{"bad duration", "handshake_timeout: soon"},
		{"negative timeout", "read_timeout: -1s"},
		{"negative sessions", "max_sessions: -1"},
		{"negative rate", "rate_limit: {handshakes_per_second: -2}"},
		{"log level", "log: {level: loud}"},
		{"log format", "log: {format: xml}"},
		{"tracing", "tracing: jaeger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(dir, "kemtls.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions: 8\n"), 0o600))
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8), cfg.MaxSessions)

	require.NoError(t, os.WriteFile(path, []byte("max_sessions: [\n"), 0o600))
	_, err = config.Load(path)
	assert.ErrorContains(t, err, path)
}

func TestTunnelLoadsKeys(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GenerateIdentityKey(nil)
	require.NoError(t, err)
	privPEM, pubPEM, err := key.MarshalPEM()
	require.NoError(t, err)

	keyFile := filepath.Join(dir, "server.key")
	pubFile := filepath.Join(dir, "server.pub")
	require.NoError(t, os.WriteFile(keyFile, privPEM, 0o600))
	require.NoError(t, os.WriteFile(pubFile, pubPEM, 0o600))

	cfg := config.Default()
	cfg.Identity = config.Identity{KeyFile: keyFile, ServerPublicKeyFile: pubFile}
	tc, err := cfg.Tunnel()
	require.NoError(t, err)
	require.NotNil(t, tc.Handshake.Identity)
	assert.Equal(t, key.PublicKey(), tc.Handshake.Identity.PublicKey())
	assert.Equal(t, key.PublicKey(), tc.Handshake.ServerPublicKey)

	cfg.Identity = config.Identity{KeyFile: pubFile}
	_, err = cfg.Tunnel()
	assert.Error(t, err, "a public key is not an identity key")

	cfg.Identity = config.Identity{ServerPublicKeyFile: filepath.Join(dir, "nope.pub")}
	_, err = cfg.Tunnel()
	assert.Error(t, err)
}
