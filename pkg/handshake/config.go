package handshake

import (
	"io"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
	"github.com/pzverkov/quantum-kemtls/pkg/protocol"
)

// Config holds the negotiation policy and credentials of one side.
type Config struct {
	// ParameterSets lists the ML-KEM groups in preference order. A client
	// offers the first; a server accepts any listed group.
	ParameterSets []constants.ParameterSet

	// CipherSuites lists the cipher suites in preference order.
	// Defaults to protocol.SupportedCipherSuites().
	CipherSuites []constants.CipherSuite

	// Rand is the randomness source for key generation, encapsulation and
	// hello randoms. Defaults to crypto.Reader.
	Rand io.Reader

	// Identity signs CertificateVerify on the server. Nil disables server
	// authentication.
	Identity crypto.Signer

	// ServerPublicKey pins the server identity on the client. When set, the
	// client requires and verifies CertificateVerify.
	ServerPublicKey []byte

	// Verifier checks CertificateVerify. Defaults to ML-DSA-44.
	Verifier crypto.Verifier
}

// DefaultConfig returns a configuration offering ML-KEM-768 first.
func DefaultConfig() *Config {
	return &Config{
		ParameterSets: []constants.ParameterSet{
			constants.MLKEM768,
			constants.MLKEM512,
			constants.MLKEM1024,
		},
		CipherSuites: protocol.SupportedCipherSuites(),
	}
}

// normalize validates cfg and returns a copy with defaults filled in.
func (c *Config) normalize() (*Config, error) {
	if c == nil {
		c = DefaultConfig()
	}
	out := *c

	if len(out.ParameterSets) == 0 {
		out.ParameterSets = DefaultConfig().ParameterSets
	}
	for _, ps := range out.ParameterSets {
		if !ps.IsSupported() {
			return nil, qerrors.ErrUnsupportedParameterSet
		}
	}

	if len(out.CipherSuites) == 0 {
		out.CipherSuites = protocol.SupportedCipherSuites()
	}
	for _, cs := range out.CipherSuites {
		if !protocol.IsSupportedCipherSuite(cs) {
			return nil, qerrors.ErrUnsupportedCipherSuite
		}
	}

	if out.Rand == nil {
		out.Rand = crypto.Reader
	}
	if out.Verifier == nil {
		out.Verifier = crypto.MLDSA44Verifier{}
	}
	return &out, nil
}

func (c *Config) acceptsGroup(ps constants.ParameterSet) bool {
	for _, p := range c.ParameterSets {
		if p == ps {
			return true
		}
	}
	return false
}

func (c *Config) acceptsSuite(cs constants.CipherSuite) bool {
	for _, s := range c.CipherSuites {
		if s == cs {
			return true
		}
	}
	return false
}

// negotiateSuite picks the first of our suites the peer also offered.
func (c *Config) negotiateSuite(offered []constants.CipherSuite) (constants.CipherSuite, bool) {
	for _, ours := range c.CipherSuites {
		for _, theirs := range offered {
			if ours == theirs {
				return ours, true
			}
		}
	}
	return 0, false
}
