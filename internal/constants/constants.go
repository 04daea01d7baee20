// Package constants defines security parameters and protocol constants for the
// quantum-kemtls handshake engine.
//
// Key exchange uses ML-KEM (NIST FIPS 203) at any of the three standard parameter
// sets. Transcript hashing and key derivation use an extendable-output function
// (Ascon-XOF128 per NIST SP 800-232, or SHAKE per FIPS 202).
package constants

// Protocol version and identification
const (
	// ProtocolVersion is the wire version carried in ClientHello and ServerHello
	ProtocolVersion uint16 = 0x0304

	// ProtocolName is used for domain separation in key derivation
	ProtocolName = "KEMTLS-v1"

	// DefaultPort is the default listening port of the echo server
	DefaultPort = 12345
)

// ParameterSet identifies an ML-KEM parameter set. Values are the TLS
// NamedGroup codepoints carried in the key share.
type ParameterSet uint16

const (
	// MLKEM512 is ML-KEM-512 (NIST Category 1)
	MLKEM512 ParameterSet = 0x0200

	// MLKEM768 is ML-KEM-768 (NIST Category 3)
	MLKEM768 ParameterSet = 0x0201

	// MLKEM1024 is ML-KEM-1024 (NIST Category 5)
	MLKEM1024 ParameterSet = 0x0202
)

// ML-KEM sizes (FIPS 203, Table 3). The shared secret is 32 bytes for every set.
const (
	MLKEM512PublicKeySize   = 800
	MLKEM512PrivateKeySize  = 1632
	MLKEM512CiphertextSize  = 768
	MLKEM768PublicKeySize   = 1184
	MLKEM768PrivateKeySize  = 2400
	MLKEM768CiphertextSize  = 1088
	MLKEM1024PublicKeySize  = 1568
	MLKEM1024PrivateKeySize = 3168
	MLKEM1024CiphertextSize = 1568

	// MLKEMSharedSecretSize is the size of the shared secret from ML-KEM in bytes
	MLKEMSharedSecretSize = 32

	// MLKEMSeedSize is the size of the caller-provided key generation seed
	MLKEMSeedSize = 32

	// MLKEMEncapsulationSeedSize is the size of the encapsulation randomness
	MLKEMEncapsulationSeedSize = 32

	// MLKEMPolynomialDegree and MLKEMModulus are shared by all parameter sets
	MLKEMPolynomialDegree = 256
	MLKEMModulus          = 3329
)

// ParameterSets lists every parameter set in preference order (smallest first).
var ParameterSets = []ParameterSet{MLKEM512, MLKEM768, MLKEM1024}

// String returns the standard name of the parameter set
func (ps ParameterSet) String() string {
	switch ps {
	case MLKEM512:
		return "ML-KEM-512"
	case MLKEM768:
		return "ML-KEM-768"
	case MLKEM1024:
		return "ML-KEM-1024"
	default:
		return "Unknown"
	}
}

// IsSupported returns true for the three standard parameter sets
func (ps ParameterSet) IsSupported() bool {
	return ps == MLKEM512 || ps == MLKEM768 || ps == MLKEM1024
}

// PublicKeySize returns the encapsulation key size, or 0 if unsupported
func (ps ParameterSet) PublicKeySize() int {
	switch ps {
	case MLKEM512:
		return MLKEM512PublicKeySize
	case MLKEM768:
		return MLKEM768PublicKeySize
	case MLKEM1024:
		return MLKEM1024PublicKeySize
	default:
		return 0
	}
}

// PrivateKeySize returns the decapsulation key size, or 0 if unsupported
func (ps ParameterSet) PrivateKeySize() int {
	switch ps {
	case MLKEM512:
		return MLKEM512PrivateKeySize
	case MLKEM768:
		return MLKEM768PrivateKeySize
	case MLKEM1024:
		return MLKEM1024PrivateKeySize
	default:
		return 0
	}
}

// CiphertextSize returns the ciphertext size, or 0 if unsupported
func (ps ParameterSet) CiphertextSize() int {
	switch ps {
	case MLKEM512:
		return MLKEM512CiphertextSize
	case MLKEM768:
		return MLKEM768CiphertextSize
	case MLKEM1024:
		return MLKEM1024CiphertextSize
	default:
		return 0
	}
}

// SecurityCategory returns the NIST security category, or 0 if unsupported
func (ps ParameterSet) SecurityCategory() int {
	switch ps {
	case MLKEM512:
		return 1
	case MLKEM768:
		return 3
	case MLKEM1024:
		return 5
	default:
		return 0
	}
}

// ParseParameterSet maps a name ("ML-KEM-512", "mlkem768", "1024") to a parameter set.
func ParseParameterSet(name string) (ParameterSet, bool) {
	switch normalize(name) {
	case "mlkem512", "512":
		return MLKEM512, true
	case "mlkem768", "768":
		return MLKEM768, true
	case "mlkem1024", "1024":
		return MLKEM1024, true
	default:
		return 0, false
	}
}

// XOF identifies the extendable-output function backing a sponge.
type XOF uint8

const (
	// XOFAscon128 is Ascon-XOF128 (NIST SP 800-232): 320-bit state, 64-bit rate
	XOFAscon128 XOF = iota + 1

	// XOFShake128 is SHAKE128 (FIPS 202): 1600-bit state, 1344-bit rate
	XOFShake128

	// XOFShake256 is SHAKE256 (FIPS 202): 1600-bit state, 1088-bit rate
	XOFShake256
)

// Sponge geometry in bytes
const (
	AsconStateSize    = 40
	AsconRate         = 8
	KeccakStateSize   = 200
	Shake128Rate      = 168
	Shake256Rate      = 136
	MaxXOFOutputBytes = 1 << 32
)

// String returns a human-readable name for the XOF
func (x XOF) String() string {
	switch x {
	case XOFAscon128:
		return "Ascon-XOF128"
	case XOFShake128:
		return "SHAKE128"
	case XOFShake256:
		return "SHAKE256"
	default:
		return "Unknown"
	}
}

// IsSupported returns true for known XOFs
func (x XOF) IsSupported() bool {
	return x == XOFAscon128 || x == XOFShake128 || x == XOFShake256
}

// Rate returns the sponge rate in bytes
func (x XOF) Rate() int {
	switch x {
	case XOFAscon128:
		return AsconRate
	case XOFShake128:
		return Shake128Rate
	case XOFShake256:
		return Shake256Rate
	default:
		return 0
	}
}

// Capacity returns the sponge capacity in bytes
func (x XOF) Capacity() int {
	switch x {
	case XOFAscon128:
		return AsconStateSize - AsconRate
	case XOFShake128:
		return KeccakStateSize - Shake128Rate
	case XOFShake256:
		return KeccakStateSize - Shake256Rate
	default:
		return 0
	}
}

// Symmetric Encryption Parameters
const (
	// AESKeySize is the size of AES-256 keys in bytes
	AESKeySize = 32

	// AESNonceSize is the size of AES-GCM nonce in bytes (96 bits)
	AESNonceSize = 12

	// AESTagSize is the size of AES-GCM authentication tag in bytes
	AESTagSize = 16

	// ChaCha20KeySize is the size of ChaCha20-Poly1305 keys in bytes
	ChaCha20KeySize = 32

	// ChaCha20NonceSize is the size of ChaCha20-Poly1305 nonce in bytes
	ChaCha20NonceSize = 12
)

// AEADAlgorithm identifies the record protection algorithm of a cipher suite.
type AEADAlgorithm uint8

const (
	AEADUnknown AEADAlgorithm = iota
	AEADAES256GCM
	AEADChaCha20Poly1305
)

// String returns a human-readable name for the AEAD
func (a AEADAlgorithm) String() string {
	switch a {
	case AEADAES256GCM:
		return "AES-256-GCM"
	case AEADChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return "Unknown"
	}
}

// Key Schedule Parameters
const (
	// TrafficKeySize is the size of each directional traffic key
	TrafficKeySize = 32

	// TrafficIVSize is the size of each directional record IV
	TrafficIVSize = 12

	// FinishedKeySize is the size of each directional finished key
	FinishedKeySize = 32

	// FinishedMACSize is the size of the Finished verify data
	FinishedMACSize = 32

	// TranscriptHashSize is the size of a transcript checkpoint hash in bytes
	TranscriptHashSize = 32

	// MaxDeriveOutput bounds a single key schedule derivation
	MaxDeriveOutput = 1024

	// LabelHandshakeTraffic derives the handshake traffic secrets
	LabelHandshakeTraffic = "hs traffic"

	// LabelApplicationTraffic derives the application traffic secrets
	LabelApplicationTraffic = "ap traffic"

	// LabelTrafficUpdate ratchets a traffic key; the only reusable label by default
	LabelTrafficUpdate = "traffic upd"

	// DomainSeparatorKeyGen is used to expand ML-KEM key generation seeds
	DomainSeparatorKeyGen = "KEMTLS-v1 mlkem keygen"

	// DomainSeparatorEncaps is used to expand ML-KEM encapsulation seeds
	DomainSeparatorEncaps = "KEMTLS-v1 mlkem encaps"

	// DomainSeparatorFinished is used in the Finished MAC
	DomainSeparatorFinished = "KEMTLS-v1 finished"

	// DomainSeparatorCertificateVerify prefixes the signed CertificateVerify content
	DomainSeparatorCertificateVerify = "KEMTLS-v1 server CertificateVerify"
)

// Session Parameters
const (
	// MaxRecordsBeforeKeyUpdate triggers a key update on the sending direction
	MaxRecordsBeforeKeyUpdate = 1 << 24

	// MaxBytesBeforeKeyUpdate triggers a key update on the sending direction
	MaxBytesBeforeKeyUpdate = 1 << 30

	// ReplayWindowSize is the number of sequence numbers tracked for replay detection
	ReplayWindowSize = 64

	// RandomSize is the size of the hello random values
	RandomSize = 32

	// SessionIDSize is the size of session identifiers in bytes
	SessionIDSize = 16
)

// Message Size Limits
const (
	// MaxMessageSize is the maximum size of a single protocol message
	MaxMessageSize = 65536

	// MaxPayloadSize is the maximum plaintext size of one application record
	MaxPayloadSize = 16384

	// MinRecordSize is the minimum size of a valid encrypted record (seq + tag)
	MinRecordSize = 8 + AESTagSize
)

// CipherSuite identifiers
type CipherSuite uint16

const (
	// CipherSuiteAsconAES256GCM uses Ascon-XOF128 for hashing and AES-256-GCM for records
	CipherSuiteAsconAES256GCM CipherSuite = 0x1301

	// CipherSuiteAsconChaCha20Poly1305 uses Ascon-XOF128 and ChaCha20-Poly1305
	CipherSuiteAsconChaCha20Poly1305 CipherSuite = 0x1302

	// CipherSuiteShake256AES256GCM uses SHAKE256 and AES-256-GCM
	CipherSuiteShake256AES256GCM CipherSuite = 0x1303

	// CipherSuiteShake256ChaCha20Poly1305 uses SHAKE256 and ChaCha20-Poly1305
	CipherSuiteShake256ChaCha20Poly1305 CipherSuite = 0x1304
)

// String returns a human-readable name for the cipher suite
func (cs CipherSuite) String() string {
	switch cs {
	case CipherSuiteAsconAES256GCM:
		return "ASCON_XOF128_AES_256_GCM"
	case CipherSuiteAsconChaCha20Poly1305:
		return "ASCON_XOF128_CHACHA20_POLY1305"
	case CipherSuiteShake256AES256GCM:
		return "SHAKE256_AES_256_GCM"
	case CipherSuiteShake256ChaCha20Poly1305:
		return "SHAKE256_CHACHA20_POLY1305"
	default:
		return "Unknown"
	}
}

// IsSupported returns true if the cipher suite is known
func (cs CipherSuite) IsSupported() bool {
	return cs.XOF() != 0
}

// XOF returns the transcript and key derivation function of the suite
func (cs CipherSuite) XOF() XOF {
	switch cs {
	case CipherSuiteAsconAES256GCM, CipherSuiteAsconChaCha20Poly1305:
		return XOFAscon128
	case CipherSuiteShake256AES256GCM, CipherSuiteShake256ChaCha20Poly1305:
		return XOFShake256
	default:
		return 0
	}
}

// AEAD returns the record protection algorithm of the suite
func (cs CipherSuite) AEAD() AEADAlgorithm {
	switch cs {
	case CipherSuiteAsconAES256GCM, CipherSuiteShake256AES256GCM:
		return AEADAES256GCM
	case CipherSuiteAsconChaCha20Poly1305, CipherSuiteShake256ChaCha20Poly1305:
		return AEADChaCha20Poly1305
	default:
		return AEADUnknown
	}
}

// IsFIPSApproved returns true if the cipher suite is FIPS 140-3 approved.
// Only SHAKE256 with AES-256-GCM qualifies; Ascon and ChaCha20-Poly1305 do not.
func (cs CipherSuite) IsFIPSApproved() bool {
	return cs == CipherSuiteShake256AES256GCM
}

// ParseCipherSuite maps a suite name (case-insensitive, '-' or '_') to its identifier.
func ParseCipherSuite(name string) (CipherSuite, bool) {
	n := normalize(name)
	for _, cs := range []CipherSuite{
		CipherSuiteAsconAES256GCM,
		CipherSuiteAsconChaCha20Poly1305,
		CipherSuiteShake256AES256GCM,
		CipherSuiteShake256ChaCha20Poly1305,
	} {
		if normalize(cs.String()) == n {
			return cs, true
		}
	}
	return 0, false
}

func normalize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-' || c == '_' || c == ' ':
			continue
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
