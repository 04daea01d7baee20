// signature.go implements server identity keys with ML-DSA-44 (NIST FIPS 204).
//
// The handshake treats signatures as an opaque capability: the server signs the
// transcript hash in CertificateVerify and the client checks it against a pinned
// public key through the Verifier interface. ML-DSA-44 (NIST Category 2) is the
// default implementation:
//
//	public key 1312 bytes, private key 2560 bytes, signature 2420 bytes
package crypto

import (
	"encoding/pem"
	"io"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"

	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
)

// PEM block types for identity keys.
const (
	PEMTypeIdentityPrivateKey = "ML-DSA-44 PRIVATE KEY"
	PEMTypeIdentityPublicKey  = "ML-DSA-44 PUBLIC KEY"
)

// Verifier checks a signature over message under an encoded public key.
type Verifier interface {
	Verify(signature, message, publicKey []byte) bool
}

// Signer produces signatures with a long-term identity key.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
}

var identityScheme sign.Scheme = mldsa44.Scheme()

// MLDSA44Verifier verifies ML-DSA-44 signatures.
type MLDSA44Verifier struct{}

// Verify returns false for malformed keys or signatures.
func (MLDSA44Verifier) Verify(signature, message, publicKey []byte) bool {
	if len(signature) != identityScheme.SignatureSize() {
		return false
	}
	pk, err := identityScheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return identityScheme.Verify(pk, message, signature, nil)
}

// IdentityKey is an ML-DSA-44 key pair used for server authentication.
type IdentityKey struct {
	priv     sign.PrivateKey
	pubBytes []byte
}

// GenerateIdentityKey derives a new identity key from a 32-byte seed read from rand.
func GenerateIdentityKey(rand io.Reader) (*IdentityKey, error) {
	if rand == nil {
		rand = Reader
	}
	seed := make([]byte, identityScheme.SeedSize())
	defer Zeroize(seed)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, qerrors.NewCryptoError("GenerateIdentityKey", qerrors.ErrInsufficientRandomness)
	}

	pub, priv := identityScheme.DeriveKey(seed)
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, qerrors.NewCryptoError("GenerateIdentityKey", err)
	}
	return &IdentityKey{priv: priv, pubBytes: pubBytes}, nil
}

// Sign signs message with the identity key.
func (k *IdentityKey) Sign(message []byte) ([]byte, error) {
	if k == nil || k.priv == nil {
		return nil, qerrors.NewCryptoError("IdentityKey.Sign", qerrors.ErrInvalidIdentityKey)
	}
	return identityScheme.Sign(k.priv, message, nil), nil
}

// PublicKey returns the encoded public key.
func (k *IdentityKey) PublicKey() []byte {
	out := make([]byte, len(k.pubBytes))
	copy(out, k.pubBytes)
	return out
}

// MarshalPEM encodes the private and public keys as PEM blocks.
func (k *IdentityKey) MarshalPEM() (privatePEM, publicPEM []byte, err error) {
	privBytes, err := k.priv.MarshalBinary()
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("IdentityKey.MarshalPEM", err)
	}
	defer Zeroize(privBytes)

	privatePEM = pem.EncodeToMemory(&pem.Block{Type: PEMTypeIdentityPrivateKey, Bytes: privBytes})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: PEMTypeIdentityPublicKey, Bytes: k.pubBytes})
	return privatePEM, publicPEM, nil
}

// ParseIdentityKeyPEM decodes a private identity key PEM block.
func ParseIdentityKeyPEM(data []byte) (*IdentityKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != PEMTypeIdentityPrivateKey {
		return nil, qerrors.NewCryptoError("ParseIdentityKeyPEM", qerrors.ErrInvalidIdentityKey)
	}
	priv, err := identityScheme.UnmarshalBinaryPrivateKey(block.Bytes)
	if err != nil {
		return nil, qerrors.NewCryptoError("ParseIdentityKeyPEM", qerrors.ErrInvalidIdentityKey)
	}
	pub, ok := priv.Public().(sign.PublicKey)
	if !ok {
		return nil, qerrors.NewCryptoError("ParseIdentityKeyPEM", qerrors.ErrInvalidIdentityKey)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, qerrors.NewCryptoError("ParseIdentityKeyPEM", err)
	}
	return &IdentityKey{priv: priv, pubBytes: pubBytes}, nil
}

// ParsePublicKeyPEM decodes a public identity key PEM block and validates its encoding.
func ParsePublicKeyPEM(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != PEMTypeIdentityPublicKey {
		return nil, qerrors.NewCryptoError("ParsePublicKeyPEM", qerrors.ErrInvalidIdentityKey)
	}
	if _, err := identityScheme.UnmarshalBinaryPublicKey(block.Bytes); err != nil {
		return nil, qerrors.NewCryptoError("ParsePublicKeyPEM", qerrors.ErrInvalidIdentityKey)
	}
	return block.Bytes, nil
}

// IdentitySignatureSize returns the signature length of identity keys.
func IdentitySignatureSize() int {
	return identityScheme.SignatureSize()
}
