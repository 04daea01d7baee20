// Package kem implements ML-KEM key encapsulation at the three FIPS 203 parameter sets.
//
// ML-KEM (Module-Lattice-based Key-Encapsulation Mechanism) bases its security on
// the Module Learning With Errors (MLWE) problem over R_q = Z_q[X]/(X^256 + 1),
// q = 3329. The parameter sets differ in the module rank k:
//
//	ML-KEM-512   k=2  NIST Category 1   pk 800   sk 1632  ct 768
//	ML-KEM-768   k=3  NIST Category 3   pk 1184  sk 2400  ct 1088
//	ML-KEM-1024  k=4  NIST Category 5   pk 1568  sk 3168  ct 1568
//
// The lattice arithmetic comes from github.com/cloudflare/circl. This package owns
// the randomness handling: caller randomness is validated and expanded through a
// SHAKE-256 sponge, domain separated by parameter set, before it reaches the
// deterministic ML-KEM algorithms. Decapsulation uses implicit rejection: a
// well-formed but tampered ciphertext yields a pseudo-random secret, never an error.
package kem

import (
	"encoding/binary"
	"io"

	circlkem "github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/sponge"
)

// Scheme returns the circl scheme for ps.
func Scheme(ps constants.ParameterSet) (circlkem.Scheme, error) {
	switch ps {
	case constants.MLKEM512:
		return mlkem512.Scheme(), nil
	case constants.MLKEM768:
		return mlkem768.Scheme(), nil
	case constants.MLKEM1024:
		return mlkem1024.Scheme(), nil
	default:
		return nil, qerrors.ErrUnsupportedParameterSet
	}
}

// PublicKey is an ML-KEM encapsulation key.
type PublicKey struct {
	ps  constants.ParameterSet
	key circlkem.PublicKey
	raw []byte
}

// PrivateKey is an ML-KEM decapsulation key. Only the encoded form is retained,
// so Zeroize leaves no secret material reachable from the key.
type PrivateKey struct {
	ps  constants.ParameterSet
	raw []byte
}

// KeyPair is an ML-KEM key pair owned by the generating party.
type KeyPair struct {
	// EncapsulationKey is the public key sent to the peer
	EncapsulationKey *PublicKey

	// DecapsulationKey never leaves this process
	DecapsulationKey *PrivateKey
}

// GenerateKeyPair generates a key pair for ps from 32 bytes of randomness.
//
// Key generation:
//  1. Read seed s ← rand (32 bytes); a short read or a constant seed fails
//  2. Expand (d || z) = SHAKE-256(frame(domain) || frame(ps) || frame(s), 64)
//  3. ML-KEM.KeyGen_internal(d, z)
//
// Errors are ErrUnsupportedParameterSet (FormatError) or ErrInsufficientRandomness
// (ResourceExhaustion).
func GenerateKeyPair(ps constants.ParameterSet, rand io.Reader) (*KeyPair, error) {
	if !ps.IsSupported() {
		return nil, qerrors.NewCryptoError("kem.GenerateKeyPair", qerrors.ErrUnsupportedParameterSet)
	}

	seed, err := readSeed(rand, constants.MLKEMSeedSize)
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.GenerateKeyPair", err)
	}
	defer zeroize(seed)

	return NewKeyPairFromSeed(ps, seed)
}

// NewKeyPairFromSeed derives a key pair deterministically from a 32-byte seed.
// The same seed and parameter set always produce the same key pair.
func NewKeyPairFromSeed(ps constants.ParameterSet, seed []byte) (*KeyPair, error) {
	scheme, err := Scheme(ps)
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.NewKeyPairFromSeed", err)
	}
	if len(seed) != constants.MLKEMSeedSize {
		return nil, qerrors.NewCryptoError("kem.NewKeyPairFromSeed", qerrors.ErrInvalidKeySize)
	}

	expanded, err := sponge.Derive(constants.XOFShake256, scheme.SeedSize(),
		[]byte(constants.DomainSeparatorKeyGen), groupTag(ps), seed)
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.NewKeyPairFromSeed", err)
	}
	defer zeroize(expanded)

	pk, sk := scheme.DeriveKeyPair(expanded)

	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.NewKeyPairFromSeed", err)
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.NewKeyPairFromSeed", err)
	}

	return &KeyPair{
		EncapsulationKey: &PublicKey{ps: ps, key: pk, raw: pkBytes},
		DecapsulationKey: &PrivateKey{ps: ps, raw: skBytes},
	}, nil
}

// ParsePublicKey decodes an encapsulation key. The length must equal the parameter
// set's public key size exactly and the encoding must be canonical.
func ParsePublicKey(ps constants.ParameterSet, data []byte) (*PublicKey, error) {
	scheme, err := Scheme(ps)
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.ParsePublicKey", err)
	}
	if len(data) != ps.PublicKeySize() {
		return nil, qerrors.NewCryptoError("kem.ParsePublicKey", qerrors.ErrInvalidPublicKey)
	}

	key, err := scheme.UnmarshalBinaryPublicKey(data)
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.ParsePublicKey", qerrors.ErrInvalidPublicKey)
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	return &PublicKey{ps: ps, key: key, raw: raw}, nil
}

// ParsePrivateKey decodes a decapsulation key.
func ParsePrivateKey(ps constants.ParameterSet, data []byte) (*PrivateKey, error) {
	scheme, err := Scheme(ps)
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.ParsePrivateKey", err)
	}
	if len(data) != ps.PrivateKeySize() {
		return nil, qerrors.NewCryptoError("kem.ParsePrivateKey", qerrors.ErrInvalidPrivateKey)
	}
	if _, err := scheme.UnmarshalBinaryPrivateKey(data); err != nil {
		return nil, qerrors.NewCryptoError("kem.ParsePrivateKey", qerrors.ErrInvalidPrivateKey)
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	return &PrivateKey{ps: ps, raw: raw}, nil
}

// Encapsulate produces a ciphertext and a 32-byte shared secret for pk.
//
// Encapsulation:
//  1. Read m ← rand (32 bytes)
//  2. Expand m' = SHAKE-256(frame(domain) || frame(pk) || frame(m), 32)
//  3. (K, c) = ML-KEM.Encaps_internal(pk, m')
//
// The result is deterministic for identical randomness and public key.
func Encapsulate(pk *PublicKey, rand io.Reader) (ciphertext, sharedSecret []byte, err error) {
	if pk == nil || pk.key == nil {
		return nil, nil, qerrors.NewCryptoError("kem.Encapsulate", qerrors.ErrInvalidPublicKey)
	}
	scheme, err := Scheme(pk.ps)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("kem.Encapsulate", err)
	}

	m, err := readSeed(rand, constants.MLKEMEncapsulationSeedSize)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("kem.Encapsulate", err)
	}
	defer zeroize(m)

	seed, err := sponge.Derive(constants.XOFShake256, scheme.EncapsulationSeedSize(),
		[]byte(constants.DomainSeparatorEncaps), pk.raw, m)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("kem.Encapsulate", err)
	}
	defer zeroize(seed)

	ct, ss, err := scheme.EncapsulateDeterministically(pk.key, seed)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("kem.Encapsulate", err)
	}
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a ciphertext.
//
// The only error is ErrInvalidCiphertext for a length mismatch. Decapsulation of
// a ciphertext that was not produced for this key (for example, one with a flipped
// bit) succeeds with the implicit-rejection secret J(z || c), which is
// deterministic but unrelated to the encapsulator's secret.
func Decapsulate(dk *PrivateKey, ciphertext []byte) ([]byte, error) {
	if dk == nil || dk.raw == nil {
		return nil, qerrors.NewCryptoError("kem.Decapsulate", qerrors.ErrInvalidPrivateKey)
	}
	if len(ciphertext) != dk.ps.CiphertextSize() {
		return nil, qerrors.NewCryptoError("kem.Decapsulate", qerrors.ErrInvalidCiphertext)
	}
	scheme, err := Scheme(dk.ps)
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.Decapsulate", err)
	}

	sk, err := scheme.UnmarshalBinaryPrivateKey(dk.raw)
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.Decapsulate", qerrors.ErrInvalidPrivateKey)
	}
	ss, err := scheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, qerrors.NewCryptoError("kem.Decapsulate", qerrors.ErrInvalidCiphertext)
	}
	return ss, nil
}

// Bytes returns the encoded public key.
func (pk *PublicKey) Bytes() []byte {
	if pk == nil {
		return nil
	}
	out := make([]byte, len(pk.raw))
	copy(out, pk.raw)
	return out
}

// ParameterSet returns the parameter set of the key.
func (pk *PublicKey) ParameterSet() constants.ParameterSet { return pk.ps }

// Equal reports whether two public keys have the same encoding.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.ps == other.ps && pk.key.Equal(other.key)
}

// Bytes returns a copy of the encoded decapsulation key.
func (dk *PrivateKey) Bytes() []byte {
	if dk == nil || dk.raw == nil {
		return nil
	}
	out := make([]byte, len(dk.raw))
	copy(out, dk.raw)
	return out
}

// ParameterSet returns the parameter set of the key.
func (dk *PrivateKey) ParameterSet() constants.ParameterSet { return dk.ps }

// Zeroize overwrites the encoded decapsulation key.
func (dk *PrivateKey) Zeroize() {
	if dk == nil {
		return
	}
	zeroize(dk.raw)
	dk.raw = nil
}

// ParameterSet returns the parameter set of the key pair.
func (kp *KeyPair) ParameterSet() constants.ParameterSet {
	return kp.EncapsulationKey.ps
}

// PublicKeyBytes returns the encoded encapsulation key.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return kp.EncapsulationKey.Bytes()
}

// Zeroize securely erases the private key material.
// This should be called when the key pair is no longer needed.
func (kp *KeyPair) Zeroize() {
	if kp == nil {
		return
	}
	kp.DecapsulationKey.Zeroize()
}

// readSeed reads exactly n bytes and rejects predictable output.
func readSeed(rand io.Reader, n int) ([]byte, error) {
	if rand == nil {
		return nil, qerrors.ErrInsufficientRandomness
	}
	seed := make([]byte, n)
	if _, err := io.ReadFull(rand, seed); err != nil {
		zeroize(seed)
		return nil, qerrors.ErrInsufficientRandomness
	}

	// Constant-time scan: a seed of identical bytes is a stuck source.
	var diff byte
	for i := 1; i < n; i++ {
		diff |= seed[i] ^ seed[0]
	}
	if diff == 0 {
		zeroize(seed)
		return nil, qerrors.ErrInsufficientRandomness
	}
	return seed, nil
}

func groupTag(ps constants.ParameterSet) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(ps))
	return b[:]
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
