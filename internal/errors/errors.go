// Package errors defines the error taxonomy for the quantum-kemtls handshake engine.
//
// Every sentinel belongs to exactly one kind (FormatError, CryptoFailure,
// AuthenticationFailure, ResourceExhaustion). Kinds are sentinels themselves and
// sit at the bottom of the unwrap chain, so callers can classify any error with
// errors.Is(err, ErrFormat) or KindOf(err). Messages never include key material.
package errors

import (
	"errors"
	"fmt"
)

// Kind sentinels. Specific errors unwrap to one of these.
var (
	// ErrFormat indicates malformed or length-mismatched wire data.
	ErrFormat = errors.New("format error")

	// ErrCrypto indicates an internal invariant violation (programming error).
	ErrCrypto = errors.New("crypto failure")

	// ErrAuthentication indicates a failed Finished, signature or AEAD check.
	ErrAuthentication = errors.New("authentication failure")

	// ErrResourceExhaustion indicates the randomness source or another bounded
	// resource failed.
	ErrResourceExhaustion = errors.New("resource exhaustion")
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindFormat
	KindCrypto
	KindAuthentication
	KindResourceExhaustion
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "FormatError"
	case KindCrypto:
		return "CryptoFailure"
	case KindAuthentication:
		return "AuthenticationFailure"
	case KindResourceExhaustion:
		return "ResourceExhaustion"
	default:
		return "Unknown"
	}
}

// KindOf returns the kind of err, or KindUnknown for errors outside the taxonomy
// (plain I/O errors, context cancellation).
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrFormat):
		return KindFormat
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrResourceExhaustion):
		return KindResourceExhaustion
	case errors.Is(err, ErrCrypto):
		return KindCrypto
	default:
		return KindUnknown
	}
}

// kinded is a sentinel with a fixed message that unwraps to its kind.
type kinded struct {
	msg  string
	kind error
}

func (e *kinded) Error() string { return e.msg }

func (e *kinded) Unwrap() error { return e.kind }

func newKinded(kind error, msg string) error {
	return &kinded{msg: msg, kind: kind}
}

// Sentinel errors for the sponge engine
var (
	// ErrInvalidState indicates an operation was called in the wrong phase
	ErrInvalidState = newKinded(ErrCrypto, "sponge: invalid state")

	// ErrOutputExhausted indicates the XOF output cap was reached
	ErrOutputExhausted = newKinded(ErrResourceExhaustion, "sponge: output exhausted")

	// ErrUnsupportedXOF indicates an unknown XOF identifier
	ErrUnsupportedXOF = newKinded(ErrCrypto, "sponge: unsupported xof")

	// ErrInvalidLength indicates a requested output length outside the allowed range
	ErrInvalidLength = newKinded(ErrCrypto, "sponge: invalid output length")
)

// Sentinel errors for the KEM primitive
var (
	// ErrInvalidKeySize indicates that a key or seed has an incorrect size
	ErrInvalidKeySize = newKinded(ErrCrypto, "kem: invalid key size")

	// ErrInvalidPublicKey indicates a public key of the wrong length or encoding
	ErrInvalidPublicKey = newKinded(ErrFormat, "kem: invalid public key")

	// ErrInvalidPrivateKey indicates a secret key of the wrong length or encoding
	ErrInvalidPrivateKey = newKinded(ErrFormat, "kem: invalid private key")

	// ErrInvalidCiphertext indicates a ciphertext of the wrong length
	ErrInvalidCiphertext = newKinded(ErrFormat, "kem: invalid ciphertext")

	// ErrUnsupportedParameterSet indicates an unknown ML-KEM parameter set
	ErrUnsupportedParameterSet = newKinded(ErrFormat, "kem: unsupported parameter set")

	// ErrInsufficientRandomness indicates the randomness source was exhausted
	// or produced predictable output
	ErrInsufficientRandomness = newKinded(ErrResourceExhaustion, "kem: insufficient randomness")
)

// Sentinel errors for the key schedule
var (
	// ErrLabelMisuse indicates a non-reusable label was requested twice
	ErrLabelMisuse = newKinded(ErrCrypto, "keyschedule: label misuse")

	// ErrScheduleZeroized indicates use of a schedule after its secret was wiped
	ErrScheduleZeroized = newKinded(ErrCrypto, "keyschedule: secret zeroized")
)

// Sentinel errors for AEAD operations
var (
	// ErrAuthenticationFailed indicates AEAD authentication/decryption failed
	ErrAuthenticationFailed = newKinded(ErrAuthentication, "aead: authentication failed")

	// ErrInvalidNonce indicates the nonce size is incorrect
	ErrInvalidNonce = newKinded(ErrCrypto, "aead: invalid nonce size")

	// ErrCiphertextTooShort indicates ciphertext is too short to be valid
	ErrCiphertextTooShort = newKinded(ErrFormat, "aead: ciphertext too short")

	// ErrNonceExhausted indicates nonce space is exhausted for the current key
	ErrNonceExhausted = newKinded(ErrResourceExhaustion, "aead: nonce space exhausted, key update required")
)

// Sentinel errors for conditional self tests
var (
	// ErrPairwiseConsistency indicates a fresh KEM key pair failed its round trip
	ErrPairwiseConsistency = newKinded(ErrCrypto, "cst: pairwise consistency test failed")
)

// Sentinel errors for signatures
var (
	// ErrSignatureInvalid indicates the peer's CertificateVerify did not verify
	ErrSignatureInvalid = newKinded(ErrAuthentication, "signature: verification failed")

	// ErrInvalidIdentityKey indicates a malformed identity key
	ErrInvalidIdentityKey = newKinded(ErrFormat, "signature: invalid identity key")
)

// Sentinel errors for protocol operations
var (
	// ErrInvalidMessage indicates a protocol message is malformed
	ErrInvalidMessage = newKinded(ErrFormat, "protocol: invalid message")

	// ErrUnexpectedMessage indicates a well-formed message arrived in the wrong state
	ErrUnexpectedMessage = newKinded(ErrFormat, "protocol: unexpected message")

	// ErrUnsupportedVersion indicates an unsupported protocol version
	ErrUnsupportedVersion = newKinded(ErrFormat, "protocol: unsupported version")

	// ErrUnsupportedCipherSuite indicates no mutually supported cipher suite
	ErrUnsupportedCipherSuite = newKinded(ErrFormat, "protocol: unsupported cipher suite")

	// ErrUnsupportedGroup indicates the key share group is not accepted
	ErrUnsupportedGroup = newKinded(ErrFormat, "protocol: unsupported group")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = newKinded(ErrFormat, "protocol: message too large")

	// ErrFinishedMismatch indicates the peer's Finished MAC did not verify
	ErrFinishedMismatch = newKinded(ErrAuthentication, "protocol: finished verification failed")

	// ErrReplayDetected indicates a record sequence number was seen before
	ErrReplayDetected = newKinded(ErrAuthentication, "protocol: replay detected")

	// ErrAborted indicates the session already aborted and discards input
	ErrAborted = newKinded(ErrCrypto, "protocol: session aborted")

	// ErrPeerAlert matches every PeerAlertError. It carries no kind of its own;
	// the alert code decides it.
	ErrPeerAlert = errors.New("protocol: peer alert")
)

// Sentinel errors for tunnel operations. These are not part of the core taxonomy.
var (
	// ErrTunnelClosed indicates the tunnel has been closed
	ErrTunnelClosed = errors.New("tunnel: connection closed")

	// ErrRateLimited indicates a connection or handshake was refused by a limiter
	ErrRateLimited = errors.New("tunnel: rate limited")
)

// CryptoError wraps a cryptographic error with additional context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with additional context
type ProtocolError struct {
	Phase string // Handshake state or record phase
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// PeerAlertError is a fatal alert received from the peer. It matches
// ErrPeerAlert and unwraps to the kind the alert code reports.
type PeerAlertError struct {
	Alert string // Alert code name
	Kind  error  // Kind sentinel, or nil when the code maps to none
}

func (e *PeerAlertError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPeerAlert, e.Alert)
}

func (e *PeerAlertError) Is(target error) bool {
	return target == ErrPeerAlert
}

func (e *PeerAlertError) Unwrap() error {
	return e.Kind
}

// NewPeerAlertError creates a new PeerAlertError
func NewPeerAlertError(alert string, kind error) *PeerAlertError {
	return &PeerAlertError{Alert: alert, Kind: kind}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
