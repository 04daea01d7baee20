// Package protocol defines the handshake and record messages of the KEMTLS
// handshake engine and their wire encoding.
//
// This file (messages.go) implements the message flow:
//
//	Client                                        Server
//	    |                                            |
//	    | -------- ClientHello{key_share=pk} ------> |
//	    |                                            |
//	    | <------- ServerHello{key_share=ct} ------- |
//	    |                                            |
//	    | -------- {ClientFinished} ---------------> |
//	    |                                            |
//	    | <------- {CertificateVerify} ------------- |  (only with a server identity)
//	    | <------- {ServerFinished} ---------------- |
//	    |                                            |
//	    |          === Session Established ===       |
//
// {X} marks a message sealed with the handshake traffic keys inside an
// EncryptedHandshake envelope. After the handshake every Data, KeyUpdate and
// Alert message travels sealed inside a Record.
//
// All messages start with a 5-byte header: 1-byte type and 4-byte big-endian length.
package protocol

import (
	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
)

// MessageType identifies the type of protocol message.
type MessageType uint8

// Protocol message types for handshake, records, and error signaling.
const (
	// MessageTypeClientHello carries the client's offer and KEM public key.
	MessageTypeClientHello MessageType = 0x01
	// MessageTypeServerHello carries the server's selection and KEM ciphertext.
	MessageTypeServerHello MessageType = 0x02
	// MessageTypeClientFinished confirms the handshake from the client.
	MessageTypeClientFinished MessageType = 0x03
	// MessageTypeServerFinished confirms the handshake from the server.
	MessageTypeServerFinished MessageType = 0x04
	// MessageTypeCertificateVerify carries the server's transcript signature.
	MessageTypeCertificateVerify MessageType = 0x05
	// MessageTypeEncryptedHandshake wraps a handshake message sealed with handshake keys.
	MessageTypeEncryptedHandshake MessageType = 0x06

	// MessageTypeData carries application data inside a record.
	MessageTypeData MessageType = 0x10
	// MessageTypeKeyUpdate announces a traffic key ratchet inside a record.
	MessageTypeKeyUpdate MessageType = 0x11
	// MessageTypeRecord is a sealed record with its sequence number.
	MessageTypeRecord MessageType = 0x17

	// MessageTypeAlert signals an error condition or closure.
	MessageTypeAlert MessageType = 0xF0
)

// String returns a human-readable name for the message type.
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeClientHello:
		return "ClientHello"
	case MessageTypeServerHello:
		return "ServerHello"
	case MessageTypeClientFinished:
		return "ClientFinished"
	case MessageTypeServerFinished:
		return "ServerFinished"
	case MessageTypeCertificateVerify:
		return "CertificateVerify"
	case MessageTypeEncryptedHandshake:
		return "EncryptedHandshake"
	case MessageTypeData:
		return "Data"
	case MessageTypeKeyUpdate:
		return "KeyUpdate"
	case MessageTypeRecord:
		return "Record"
	case MessageTypeAlert:
		return "Alert"
	default:
		return "Unknown"
	}
}

// AlertCode identifies specific error conditions.
type AlertCode uint8

// Alert codes identifying specific error conditions.
const (
	// AlertCodeUnexpectedMessage indicates an unexpected message was received.
	AlertCodeUnexpectedMessage AlertCode = 0x01
	// AlertCodeBadRecordMAC indicates a record failed authentication.
	AlertCodeBadRecordMAC AlertCode = 0x02
	// AlertCodeHandshakeFailure indicates the handshake could not complete.
	AlertCodeHandshakeFailure AlertCode = 0x03
	// AlertCodeUnsupportedVersion indicates no common protocol version.
	AlertCodeUnsupportedVersion AlertCode = 0x04
	// AlertCodeUnsupportedCipher indicates no common cipher suite.
	AlertCodeUnsupportedCipher AlertCode = 0x05
	// AlertCodeDecryptionFailed indicates decryption or Finished verification failed.
	AlertCodeDecryptionFailed AlertCode = 0x06
	// AlertCodeInternalError indicates an internal implementation error.
	AlertCodeInternalError AlertCode = 0x07
	// AlertCodeCloseNotify indicates graceful connection closure.
	AlertCodeCloseNotify AlertCode = 0x08
	// AlertCodeDecodeError indicates a malformed or length-mismatched message.
	AlertCodeDecodeError AlertCode = 0x09
	// AlertCodeIllegalParameter indicates an unsupported KEM group.
	AlertCodeIllegalParameter AlertCode = 0x0A
	// AlertCodeBadSignature indicates CertificateVerify did not verify.
	AlertCodeBadSignature AlertCode = 0x0B
)

// String returns a human-readable name for the alert code.
func (c AlertCode) String() string {
	switch c {
	case AlertCodeUnexpectedMessage:
		return "unexpected_message"
	case AlertCodeBadRecordMAC:
		return "bad_record_mac"
	case AlertCodeHandshakeFailure:
		return "handshake_failure"
	case AlertCodeUnsupportedVersion:
		return "protocol_version"
	case AlertCodeUnsupportedCipher:
		return "insufficient_security"
	case AlertCodeDecryptionFailed:
		return "decrypt_error"
	case AlertCodeInternalError:
		return "internal_error"
	case AlertCodeCloseNotify:
		return "close_notify"
	case AlertCodeDecodeError:
		return "decode_error"
	case AlertCodeIllegalParameter:
		return "illegal_parameter"
	case AlertCodeBadSignature:
		return "bad_certificate"
	default:
		return "unknown"
	}
}

// AlertCodeFor maps a local error to the alert sent to the peer.
func AlertCodeFor(err error) AlertCode {
	switch {
	case qerrors.Is(err, qerrors.ErrUnsupportedVersion):
		return AlertCodeUnsupportedVersion
	case qerrors.Is(err, qerrors.ErrUnsupportedCipherSuite):
		return AlertCodeUnsupportedCipher
	case qerrors.Is(err, qerrors.ErrUnsupportedGroup):
		return AlertCodeIllegalParameter
	case qerrors.Is(err, qerrors.ErrUnexpectedMessage):
		return AlertCodeUnexpectedMessage
	case qerrors.Is(err, qerrors.ErrSignatureInvalid):
		return AlertCodeBadSignature
	case qerrors.Is(err, qerrors.ErrReplayDetected):
		return AlertCodeBadRecordMAC
	}
	switch qerrors.KindOf(err) {
	case qerrors.KindFormat:
		return AlertCodeDecodeError
	case qerrors.KindAuthentication:
		return AlertCodeDecryptionFailed
	default:
		return AlertCodeInternalError
	}
}

// Kind maps an alert code back to the error kind the sender reported. It is
// the inverse of AlertCodeFor. close_notify and unknown codes have no kind.
func (c AlertCode) Kind() error {
	switch c {
	case AlertCodeUnexpectedMessage, AlertCodeUnsupportedVersion, AlertCodeUnsupportedCipher,
		AlertCodeDecodeError, AlertCodeIllegalParameter:
		return qerrors.ErrFormat
	case AlertCodeBadRecordMAC, AlertCodeDecryptionFailed, AlertCodeBadSignature,
		AlertCodeHandshakeFailure:
		return qerrors.ErrAuthentication
	case AlertCodeInternalError:
		return qerrors.ErrCrypto
	default:
		return nil
	}
}

// PeerAlert returns the error for an alert received from the peer.
func PeerAlert(code AlertCode) error {
	return qerrors.NewPeerAlertError(code.String(), code.Kind())
}

// ClientHello is sent by the client to begin the handshake.
type ClientHello struct {
	// Protocol version offered by the client
	Version Version

	// Random nonce for freshness (32 bytes)
	Random []byte

	// SessionID chosen by the client (up to 32 bytes, may be empty)
	SessionID []byte

	// Supported cipher suites in preference order
	CipherSuites []constants.CipherSuite

	// Group is the ML-KEM parameter set of the key share
	Group constants.ParameterSet

	// KeyShare is the client's ephemeral ML-KEM public key
	KeyShare []byte
}

// ServerHello is sent by the server in response to ClientHello.
type ServerHello struct {
	// Protocol version selected by the server
	Version Version

	// Random nonce for freshness (32 bytes)
	Random []byte

	// SessionID echoed or assigned by the server
	SessionID []byte

	// Selected cipher suite
	CipherSuite constants.CipherSuite

	// Group is the accepted ML-KEM parameter set
	Group constants.ParameterSet

	// KeyShare is the ML-KEM ciphertext encapsulated to the client's key
	KeyShare []byte

	// Authenticated announces a CertificateVerify before ServerFinished
	Authenticated bool
}

// ClientFinished confirms the handshake from the client side.
// This message is encrypted with the handshake keys.
type ClientFinished struct {
	// VerifyData is a MAC over the handshake transcript
	VerifyData []byte
}

// ServerFinished confirms the handshake from the server side.
// This message is encrypted with the handshake keys.
type ServerFinished struct {
	// VerifyData is a MAC over the handshake transcript
	VerifyData []byte
}

// CertificateVerify proves possession of the server identity key.
// This message is encrypted with the handshake keys.
type CertificateVerify struct {
	// Signature over the CertificateVerify context and the transcript hash
	Signature []byte
}

// KeyUpdate announces that the sender switched to the next traffic key.
type KeyUpdate struct {
	// UpdateRequested asks the peer to ratchet its sending key too
	UpdateRequested bool
}

// Record carries one sealed Data, KeyUpdate or Alert message.
type Record struct {
	// Sequence number for nonce derivation and replay protection (8 bytes)
	Sequence uint64

	// Sealed inner message including the authentication tag
	Ciphertext []byte
}

// AlertLevel indicates the severity of the alert.
type AlertLevel uint8

// Alert severity levels.
const (
	// AlertLevelWarning indicates a non-fatal condition such as close_notify.
	AlertLevelWarning AlertLevel = 0x01
	// AlertLevelFatal indicates an unrecoverable error requiring connection termination.
	AlertLevelFatal AlertLevel = 0x02
)

// AlertMessage signals an error condition or connection closure.
type AlertMessage struct {
	// Level of the alert (Warning or Fatal)
	Level AlertLevel

	// Alert code identifying the specific condition
	Code AlertCode

	// Optional description (max 255 bytes)
	Description string
}

// Validate checks if the AlertMessage is valid.
func (m *AlertMessage) Validate() error {
	if m.Level != AlertLevelWarning && m.Level != AlertLevelFatal {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Description) > 255 {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// Validate checks if the ClientHello message is valid.
// Unknown cipher suites are allowed; the server skips them during negotiation.
func (m *ClientHello) Validate() error {
	if !m.Version.IsCompatible(Current) {
		return qerrors.ErrUnsupportedVersion
	}
	if len(m.Random) != constants.RandomSize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.SessionID) > maxSessionIDSize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.CipherSuites) == 0 || len(m.CipherSuites) > maxCipherSuites {
		return qerrors.ErrInvalidMessage
	}
	if !m.Group.IsSupported() {
		return qerrors.ErrUnsupportedGroup
	}
	if len(m.KeyShare) != m.Group.PublicKeySize() {
		return qerrors.ErrInvalidPublicKey
	}
	return nil
}

// Validate checks if the ServerHello message is valid.
func (m *ServerHello) Validate() error {
	if !m.Version.IsCompatible(Current) {
		return qerrors.ErrUnsupportedVersion
	}
	if len(m.Random) != constants.RandomSize {
		return qerrors.ErrInvalidMessage
	}
	if len(m.SessionID) > maxSessionIDSize {
		return qerrors.ErrInvalidMessage
	}
	if !m.CipherSuite.IsSupported() {
		return qerrors.ErrUnsupportedCipherSuite
	}
	if !m.Group.IsSupported() {
		return qerrors.ErrUnsupportedGroup
	}
	if len(m.KeyShare) != m.Group.CiphertextSize() {
		return qerrors.ErrInvalidCiphertext
	}
	return nil
}

// Validate checks if the ClientFinished message is valid.
func (m *ClientFinished) Validate() error {
	if len(m.VerifyData) != constants.FinishedMACSize {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// Validate checks if the ServerFinished message is valid.
func (m *ServerFinished) Validate() error {
	if len(m.VerifyData) != constants.FinishedMACSize {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// Validate checks if the CertificateVerify message is valid.
func (m *CertificateVerify) Validate() error {
	if len(m.Signature) == 0 || len(m.Signature) > maxSignatureSize {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// HeaderSize is the size of the message header (type + length).
const HeaderSize = 5 // 1 byte type + 4 bytes length

// MaxMessageSize is the maximum payload size of a protocol message.
const MaxMessageSize = constants.MaxMessageSize

const (
	maxSessionIDSize = 32
	maxCipherSuites  = 64
	maxSignatureSize = 8192
)
