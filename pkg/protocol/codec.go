// codec.go implements serialization and deserialization of protocol messages.
//
// Wire Format:
//
// All messages follow this structure:
//
//	+------+--------+----------+
//	| Type | Length | Payload  |
//	| 1B   | 4B BE  | Variable |
//	+------+--------+----------+
//
// Length is big-endian uint32, not including header bytes, and must match the
// payload exactly: decoders reject both truncation and trailing bytes.
//
// ClientHello Format:
//
//	+---------+--------+---------------+------------------+-------+----------------+
//	| Version | Random | SessionID     | CipherSuites     | Group | KeyShare       |
//	| 2B      | 32B    | 1B len + data | 2B len + 2B each | 2B    | 2B len + pk    |
//	+---------+--------+---------------+------------------+-------+----------------+
//
// ServerHello Format:
//
//	+---------+--------+---------------+-------------+-------+----------------+-------+
//	| Version | Random | SessionID     | CipherSuite | Group | KeyShare       | Flags |
//	| 2B      | 32B    | 1B len + data | 2B          | 2B    | 2B len + ct    | 1B    |
//	+---------+--------+---------------+-------------+-------+----------------+-------+
//
// The key share length must equal the public key (ClientHello) or ciphertext
// (ServerHello) size of the group exactly.
//
// Record Format:
//
//	+----------+---------------------------+
//	| Sequence | Sealed inner message + tag |
//	| 8B BE    | Variable                  |
//	+----------+---------------------------+
package protocol

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/cryptobyte"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
)

// serverHelloFlagAuthenticated marks a server that sends CertificateVerify.
const serverHelloFlagAuthenticated = 0x01

// Codec provides message serialization and deserialization.
type Codec struct{}

// NewCodec creates a new protocol codec.
func NewCodec() *Codec {
	return &Codec{}
}

// frame prepends the message header to payload.
func frame(t MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, qerrors.ErrMessageTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload))) //nolint:gosec // G115: bounded by MaxMessageSize
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// unframe checks the header of a complete message and returns its payload.
func unframe(data []byte, want MessageType) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, qerrors.ErrInvalidMessage
	}
	if MessageType(data[0]) != want {
		return nil, qerrors.ErrUnexpectedMessage
	}
	payloadLen := binary.BigEndian.Uint32(data[1:HeaderSize])
	if payloadLen > MaxMessageSize {
		return nil, qerrors.ErrMessageTooLarge
	}
	if uint64(len(data)-HeaderSize) != uint64(payloadLen) {
		return nil, qerrors.ErrInvalidMessage
	}
	return data[HeaderSize:], nil
}

// EncodeClientHello serializes a ClientHello message.
func (c *Codec) EncodeClientHello(m *ClientHello) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddUint16(m.Version.Uint16())
	b.AddBytes(m.Random)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.SessionID)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, cs := range m.CipherSuites {
			b.AddUint16(uint16(cs))
		}
	})
	b.AddUint16(uint16(m.Group))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.KeyShare)
	})

	payload, err := b.Bytes()
	if err != nil {
		return nil, qerrors.ErrInvalidMessage
	}
	return frame(MessageTypeClientHello, payload)
}

// DecodeClientHello deserializes a ClientHello message.
//
// Structural problems return ErrInvalidMessage. A key share whose length does
// not match the group returns ErrInvalidPublicKey; it is never truncated or padded.
func (c *Codec) DecodeClientHello(data []byte) (*ClientHello, error) {
	payload, err := unframe(data, MessageTypeClientHello)
	if err != nil {
		return nil, err
	}

	s := cryptobyte.String(payload)
	var (
		version           uint16
		random            []byte
		sessionID, cs, ks cryptobyte.String
		group             uint16
	)
	if !s.ReadUint16(&version) ||
		!s.ReadBytes(&random, constants.RandomSize) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&cs) ||
		!s.ReadUint16(&group) ||
		!s.ReadUint16LengthPrefixed(&ks) ||
		!s.Empty() {
		return nil, qerrors.ErrInvalidMessage
	}
	if len(cs)%2 != 0 {
		return nil, qerrors.ErrInvalidMessage
	}

	m := &ClientHello{
		Version:   VersionFromUint16(version),
		Random:    clone(random),
		SessionID: clone(sessionID),
		Group:     constants.ParameterSet(group),
		KeyShare:  clone(ks),
	}
	for !cs.Empty() {
		var suite uint16
		cs.ReadUint16(&suite)
		m.CipherSuites = append(m.CipherSuites, constants.CipherSuite(suite))
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeServerHello serializes a ServerHello message.
func (c *Codec) EncodeServerHello(m *ServerHello) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var flags uint8
	if m.Authenticated {
		flags |= serverHelloFlagAuthenticated
	}

	var b cryptobyte.Builder
	b.AddUint16(m.Version.Uint16())
	b.AddBytes(m.Random)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.SessionID)
	})
	b.AddUint16(uint16(m.CipherSuite))
	b.AddUint16(uint16(m.Group))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.KeyShare)
	})
	b.AddUint8(flags)

	payload, err := b.Bytes()
	if err != nil {
		return nil, qerrors.ErrInvalidMessage
	}
	return frame(MessageTypeServerHello, payload)
}

// DecodeServerHello deserializes a ServerHello message.
func (c *Codec) DecodeServerHello(data []byte) (*ServerHello, error) {
	payload, err := unframe(data, MessageTypeServerHello)
	if err != nil {
		return nil, err
	}

	s := cryptobyte.String(payload)
	var (
		version, suite, group uint16
		random                []byte
		sessionID, ks         cryptobyte.String
		flags                 uint8
	)
	if !s.ReadUint16(&version) ||
		!s.ReadBytes(&random, constants.RandomSize) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16(&suite) ||
		!s.ReadUint16(&group) ||
		!s.ReadUint16LengthPrefixed(&ks) ||
		!s.ReadUint8(&flags) ||
		!s.Empty() {
		return nil, qerrors.ErrInvalidMessage
	}
	if flags&^serverHelloFlagAuthenticated != 0 {
		return nil, qerrors.ErrInvalidMessage
	}

	m := &ServerHello{
		Version:       VersionFromUint16(version),
		Random:        clone(random),
		SessionID:     clone(sessionID),
		CipherSuite:   constants.CipherSuite(suite),
		Group:         constants.ParameterSet(group),
		KeyShare:      clone(ks),
		Authenticated: flags&serverHelloFlagAuthenticated != 0,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeFinished serializes a Finished message (client or server).
func (c *Codec) EncodeFinished(msgType MessageType, verifyData []byte) ([]byte, error) {
	if msgType != MessageTypeClientFinished && msgType != MessageTypeServerFinished {
		return nil, qerrors.ErrInvalidMessage
	}
	if len(verifyData) != constants.FinishedMACSize {
		return nil, qerrors.ErrInvalidMessage
	}
	return frame(msgType, verifyData)
}

// DecodeFinished deserializes a Finished message of the expected type.
func (c *Codec) DecodeFinished(data []byte, msgType MessageType) ([]byte, error) {
	payload, err := unframe(data, msgType)
	if err != nil {
		return nil, err
	}
	if len(payload) != constants.FinishedMACSize {
		return nil, qerrors.ErrInvalidMessage
	}
	return clone(payload), nil
}

// EncodeCertificateVerify serializes a CertificateVerify message.
func (c *Codec) EncodeCertificateVerify(m *CertificateVerify) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.Signature)
	})
	payload, err := b.Bytes()
	if err != nil {
		return nil, qerrors.ErrInvalidMessage
	}
	return frame(MessageTypeCertificateVerify, payload)
}

// DecodeCertificateVerify deserializes a CertificateVerify message.
func (c *Codec) DecodeCertificateVerify(data []byte) (*CertificateVerify, error) {
	payload, err := unframe(data, MessageTypeCertificateVerify)
	if err != nil {
		return nil, err
	}
	s := cryptobyte.String(payload)
	var sig cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&sig) || !s.Empty() {
		return nil, qerrors.ErrInvalidMessage
	}
	m := &CertificateVerify{Signature: clone(sig)}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeEncryptedHandshake wraps a sealed handshake message.
func (c *Codec) EncodeEncryptedHandshake(sealed []byte) ([]byte, error) {
	return frame(MessageTypeEncryptedHandshake, sealed)
}

// DecodeEncryptedHandshake returns the sealed handshake message.
func (c *Codec) DecodeEncryptedHandshake(data []byte) ([]byte, error) {
	payload, err := unframe(data, MessageTypeEncryptedHandshake)
	if err != nil {
		return nil, err
	}
	return clone(payload), nil
}

// EncodeData serializes an application data message.
func (c *Codec) EncodeData(payload []byte) ([]byte, error) {
	if len(payload) > constants.MaxPayloadSize {
		return nil, qerrors.ErrMessageTooLarge
	}
	return frame(MessageTypeData, payload)
}

// DecodeData deserializes an application data message.
func (c *Codec) DecodeData(data []byte) ([]byte, error) {
	payload, err := unframe(data, MessageTypeData)
	if err != nil {
		return nil, err
	}
	if len(payload) > constants.MaxPayloadSize {
		return nil, qerrors.ErrMessageTooLarge
	}
	return payload, nil
}

// EncodeKeyUpdate serializes a key update message.
func (c *Codec) EncodeKeyUpdate(m *KeyUpdate) []byte {
	var flag byte
	if m.UpdateRequested {
		flag = 1
	}
	buf, _ := frame(MessageTypeKeyUpdate, []byte{flag})
	return buf
}

// DecodeKeyUpdate deserializes a key update message.
func (c *Codec) DecodeKeyUpdate(data []byte) (*KeyUpdate, error) {
	payload, err := unframe(data, MessageTypeKeyUpdate)
	if err != nil {
		return nil, err
	}
	if len(payload) != 1 || payload[0] > 1 {
		return nil, qerrors.ErrInvalidMessage
	}
	return &KeyUpdate{UpdateRequested: payload[0] == 1}, nil
}

// EncodeRecord serializes a sealed record.
func (c *Codec) EncodeRecord(seq uint64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < constants.AESTagSize {
		return nil, qerrors.ErrCiphertextTooShort
	}
	if len(ciphertext) > MaxMessageSize-8 {
		return nil, qerrors.ErrMessageTooLarge
	}

	payload := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint64(payload, seq)
	copy(payload[8:], ciphertext)
	return frame(MessageTypeRecord, payload)
}

// DecodeRecord deserializes a sealed record.
func (c *Codec) DecodeRecord(data []byte) (*Record, error) {
	payload, err := unframe(data, MessageTypeRecord)
	if err != nil {
		return nil, err
	}
	if len(payload) < 8+constants.AESTagSize {
		return nil, qerrors.ErrCiphertextTooShort
	}
	return &Record{
		Sequence:   binary.BigEndian.Uint64(payload),
		Ciphertext: payload[8:],
	}, nil
}

// EncodeAlert serializes an alert message.
func (c *Codec) EncodeAlert(level AlertLevel, code AlertCode, description string) []byte {
	// Description length is stored in a single byte (max 255)
	if len(description) > 255 {
		description = description[:255]
	}

	payload := make([]byte, 3+len(description))
	payload[0] = byte(level)
	payload[1] = byte(code)
	payload[2] = byte(len(description))
	copy(payload[3:], description)

	buf, _ := frame(MessageTypeAlert, payload)
	return buf
}

// DecodeAlert deserializes an alert message.
func (c *Codec) DecodeAlert(data []byte) (*AlertMessage, error) {
	payload, err := unframe(data, MessageTypeAlert)
	if err != nil {
		return nil, err
	}
	if len(payload) < 3 || len(payload) != 3+int(payload[2]) {
		return nil, qerrors.ErrInvalidMessage
	}

	m := &AlertMessage{
		Level:       AlertLevel(payload[0]),
		Code:        AlertCode(payload[1]),
		Description: string(payload[3:]),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadMessage reads a complete message from the reader.
func (c *Codec) ReadMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[1:5])
	if payloadLen > MaxMessageSize {
		return nil, qerrors.ErrMessageTooLarge
	}

	msg := make([]byte, HeaderSize+payloadLen)
	copy(msg, header)

	if payloadLen > 0 {
		if _, err := io.ReadFull(r, msg[HeaderSize:]); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

// SplitMessage splits the first complete message off buf. It returns ok=false
// when buf does not yet hold a full message.
func (c *Codec) SplitMessage(buf []byte) (msg, rest []byte, ok bool, err error) {
	if len(buf) < HeaderSize {
		return nil, buf, false, nil
	}
	payloadLen := binary.BigEndian.Uint32(buf[1:HeaderSize])
	if payloadLen > MaxMessageSize {
		return nil, buf, false, qerrors.ErrMessageTooLarge
	}
	total := HeaderSize + int(payloadLen)
	if len(buf) < total {
		return nil, buf, false, nil
	}
	return buf[:total], buf[total:], true, nil
}

// GetMessageType returns the type of a serialized message.
func (c *Codec) GetMessageType(data []byte) (MessageType, error) {
	if len(data) < 1 {
		return 0, qerrors.ErrInvalidMessage
	}
	return MessageType(data[0]), nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
