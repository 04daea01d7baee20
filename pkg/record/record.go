// Package record implements the application record layer that runs on top of
// an established handshake.
//
// Each direction has its own traffic key and IV. A record carries an explicit
// 64-bit sequence number; the AEAD nonce is the IV XOR the big-endian sequence
// number and the sequence number is authenticated as additional data. Inside
// the sealed payload is a framed Data, KeyUpdate or Alert message.
//
// After MaxRecordsBeforeKeyUpdate records in one direction the sender emits a
// KeyUpdate and ratchets its sending key through the key schedule. The
// receiver ratchets the matching receiving key when it opens the KeyUpdate.
package record

import (
	"encoding/binary"
	"sync"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
	"github.com/pzverkov/quantum-kemtls/pkg/keyschedule"
	"github.com/pzverkov/quantum-kemtls/pkg/protocol"
)

const windowSize = uint64(constants.ReplayWindowSize)

// KeyUpdater ratchets a traffic key. handshake.Session implements it.
type KeyUpdater interface {
	UpdateTrafficKey(currentKey []byte) (key, iv []byte, err error)
}

// Content is one opened record.
type Content struct {
	// Type is MessageTypeData, MessageTypeKeyUpdate or MessageTypeAlert
	Type protocol.MessageType

	// Payload holds application data for Data records
	Payload []byte

	// Alert is set for Alert records
	Alert *protocol.AlertMessage

	// UpdateRequested is set when the peer asked for a KeyUpdate in return
	UpdateRequested bool
}

// Stats holds record layer counters.
type Stats struct {
	RecordsSealed   uint64
	RecordsOpened   uint64
	BytesSealed     uint64
	BytesOpened     uint64
	KeyUpdates      uint64
	ReplaysRejected uint64
}

// Option configures a Layer.
type Option func(*Layer)

// WithKeyUpdateThreshold sets the number of records sealed under one key
// before a KeyUpdate is sent automatically.
func WithKeyUpdateThreshold(n uint64) Option {
	return func(l *Layer) {
		if n > 0 {
			l.threshold = n
		}
	}
}

// direction is the key state for one traffic direction.
type direction struct {
	aead *crypto.AEAD
	key  []byte
	iv   []byte
	seq  uint64
}

func newDirection(alg constants.AEADAlgorithm, key, iv []byte) (*direction, error) {
	if len(key) != constants.TrafficKeySize || len(iv) != constants.TrafficIVSize {
		return nil, qerrors.ErrInvalidKeySize
	}
	aead, err := crypto.NewAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	return &direction{
		aead: aead,
		key:  append([]byte(nil), key...),
		iv:   append([]byte(nil), iv...),
	}, nil
}

func (d *direction) nonce(seq uint64) []byte {
	n := make([]byte, constants.TrafficIVSize)
	copy(n, d.iv)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := range s {
		n[len(n)-8+i] ^= s[i]
	}
	return n
}

func (d *direction) ratchet(alg constants.AEADAlgorithm, updater KeyUpdater) error {
	key, iv, err := updater.UpdateTrafficKey(d.key)
	if err != nil {
		return err
	}
	defer crypto.ZeroizeMultiple(key, iv)

	aead, err := crypto.NewAEAD(alg, key)
	if err != nil {
		return err
	}
	copy(d.key, key)
	copy(d.iv, iv)
	d.aead = aead
	d.seq = 0
	return nil
}

func (d *direction) zeroize() {
	if d == nil {
		return
	}
	crypto.ZeroizeMultiple(d.key, d.iv)
	d.aead = nil
}

// Layer seals and opens application records for one established session.
// Seal and Open may be used from different goroutines.
type Layer struct {
	alg       constants.AEADAlgorithm
	updater   KeyUpdater
	codec     *protocol.Codec
	threshold uint64

	sendMu        sync.Mutex
	send          *direction
	respondUpdate bool

	recvMu sync.Mutex
	recv   *direction
	window *ReplayWindow

	statsMu sync.Mutex
	stats   Stats
	closed  bool
}

// New builds a record layer from the application traffic secrets of an
// established session. role selects which keys are used for sending.
func New(role handshake.Role, suite constants.CipherSuite, secrets *keyschedule.Secrets, updater KeyUpdater, opts ...Option) (*Layer, error) {
	if secrets == nil || updater == nil {
		return nil, qerrors.ErrInvalidState
	}
	alg := suite.AEAD()
	if alg == constants.AEADUnknown {
		return nil, qerrors.ErrUnsupportedCipherSuite
	}

	sendKey, sendIV := secrets.ClientKey, secrets.ClientIV
	recvKey, recvIV := secrets.ServerKey, secrets.ServerIV
	if role == handshake.RoleServer {
		sendKey, sendIV, recvKey, recvIV = recvKey, recvIV, sendKey, sendIV
	}

	send, err := newDirection(alg, sendKey, sendIV)
	if err != nil {
		return nil, err
	}
	recv, err := newDirection(alg, recvKey, recvIV)
	if err != nil {
		send.zeroize()
		return nil, err
	}

	l := &Layer{
		alg:       alg,
		updater:   updater,
		codec:     protocol.NewCodec(),
		threshold: constants.MaxRecordsBeforeKeyUpdate,
		send:      send,
		recv:      recv,
		window:    NewReplayWindow(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Seal encrypts application data into one or more records. A KeyUpdate record
// precedes the data record when the sending key has to be ratcheted.
func (l *Layer) Seal(payload []byte) ([]byte, error) {
	inner, err := l.codec.EncodeData(payload)
	if err != nil {
		return nil, err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	var out []byte
	if l.respondUpdate || l.send.seq >= l.threshold {
		out, err = l.updateLocked(false)
		if err != nil {
			return nil, err
		}
	}

	rec, err := l.sealLocked(inner)
	if err != nil {
		return nil, err
	}
	l.count(func(s *Stats) { s.BytesSealed += uint64(len(payload)) })
	return append(out, rec...), nil
}

// SealAlert encrypts an alert record, such as close_notify.
func (l *Layer) SealAlert(level protocol.AlertLevel, code protocol.AlertCode) ([]byte, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.sealLocked(l.codec.EncodeAlert(level, code, ""))
}

// UpdateKeys sends a KeyUpdate and ratchets the sending key. With requestPeer
// the peer is asked to ratchet its sending key as well.
func (l *Layer) UpdateKeys(requestPeer bool) ([]byte, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.updateLocked(requestPeer)
}

// Flush returns the KeyUpdate owed to the peer after it requested one, or nil.
func (l *Layer) Flush() ([]byte, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if !l.respondUpdate {
		return nil, nil
	}
	return l.updateLocked(false)
}

func (l *Layer) updateLocked(requestPeer bool) ([]byte, error) {
	rec, err := l.sealLocked(l.codec.EncodeKeyUpdate(&protocol.KeyUpdate{UpdateRequested: requestPeer}))
	if err != nil {
		return nil, err
	}
	if err := l.send.ratchet(l.alg, l.updater); err != nil {
		return nil, err
	}
	l.respondUpdate = false
	l.count(func(s *Stats) { s.KeyUpdates++ })
	return rec, nil
}

func (l *Layer) sealLocked(inner []byte) ([]byte, error) {
	if l.isClosed() {
		return nil, qerrors.ErrTunnelClosed
	}
	seq := l.send.seq
	aad := sequenceAAD(seq)

	sealed, err := l.send.aead.SealWithNonce(l.send.nonce(seq), inner, aad)
	if err != nil {
		return nil, err
	}
	rec, err := l.codec.EncodeRecord(seq, sealed)
	if err != nil {
		return nil, err
	}
	l.send.seq++
	l.count(func(s *Stats) { s.RecordsSealed++ })
	return rec, nil
}

// Open authenticates and decrypts one record message. KeyUpdate records
// ratchet the receiving key before Open returns.
func (l *Layer) Open(msg []byte) (*Content, error) {
	rec, err := l.codec.DecodeRecord(msg)
	if err != nil {
		return nil, err
	}

	l.recvMu.Lock()
	defer l.recvMu.Unlock()

	if l.isClosed() {
		return nil, qerrors.ErrTunnelClosed
	}
	if !l.window.Check(rec.Sequence) {
		l.count(func(s *Stats) { s.ReplaysRejected++ })
		return nil, qerrors.ErrReplayDetected
	}

	inner, err := l.recv.aead.OpenWithNonce(l.recv.nonce(rec.Sequence), rec.Ciphertext, sequenceAAD(rec.Sequence))
	if err != nil {
		return nil, err
	}
	l.window.Accept(rec.Sequence)
	l.count(func(s *Stats) { s.RecordsOpened++ })

	mt, err := l.codec.GetMessageType(inner)
	if err != nil {
		return nil, err
	}

	switch mt {
	case protocol.MessageTypeData:
		payload, err := l.codec.DecodeData(inner)
		if err != nil {
			return nil, err
		}
		l.count(func(s *Stats) { s.BytesOpened += uint64(len(payload)) })
		return &Content{Type: mt, Payload: payload}, nil

	case protocol.MessageTypeKeyUpdate:
		ku, err := l.codec.DecodeKeyUpdate(inner)
		if err != nil {
			return nil, err
		}
		if err := l.recv.ratchet(l.alg, l.updater); err != nil {
			return nil, err
		}
		l.window.Reset()
		if ku.UpdateRequested {
			l.sendMu.Lock()
			l.respondUpdate = true
			l.sendMu.Unlock()
		}
		return &Content{Type: mt, UpdateRequested: ku.UpdateRequested}, nil

	case protocol.MessageTypeAlert:
		alert, err := l.codec.DecodeAlert(inner)
		if err != nil {
			return nil, err
		}
		return &Content{Type: mt, Alert: alert}, nil

	default:
		return nil, qerrors.ErrUnexpectedMessage
	}
}

// Stats returns a snapshot of the counters.
func (l *Layer) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// Close zeroes both directions. Later Seal and Open calls fail.
func (l *Layer) Close() {
	l.recvMu.Lock()
	l.sendMu.Lock()
	defer l.recvMu.Unlock()
	defer l.sendMu.Unlock()

	l.statsMu.Lock()
	l.closed = true
	l.statsMu.Unlock()

	l.send.zeroize()
	l.recv.zeroize()
}

func (l *Layer) isClosed() bool {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.closed
}

func (l *Layer) count(f func(*Stats)) {
	l.statsMu.Lock()
	f(&l.stats)
	l.statsMu.Unlock()
}

func sequenceAAD(seq uint64) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, seq)
	return aad
}
