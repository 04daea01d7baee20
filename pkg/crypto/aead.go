package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
)

// SequenceSize is the length of the explicit sequence number Seal prepends.
const SequenceSize = 8

// aeadConstructors builds the cipher for each supported algorithm from a
// 32-byte key.
var aeadConstructors = map[constants.AEADAlgorithm]func(key []byte) (cipher.AEAD, error){
	constants.AEADAES256GCM: func(key []byte) (cipher.AEAD, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	},
	constants.AEADChaCha20Poly1305: chacha20poly1305.New,
}

// AEAD wraps AES-256-GCM or ChaCha20-Poly1305 for one direction of traffic.
//
// Seal and Open frame each message as seq || ciphertext, deriving the 96-bit
// nonce as four zero bytes followed by the big-endian seq. Open accepts only
// the next sequence number, so replayed, dropped and reordered messages fail.
// SealWithNonce and OpenWithNonce leave nonce management to the caller.
type AEAD struct {
	aead cipher.AEAD
	alg  constants.AEADAlgorithm

	mu      sync.Mutex
	sendSeq uint64
	recvSeq uint64
	limit   uint64
}

// NewAEAD keys alg with a 32-byte key.
func NewAEAD(alg constants.AEADAlgorithm, key []byte) (*AEAD, error) {
	if len(key) != constants.AESKeySize {
		return nil, qerrors.NewCryptoError("NewAEAD", qerrors.ErrInvalidKeySize)
	}
	newCipher, ok := aeadConstructors[alg]
	if !ok {
		return nil, qerrors.NewCryptoError("NewAEAD", qerrors.ErrUnsupportedCipherSuite)
	}
	c, err := newCipher(key)
	if err != nil {
		return nil, qerrors.NewCryptoError("NewAEAD", err)
	}
	return &AEAD{aead: c, alg: alg, limit: uint64(constants.MaxRecordsBeforeKeyUpdate)}, nil
}

func sequenceNonce(seq uint64) []byte {
	nonce := make([]byte, constants.AESNonceSize)
	binary.BigEndian.PutUint64(nonce[constants.AESNonceSize-SequenceSize:], seq)
	return nonce
}

// Seal encrypts plaintext under the next send sequence number.
func (a *AEAD) Seal(plaintext, additionalData []byte) ([]byte, error) {
	a.mu.Lock()
	if a.sendSeq >= a.limit {
		a.mu.Unlock()
		return nil, qerrors.ErrNonceExhausted
	}
	seq := a.sendSeq
	a.sendSeq++
	a.mu.Unlock()

	out := make([]byte, SequenceSize, SequenceSize+len(plaintext)+a.aead.Overhead())
	binary.BigEndian.PutUint64(out, seq)
	return a.aead.Seal(out, sequenceNonce(seq), plaintext, additionalData), nil
}

// Open authenticates and decrypts a message produced by the peer's Seal.
func (a *AEAD) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < SequenceSize+a.aead.Overhead() {
		return nil, qerrors.ErrCiphertextTooShort
	}
	seq := binary.BigEndian.Uint64(sealed[:SequenceSize])

	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != a.recvSeq {
		return nil, fmt.Errorf("%w: sequence %d, expected %d", qerrors.ErrReplayDetected, seq, a.recvSeq)
	}
	plaintext, err := a.aead.Open(nil, sequenceNonce(seq), sealed[SequenceSize:], additionalData)
	if err != nil {
		return nil, qerrors.ErrAuthenticationFailed
	}
	a.recvSeq++
	return plaintext, nil
}

// SealWithNonce encrypts under a caller-supplied nonce and returns
// ciphertext || tag. The caller must never repeat a nonce under one key.
func (a *AEAD) SealWithNonce(nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(nonce) != a.aead.NonceSize() {
		return nil, qerrors.ErrInvalidNonce
	}
	return a.aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenWithNonce reverses SealWithNonce.
func (a *AEAD) OpenWithNonce(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != a.aead.NonceSize() {
		return nil, qerrors.ErrInvalidNonce
	}
	if len(ciphertext) < a.aead.Overhead() {
		return nil, qerrors.ErrCiphertextTooShort
	}
	plaintext, err := a.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, qerrors.ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Counter returns how many messages Seal has produced.
func (a *AEAD) Counter() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendSeq
}

// Algorithm returns the cipher in use.
func (a *AEAD) Algorithm() constants.AEADAlgorithm {
	return a.alg
}

// Overhead is the number of bytes Seal adds to a plaintext.
func (a *AEAD) Overhead() int {
	return SequenceSize + a.aead.Overhead()
}

// NonceSize is the nonce length SealWithNonce expects.
func (a *AEAD) NonceSize() int {
	return a.aead.NonceSize()
}
