// Package crypto holds the primitives the handshake and record layers share:
// the randomness source and its health tests, the record AEADs, ML-DSA-44
// identity keys, and the power-on and conditional self tests.
package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"sync"

	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
)

// Reader is the process randomness source. Tests may swap it.
var Reader io.Reader = rand.Reader

func errRandom(op string, cause error) error {
	if cause == nil {
		return qerrors.NewCryptoError(op, qerrors.ErrInsufficientRandomness)
	}
	return qerrors.NewCryptoError(op, fmt.Errorf("%w: %v", qerrors.ErrInsufficientRandomness, cause))
}

// SecureRandom fills b from Reader.
func SecureRandom(b []byte) error {
	if _, err := io.ReadFull(Reader, b); err != nil {
		return errRandom("SecureRandom", err)
	}
	return nil
}

// SecureRandomBytes returns n bytes from Reader.
func SecureRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if err := SecureRandom(b); err != nil {
		return nil, err
	}
	return b, nil
}

// MustSecureRandomBytes is SecureRandomBytes for callers that cannot go on
// without randomness.
func MustSecureRandomBytes(n int) []byte {
	b, err := SecureRandomBytes(n)
	if err != nil {
		panic(err)
	}
	return b
}

// HealthCheckedReader applies a continuous test to a randomness source: a
// read that comes back constant, or equal to the previous read of the same
// length, fails with ErrInsufficientRandomness.
type HealthCheckedReader struct {
	src io.Reader

	mu   sync.Mutex
	prev []byte
}

// NewHealthCheckedReader wraps src, or Reader when src is nil.
func NewHealthCheckedReader(src io.Reader) *HealthCheckedReader {
	if src == nil {
		src = Reader
	}
	return &HealthCheckedReader{src: src}
}

// Read fills all of p or fails.
func (r *HealthCheckedReader) Read(p []byte) (int, error) {
	n, err := io.ReadFull(r.src, p)
	if err != nil {
		return n, errRandom("HealthCheckedReader", err)
	}
	if n < 2 {
		return n, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if isConstant(p) || bytes.Equal(r.prev, p) {
		return 0, errRandom("HealthCheckedReader", nil)
	}
	r.prev = append(r.prev[:0], p...)
	return n, nil
}

func isConstant(b []byte) bool {
	return len(b) > 0 && bytes.Count(b, b[:1]) == len(b)
}

// ConstantTimeCompare reports whether a and b are equal without leaking where
// they differ. Lengths are not secret.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites b with zeros. Copies made by the runtime are not
// reached.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroizeMultiple zeroizes each slice.
func ZeroizeMultiple(slices ...[]byte) {
	for _, s := range slices {
		Zeroize(s)
	}
}
