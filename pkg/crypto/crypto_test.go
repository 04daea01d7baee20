package crypto_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
)

var aeadAlgorithms = []constants.AEADAlgorithm{
	constants.AEADAES256GCM,
	constants.AEADChaCha20Poly1305,
}

func newAEAD(t testing.TB, alg constants.AEADAlgorithm) *crypto.AEAD {
	t.Helper()
	aead, err := crypto.NewAEAD(alg, crypto.MustSecureRandomBytes(32))
	if err != nil {
		t.Fatalf("NewAEAD(%v) failed: %v", alg, err)
	}
	return aead
}

// --- Random Tests ---

func TestSecureRandom(t *testing.T) {
	buf := make([]byte, 32)
	if err := crypto.SecureRandom(buf); err != nil {
		t.Fatalf("SecureRandom failed: %v", err)
	}
	if bytes.Equal(buf, make([]byte, 32)) {
		t.Error("SecureRandom returned all zeros")
	}
}

func TestSecureRandomBytes(t *testing.T) {
	for _, size := range []int{16, 32, 64, 128} {
		buf, err := crypto.SecureRandomBytes(size)
		if err != nil {
			t.Fatalf("SecureRandomBytes(%d) failed: %v", size, err)
		}
		if len(buf) != size {
			t.Errorf("SecureRandomBytes(%d) returned %d bytes", size, len(buf))
		}
	}
}

func TestConstantTimeCompare(t *testing.T) {
	a := []byte("hello world")
	b := []byte("hello world")
	c := []byte("hello worle")
	d := []byte("hello")

	if !crypto.ConstantTimeCompare(a, b) {
		t.Error("Equal slices should compare equal")
	}
	if crypto.ConstantTimeCompare(a, c) {
		t.Error("Different slices should not compare equal")
	}
	if crypto.ConstantTimeCompare(a, d) {
		t.Error("Different length slices should not compare equal")
	}
}

func TestZeroize(t *testing.T) {
	a := []byte{1, 2, 3, 4, 5}
	b := []byte{6, 7}
	crypto.ZeroizeMultiple(a, b)

	for _, buf := range [][]byte{a, b} {
		for i, v := range buf {
			if v != 0 {
				t.Errorf("Zeroize failed at index %d: got %d, want 0", i, v)
			}
		}
	}
}

// --- Health-checked reader ---

type repeatingReader struct{ block []byte }

func (r *repeatingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.block[i%len(r.block)]
	}
	return len(p), nil
}

func TestHealthCheckedReader(t *testing.T) {
	r := crypto.NewHealthCheckedReader(nil)
	a := make([]byte, 32)
	b := make([]byte, 32)
	if _, err := r.Read(a); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := r.Read(b); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("consecutive reads returned identical output")
	}
}

func TestHealthCheckedReaderRejects(t *testing.T) {
	tests := []struct {
		name string
		src  *repeatingReader
	}{
		{"stuck at zero", &repeatingReader{block: []byte{0}}},
		{"repeated block", &repeatingReader{block: []byte("0123456789abcdef0123456789abcdef")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := crypto.NewHealthCheckedReader(tt.src)
			buf := make([]byte, 32)
			var err error
			for i := 0; i < 2 && err == nil; i++ {
				_, err = r.Read(buf)
			}
			if !errors.Is(err, qerrors.ErrInsufficientRandomness) {
				t.Fatalf("got %v, want ErrInsufficientRandomness", err)
			}
			if qerrors.KindOf(err) != qerrors.KindResourceExhaustion {
				t.Errorf("KindOf = %v, want ResourceExhaustion", qerrors.KindOf(err))
			}
		})
	}

	short := crypto.NewHealthCheckedReader(bytes.NewReader([]byte{1, 2, 3}))
	if _, err := short.Read(make([]byte, 32)); !errors.Is(err, qerrors.ErrInsufficientRandomness) {
		t.Errorf("short source: got %v", err)
	}
}

// --- AEAD Tests ---

func TestAEADRoundTrip(t *testing.T) {
	for _, alg := range aeadAlgorithms {
		t.Run(alg.String(), func(t *testing.T) {
			aead := newAEAD(t, alg)
			plaintext := []byte("Hello, quantum-resistant world!")
			additionalData := []byte("additional data")

			ciphertext, err := aead.Seal(plaintext, additionalData)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			decrypted, err := aead.Open(ciphertext, additionalData)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(plaintext, decrypted) {
				t.Error("Decrypted plaintext does not match original")
			}
			if aead.Algorithm() != alg {
				t.Errorf("Algorithm() = %v, want %v", aead.Algorithm(), alg)
			}
		})
	}
}

func TestAEADTamperedCiphertext(t *testing.T) {
	for _, alg := range aeadAlgorithms {
		t.Run(alg.String(), func(t *testing.T) {
			aead := newAEAD(t, alg)
			ciphertext, err := aead.Seal([]byte("Hello, quantum-resistant world!"), []byte("aad"))
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}

			ciphertext[len(ciphertext)-1] ^= 0xFF
			_, err = aead.Open(ciphertext, []byte("aad"))
			if !errors.Is(err, qerrors.ErrAuthenticationFailed) {
				t.Fatalf("got %v, want ErrAuthenticationFailed", err)
			}
			if qerrors.KindOf(err) != qerrors.KindAuthentication {
				t.Errorf("KindOf = %v, want AuthenticationFailure", qerrors.KindOf(err))
			}
		})
	}
}

func TestAEADWrongAAD(t *testing.T) {
	aead := newAEAD(t, constants.AEADAES256GCM)
	ciphertext, err := aead.Seal([]byte("payload"), []byte("additional data"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := aead.Open(ciphertext, []byte("wrong data")); err == nil {
		t.Error("Expected error for wrong AAD")
	}
}

func TestAEADSequenceNumbers(t *testing.T) {
	aead := newAEAD(t, constants.AEADAES256GCM)
	if aead.Counter() != 0 {
		t.Errorf("Initial counter: got %d, want 0", aead.Counter())
	}

	for i := 0; i < 10; i++ {
		ct, err := aead.Seal([]byte("test"), nil)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if got := binary.BigEndian.Uint64(ct[:crypto.SequenceSize]); got != uint64(i) {
			t.Fatalf("message %d carries sequence %d", i, got)
		}
	}

	if aead.Counter() != 10 {
		t.Errorf("Counter after 10 encryptions: got %d, want 10", aead.Counter())
	}
}

func TestAEADRejectsReplayAndReorder(t *testing.T) {
	key := crypto.MustSecureRandomBytes(32)
	sender, err := crypto.NewAEAD(constants.AEADChaCha20Poly1305, key)
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := crypto.NewAEAD(constants.AEADChaCha20Poly1305, key)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := sender.Seal([]byte("one"), nil)
	second, _ := sender.Seal([]byte("two"), nil)

	if _, err := receiver.Open(second, nil); !errors.Is(err, qerrors.ErrReplayDetected) {
		t.Errorf("out of order: got %v, want ErrReplayDetected", err)
	}
	if _, err := receiver.Open(first, nil); err != nil {
		t.Fatalf("Open(first) failed: %v", err)
	}
	_, err = receiver.Open(first, nil)
	if !errors.Is(err, qerrors.ErrReplayDetected) {
		t.Errorf("replay: got %v, want ErrReplayDetected", err)
	}
	if qerrors.KindOf(err) != qerrors.KindAuthentication {
		t.Errorf("KindOf = %v, want AuthenticationFailure", qerrors.KindOf(err))
	}
	if pt, err := receiver.Open(second, nil); err != nil || string(pt) != "two" {
		t.Errorf("Open(second) = %q, %v", pt, err)
	}
}

func TestAEADFailedOpenKeepsSequence(t *testing.T) {
	aead := newAEAD(t, constants.AEADAES256GCM)
	ct, err := aead.Seal([]byte("payload"), nil)
	if err != nil {
		t.Fatal(err)
	}
	forged := append([]byte(nil), ct...)
	forged[len(forged)-1] ^= 1
	if _, err := aead.Open(forged, nil); !errors.Is(err, qerrors.ErrAuthenticationFailed) {
		t.Fatalf("forged: got %v", err)
	}
	if _, err := aead.Open(ct, nil); err != nil {
		t.Errorf("genuine message rejected after a forgery: %v", err)
	}
}

func TestAEADInvalidParameters(t *testing.T) {
	if _, err := crypto.NewAEAD(constants.AEADAES256GCM, make([]byte, 16)); !errors.Is(err, qerrors.ErrInvalidKeySize) {
		t.Errorf("short key: got %v", err)
	}
	if _, err := crypto.NewAEAD(constants.AEADUnknown, make([]byte, 32)); !errors.Is(err, qerrors.ErrUnsupportedCipherSuite) {
		t.Errorf("unknown algorithm: got %v", err)
	}

	aead := newAEAD(t, constants.AEADChaCha20Poly1305)
	if _, err := aead.Open(make([]byte, 10), nil); !errors.Is(err, qerrors.ErrCiphertextTooShort) {
		t.Errorf("short ciphertext: got %v", err)
	}
}

func TestAEADSizes(t *testing.T) {
	for _, alg := range aeadAlgorithms {
		aead := newAEAD(t, alg)
		if got := aead.Overhead(); got != crypto.SequenceSize+constants.AESTagSize {
			t.Errorf("%v Overhead: got %d, want %d", alg, got, crypto.SequenceSize+constants.AESTagSize)
		}
		if got := aead.NonceSize(); got != constants.AESNonceSize {
			t.Errorf("%v NonceSize: got %d, want %d", alg, got, constants.AESNonceSize)
		}
	}
}

func TestAEADSealWithNonce(t *testing.T) {
	for _, alg := range aeadAlgorithms {
		t.Run(alg.String(), func(t *testing.T) {
			aead := newAEAD(t, alg)
			nonce := crypto.MustSecureRandomBytes(constants.AESNonceSize)
			plaintext := []byte("test message")
			additionalData := []byte("aad")

			ciphertext, err := aead.SealWithNonce(nonce, plaintext, additionalData)
			if err != nil {
				t.Fatalf("SealWithNonce failed: %v", err)
			}
			if len(ciphertext) != len(plaintext)+constants.AESTagSize {
				t.Errorf("ciphertext length = %d", len(ciphertext))
			}

			decrypted, err := aead.OpenWithNonce(nonce, ciphertext, additionalData)
			if err != nil {
				t.Fatalf("OpenWithNonce failed: %v", err)
			}
			if !bytes.Equal(plaintext, decrypted) {
				t.Error("Decrypted plaintext does not match original")
			}

			if _, err := aead.SealWithNonce([]byte("short"), plaintext, additionalData); !errors.Is(err, qerrors.ErrInvalidNonce) {
				t.Errorf("short nonce: got %v", err)
			}
			if _, err := aead.OpenWithNonce([]byte("short"), ciphertext, additionalData); !errors.Is(err, qerrors.ErrInvalidNonce) {
				t.Errorf("short nonce in OpenWithNonce: got %v", err)
			}
			if _, err := aead.OpenWithNonce(nonce, []byte("short"), additionalData); !errors.Is(err, qerrors.ErrCiphertextTooShort) {
				t.Errorf("short ciphertext in OpenWithNonce: got %v", err)
			}
		})
	}
}

func BenchmarkAEADSeal(b *testing.B) {
	payload := make([]byte, 1024)
	for _, alg := range aeadAlgorithms {
		b.Run(alg.String(), func(b *testing.B) {
			aead := newAEAD(b, alg)
			nonce := make([]byte, constants.AESNonceSize)
			b.SetBytes(int64(len(payload)))
			for i := 0; i < b.N; i++ {
				_, _ = aead.SealWithNonce(nonce, payload, nil)
			}
		})
	}
}
