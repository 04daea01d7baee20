package kem_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/kem"
	"github.com/pzverkov/quantum-kemtls/pkg/sponge"
)

// detReader returns a deterministic randomness stream for label.
func detReader(t testing.TB, label string) *sponge.State {
	t.Helper()
	s, err := sponge.New(constants.XOFShake128)
	if err != nil {
		t.Fatalf("sponge.New failed: %v", err)
	}
	_ = s.Absorb([]byte(label))
	return s
}

func mustKeyPair(t testing.TB, ps constants.ParameterSet) *kem.KeyPair {
	t.Helper()
	kp, err := kem.GenerateKeyPair(ps, rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair(%v) failed: %v", ps, err)
	}
	return kp
}

// TestSchemeSizes pins the circl schemes to the FIPS 203 sizes.
func TestSchemeSizes(t *testing.T) {
	for _, ps := range constants.ParameterSets {
		t.Run(ps.String(), func(t *testing.T) {
			scheme, err := kem.Scheme(ps)
			if err != nil {
				t.Fatalf("Scheme failed: %v", err)
			}
			if scheme.PublicKeySize() != ps.PublicKeySize() {
				t.Errorf("PublicKeySize = %d, want %d", scheme.PublicKeySize(), ps.PublicKeySize())
			}
			if scheme.PrivateKeySize() != ps.PrivateKeySize() {
				t.Errorf("PrivateKeySize = %d, want %d", scheme.PrivateKeySize(), ps.PrivateKeySize())
			}
			if scheme.CiphertextSize() != ps.CiphertextSize() {
				t.Errorf("CiphertextSize = %d, want %d", scheme.CiphertextSize(), ps.CiphertextSize())
			}
			if scheme.SharedKeySize() != constants.MLKEMSharedSecretSize {
				t.Errorf("SharedKeySize = %d, want %d", scheme.SharedKeySize(), constants.MLKEMSharedSecretSize)
			}
		})
	}
}

// TestRoundTrip verifies encapsulation and decapsulation agree for every parameter set.
func TestRoundTrip(t *testing.T) {
	for _, ps := range constants.ParameterSets {
		t.Run(ps.String(), func(t *testing.T) {
			for i := 0; i < 5; i++ {
				kp := mustKeyPair(t, ps)

				if got := len(kp.PublicKeyBytes()); got != ps.PublicKeySize() {
					t.Fatalf("public key length = %d, want %d", got, ps.PublicKeySize())
				}
				if got := len(kp.DecapsulationKey.Bytes()); got != ps.PrivateKeySize() {
					t.Fatalf("private key length = %d, want %d", got, ps.PrivateKeySize())
				}

				ct, ss, err := kem.Encapsulate(kp.EncapsulationKey, rand.Reader)
				if err != nil {
					t.Fatalf("Encapsulate failed: %v", err)
				}
				if len(ct) != ps.CiphertextSize() {
					t.Fatalf("ciphertext length = %d, want %d", len(ct), ps.CiphertextSize())
				}
				if len(ss) != constants.MLKEMSharedSecretSize {
					t.Fatalf("shared secret length = %d, want 32", len(ss))
				}

				recovered, err := kem.Decapsulate(kp.DecapsulationKey, ct)
				if err != nil {
					t.Fatalf("Decapsulate failed: %v", err)
				}
				if !bytes.Equal(ss, recovered) {
					t.Fatal("shared secrets do not match")
				}
			}
		})
	}
}

// TestImplicitRejection verifies that a tampered ciphertext decapsulates without
// error to a deterministic secret unrelated to the real one.
func TestImplicitRejection(t *testing.T) {
	for _, ps := range constants.ParameterSets {
		t.Run(ps.String(), func(t *testing.T) {
			kp := mustKeyPair(t, ps)
			ct, ss, err := kem.Encapsulate(kp.EncapsulationKey, rand.Reader)
			if err != nil {
				t.Fatalf("Encapsulate failed: %v", err)
			}

			for _, pos := range []int{0, len(ct) / 2, len(ct) - 1} {
				tampered := append([]byte(nil), ct...)
				tampered[pos] ^= 0x01

				r1, err := kem.Decapsulate(kp.DecapsulationKey, tampered)
				if err != nil {
					t.Fatalf("Decapsulate(tampered) returned error: %v", err)
				}
				r2, err := kem.Decapsulate(kp.DecapsulationKey, tampered)
				if err != nil {
					t.Fatalf("Decapsulate(tampered) returned error: %v", err)
				}
				if len(r1) != constants.MLKEMSharedSecretSize {
					t.Fatalf("rejection secret length = %d", len(r1))
				}
				if !bytes.Equal(r1, r2) {
					t.Error("implicit rejection is not deterministic")
				}
				if bytes.Equal(r1, ss) {
					t.Error("tampered ciphertext recovered the real secret")
				}
			}
		})
	}
}

// TestDeterministicGeneration verifies keys and ciphertexts depend only on randomness.
func TestDeterministicGeneration(t *testing.T) {
	ps := constants.MLKEM768

	kp1, err := kem.GenerateKeyPair(ps, detReader(t, "keygen"))
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	kp2, err := kem.GenerateKeyPair(ps, detReader(t, "keygen"))
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if !kp1.EncapsulationKey.Equal(kp2.EncapsulationKey) {
		t.Fatal("same seed produced different public keys")
	}
	if !bytes.Equal(kp1.DecapsulationKey.Bytes(), kp2.DecapsulationKey.Bytes()) {
		t.Fatal("same seed produced different private keys")
	}

	ct1, ss1, _ := kem.Encapsulate(kp1.EncapsulationKey, detReader(t, "encaps"))
	ct2, ss2, _ := kem.Encapsulate(kp1.EncapsulationKey, detReader(t, "encaps"))
	if !bytes.Equal(ct1, ct2) || !bytes.Equal(ss1, ss2) {
		t.Error("same randomness produced different encapsulations")
	}

	ct3, _, _ := kem.Encapsulate(kp1.EncapsulationKey, detReader(t, "other"))
	if bytes.Equal(ct1, ct3) {
		t.Error("different randomness produced the same ciphertext")
	}

	// The same seed must not yield related keys across parameter sets.
	kp512, _ := kem.GenerateKeyPair(constants.MLKEM512, detReader(t, "keygen"))
	if bytes.Equal(kp512.PublicKeyBytes()[:32], kp1.PublicKeyBytes()[:32]) {
		t.Error("seed expansion is not separated by parameter set")
	}
}

// TestInsufficientRandomness covers short reads and stuck sources.
func TestInsufficientRandomness(t *testing.T) {
	tests := []struct {
		name string
		src  []byte
	}{
		{"empty", nil},
		{"short", make([]byte, 16)},
		{"all zero", make([]byte, 64)},
		{"all 0xAA", bytes.Repeat([]byte{0xAA}, 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kem.GenerateKeyPair(constants.MLKEM512, bytes.NewReader(tt.src))
			if !errors.Is(err, qerrors.ErrInsufficientRandomness) {
				t.Fatalf("got %v, want ErrInsufficientRandomness", err)
			}
			if qerrors.KindOf(err) != qerrors.KindResourceExhaustion {
				t.Errorf("KindOf = %v, want ResourceExhaustion", qerrors.KindOf(err))
			}
		})
	}

	kp := mustKeyPair(t, constants.MLKEM512)
	_, _, err := kem.Encapsulate(kp.EncapsulationKey, bytes.NewReader(make([]byte, 8)))
	if !errors.Is(err, qerrors.ErrInsufficientRandomness) {
		t.Errorf("Encapsulate with short randomness: got %v", err)
	}
}

// TestParsePublicKey verifies length and encoding validation.
func TestParsePublicKey(t *testing.T) {
	kp := mustKeyPair(t, constants.MLKEM512)
	raw := kp.PublicKeyBytes()

	pk, err := kem.ParsePublicKey(constants.MLKEM512, raw)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if !pk.Equal(kp.EncapsulationKey) {
		t.Error("parsed key differs from original")
	}

	tests := []struct {
		name string
		ps   constants.ParameterSet
		data []byte
	}{
		{"short", constants.MLKEM512, raw[:len(raw)-1]},
		{"long", constants.MLKEM512, append(append([]byte(nil), raw...), 0)},
		{"wrong set", constants.MLKEM768, raw},
		{"empty", constants.MLKEM512, nil},
		// Coefficients of 0xFFF exceed q and are not a canonical encoding.
		{"non-canonical", constants.MLKEM512, bytes.Repeat([]byte{0xFF}, constants.MLKEM512PublicKeySize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kem.ParsePublicKey(tt.ps, tt.data)
			if !errors.Is(err, qerrors.ErrInvalidPublicKey) {
				t.Fatalf("got %v, want ErrInvalidPublicKey", err)
			}
			if qerrors.KindOf(err) != qerrors.KindFormat {
				t.Errorf("KindOf = %v, want FormatError", qerrors.KindOf(err))
			}
		})
	}

	if _, err := kem.ParsePublicKey(constants.ParameterSet(0x9999), raw); !errors.Is(err, qerrors.ErrUnsupportedParameterSet) {
		t.Errorf("unsupported set: got %v", err)
	}
}

// TestParsePrivateKey verifies a decoded private key decapsulates correctly.
func TestParsePrivateKey(t *testing.T) {
	kp := mustKeyPair(t, constants.MLKEM1024)
	dk, err := kem.ParsePrivateKey(constants.MLKEM1024, kp.DecapsulationKey.Bytes())
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	ct, ss, _ := kem.Encapsulate(kp.EncapsulationKey, rand.Reader)
	got, err := kem.Decapsulate(dk, ct)
	if err != nil || !bytes.Equal(got, ss) {
		t.Fatalf("Decapsulate with parsed key: %v", err)
	}
	if _, err := kem.ParsePrivateKey(constants.MLKEM1024, make([]byte, 10)); !errors.Is(err, qerrors.ErrInvalidPrivateKey) {
		t.Errorf("short private key: got %v", err)
	}
}

// TestDecapsulateInvalidLength verifies ciphertext lengths are checked exactly.
func TestDecapsulateInvalidLength(t *testing.T) {
	kp := mustKeyPair(t, constants.MLKEM512)
	for _, n := range []int{0, 767, 769, 1088} {
		_, err := kem.Decapsulate(kp.DecapsulationKey, make([]byte, n))
		if !errors.Is(err, qerrors.ErrInvalidCiphertext) {
			t.Errorf("len %d: got %v, want ErrInvalidCiphertext", n, err)
		}
		if qerrors.KindOf(err) != qerrors.KindFormat {
			t.Errorf("len %d: KindOf = %v, want FormatError", n, qerrors.KindOf(err))
		}
	}
}

// TestZeroize verifies the key pair cannot be used after zeroization.
func TestZeroize(t *testing.T) {
	kp := mustKeyPair(t, constants.MLKEM512)
	ct, _, _ := kem.Encapsulate(kp.EncapsulationKey, rand.Reader)

	kp.Zeroize()
	kp.Zeroize()

	if kp.DecapsulationKey.Bytes() != nil {
		t.Error("private key bytes still reachable after Zeroize")
	}
	if _, err := kem.Decapsulate(kp.DecapsulationKey, ct); !errors.Is(err, qerrors.ErrInvalidPrivateKey) {
		t.Errorf("Decapsulate after Zeroize: got %v", err)
	}
}

// TestNilInputs verifies nil keys are rejected instead of panicking.
func TestNilInputs(t *testing.T) {
	if _, _, err := kem.Encapsulate(nil, rand.Reader); !errors.Is(err, qerrors.ErrInvalidPublicKey) {
		t.Errorf("Encapsulate(nil): got %v", err)
	}
	if _, err := kem.Decapsulate(nil, nil); !errors.Is(err, qerrors.ErrInvalidPrivateKey) {
		t.Errorf("Decapsulate(nil): got %v", err)
	}
	kp := mustKeyPair(t, constants.MLKEM512)
	if _, _, err := kem.Encapsulate(kp.EncapsulationKey, nil); !errors.Is(err, qerrors.ErrInsufficientRandomness) {
		t.Errorf("Encapsulate(nil reader): got %v", err)
	}
}

// medianTime runs fn iterations times and returns the median duration.
func medianTime(iterations int, fn func()) time.Duration {
	samples := make([]time.Duration, iterations)
	for i := range samples {
		start := time.Now()
		fn()
		samples[i] = time.Since(start)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return samples[iterations/2]
}

// checkTimingRatio fails when two medians are further apart than a factor of 3.
func checkTimingRatio(t *testing.T, what string, a, b time.Duration) {
	t.Helper()
	ratio := float64(a) / float64(b)
	if ratio < 0.33 || ratio > 3.0 {
		t.Errorf("median %s time differs: %v vs %v", what, a, b)
	}
}

// patternReader repeats a fixed byte pattern forever.
type patternReader []byte

func (r patternReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r[i%len(r)]
	}
	return len(p), nil
}

// contrastingSeeds returns low- and high-weight 32-byte patterns. None is
// constant, so each passes the stuck-source check.
func contrastingSeeds() [][]byte {
	low := make([]byte, 32)
	low[31] = 0x01
	high := bytes.Repeat([]byte{0xFF}, 32)
	high[0] = 0xFE
	alternating := bytes.Repeat([]byte{0x00, 0xFF}, 16)
	return [][]byte{low, high, alternating}
}

// TestDecapsulationTiming compares valid and rejected decapsulation times.
// Implicit rejection must not be observably faster or slower than success.
func TestDecapsulationTiming(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test skipped in short mode")
	}

	const iterations = 200
	kp := mustKeyPair(t, constants.MLKEM768)
	ct, _, _ := kem.Encapsulate(kp.EncapsulationKey, rand.Reader)
	tampered := append([]byte(nil), ct...)
	tampered[10] ^= 0x80

	decap := func(c []byte) func() {
		return func() { _, _ = kem.Decapsulate(kp.DecapsulationKey, c) }
	}

	// Warm up caches before measuring.
	medianTime(iterations, decap(ct))

	valid := medianTime(iterations, decap(ct))
	rejected := medianTime(iterations, decap(tampered))
	checkTimingRatio(t, "decapsulation", valid, rejected)
}

// TestKeyGenerationTiming compares key generation from low-weight,
// high-weight and random seeds.
func TestKeyGenerationTiming(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test skipped in short mode")
	}

	const iterations = 200
	random := make([]byte, constants.MLKEMSeedSize)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	keygen := func(seed []byte) func() {
		return func() {
			kp, err := kem.NewKeyPairFromSeed(constants.MLKEM768, seed)
			if err != nil {
				t.Fatalf("NewKeyPairFromSeed failed: %v", err)
			}
			kp.Zeroize()
		}
	}

	medianTime(iterations, keygen(random))
	base := medianTime(iterations, keygen(random))
	for _, seed := range append(contrastingSeeds(), make([]byte, constants.MLKEMSeedSize)) {
		checkTimingRatio(t, "key generation", medianTime(iterations, keygen(seed)), base)
	}
}

// TestEncapsulationTiming compares encapsulation under fixed low- and
// high-weight randomness against random input for the same key.
func TestEncapsulationTiming(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test skipped in short mode")
	}

	const iterations = 200
	kp := mustKeyPair(t, constants.MLKEM768)
	encap := func(r io.Reader) func() {
		return func() {
			if _, _, err := kem.Encapsulate(kp.EncapsulationKey, r); err != nil {
				t.Fatalf("Encapsulate failed: %v", err)
			}
		}
	}

	medianTime(iterations, encap(rand.Reader))
	base := medianTime(iterations, encap(rand.Reader))
	for _, pattern := range contrastingSeeds() {
		checkTimingRatio(t, "encapsulation", medianTime(iterations, encap(patternReader(pattern))), base)
	}
}

func BenchmarkKEM(b *testing.B) {
	for _, ps := range constants.ParameterSets {
		kp := mustKeyPair(b, ps)
		ct, _, _ := kem.Encapsulate(kp.EncapsulationKey, rand.Reader)

		b.Run(ps.String()+"/KeyGen", func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_, _ = kem.GenerateKeyPair(ps, rand.Reader)
			}
		})
		b.Run(ps.String()+"/Encapsulate", func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_, _, _ = kem.Encapsulate(kp.EncapsulationKey, rand.Reader)
			}
		})
		b.Run(ps.String()+"/Decapsulate", func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_, _ = kem.Decapsulate(kp.DecapsulationKey, ct)
			}
		})
	}
}
