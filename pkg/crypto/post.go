// post.go implements the power-on self tests, run once when the package is
// loaded and again on demand by the metrics health check:
//
//   - SHAKE128/256: FIPS 202 empty-message vectors
//   - Ascon-XOF128: streaming and determinism
//   - AES-256-GCM: GCM specification test case 14
//   - ChaCha20-Poly1305: round trip and forgery rejection
//   - ML-KEM-512/768/1024: seeded round trip and implicit rejection
//   - ML-DSA-44: sign, verify and forgery rejection
//
// A failure panics in FIPS builds and is only recorded otherwise.
package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	"github.com/pzverkov/quantum-kemtls/pkg/kem"
	"github.com/pzverkov/quantum-kemtls/pkg/sponge"
)

// POST KAT (Known Answer Test) values
var (
	// SHAKE-128("") and SHAKE-256(""), first 32 bytes
	postKATShake128Expected, _ = hex.DecodeString("7f9c2ba4e88f827d616045507605853ed73b8093f6efbc88eb1a6eacfa66ef26")
	postKATShake256Expected, _ = hex.DecodeString("46b9dd2b0ba88d13233b3feb743eeb243fcd52ea62b81b82b50c27646ed5762f")

	// AES-256-GCM, zero key, zero nonce, 16 zero bytes of plaintext
	postKATAESKey         = make([]byte, 32)
	postKATAESNonce       = make([]byte, 12)
	postKATAESPlaintext   = make([]byte, 16)
	postKATAESExpected, _ = hex.DecodeString("cea7403d4d606b6e074ec5d3baf39d18d0d1c8a799996bf0265b98b5d48ab919")

	// Deterministic seeds for the consistency tests
	postKATKEMSeed, _ = hex.DecodeString("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	postKATMessage   = []byte("POST-KAT-TEST")
)

// POSTResult contains the results of Power-On Self-Tests
type POSTResult struct {
	Passed      bool
	ShakePassed bool
	AsconPassed bool
	AEADPassed  bool
	KEMPassed   bool
	MLDSAPassed bool
	Errors      []string
}

// postResult stores the cached POST result
var (
	postResult     *POSTResult
	postResultOnce sync.Once
	postRan        bool
)

// RunPOST executes the Power-On Self-Tests and returns the results.
// This function is safe to call multiple times; tests only run once.
func RunPOST() *POSTResult {
	postResultOnce.Do(func() {
		postResult = &POSTResult{Passed: true}

		record := func(name string, passed *bool, err error) {
			if err != nil {
				postResult.Passed = false
				postResult.Errors = append(postResult.Errors, fmt.Sprintf("%s failed: %v", name, err))
				return
			}
			*passed = true
		}

		record("SHAKE KAT", &postResult.ShakePassed, runShakeKAT())
		record("Ascon-XOF128 self test", &postResult.AsconPassed, runAsconSelfTest())
		record("AEAD KAT", &postResult.AEADPassed, runAEADKAT())
		record("ML-KEM self test", &postResult.KEMPassed, runKEMSelfTest())
		record("ML-DSA-44 self test", &postResult.MLDSAPassed, runMLDSASelfTest())

		postRan = true

		// In FIPS mode, POST failures are fatal
		if FIPSMode() && !postResult.Passed {
			panic(fmt.Sprintf("FIPS POST failed: %v", postResult.Errors))
		}
	})

	return postResult
}

// POSTRan returns true if POST has been executed
func POSTRan() bool {
	return postRan
}

// POSTPassed returns true if POST has run and all tests passed
func POSTPassed() bool {
	if postResult == nil {
		return false
	}
	return postResult.Passed
}

// runShakeKAT verifies SHAKE-128 and SHAKE-256 against FIPS 202 vectors
func runShakeKAT() error {
	for _, kat := range []struct {
		alg  constants.XOF
		want []byte
	}{
		{constants.XOFShake128, postKATShake128Expected},
		{constants.XOFShake256, postKATShake256Expected},
	} {
		got, err := sponge.Sum(kat.alg, len(kat.want))
		if err != nil {
			return fmt.Errorf("%v: %w", kat.alg, err)
		}
		if !bytes.Equal(got, kat.want) {
			return fmt.Errorf("%v output mismatch: got %x, want %x", kat.alg, got, kat.want)
		}
	}
	return nil
}

// runAsconSelfTest verifies Ascon-XOF128 determinism, streaming absorb and
// input sensitivity
func runAsconSelfTest() error {
	a, err := sponge.Sum(constants.XOFAscon128, 32, postKATMessage)
	if err != nil {
		return err
	}
	b, err := sponge.Sum(constants.XOFAscon128, 32, postKATMessage[:5], postKATMessage[5:])
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return fmt.Errorf("streaming absorb mismatch")
	}
	c, err := sponge.Sum(constants.XOFAscon128, 32, postKATMessage[:len(postKATMessage)-1])
	if err != nil {
		return err
	}
	if bytes.Equal(a, c) {
		return fmt.Errorf("output does not depend on input")
	}
	return nil
}

// runAEADKAT checks AES-256-GCM against a known answer and both record
// ciphers for round trip and forgery rejection, through the AEAD wrapper.
func runAEADKAT() error {
	gcm, err := NewAEAD(constants.AEADAES256GCM, postKATAESKey)
	if err != nil {
		return err
	}
	ct, err := gcm.SealWithNonce(postKATAESNonce, postKATAESPlaintext, nil)
	if err != nil {
		return err
	}
	if !bytes.Equal(ct, postKATAESExpected) {
		return fmt.Errorf("AES-GCM encrypt mismatch: got %x, want %x", ct, postKATAESExpected)
	}
	if pt, err := gcm.OpenWithNonce(postKATAESNonce, ct, nil); err != nil || !bytes.Equal(pt, postKATAESPlaintext) {
		return fmt.Errorf("AES-GCM decrypt mismatch")
	}

	for _, alg := range []constants.AEADAlgorithm{constants.AEADAES256GCM, constants.AEADChaCha20Poly1305} {
		a, err := NewAEAD(alg, postKATKEMSeed)
		if err != nil {
			return err
		}
		sealed, err := a.Seal(postKATMessage, postKATAESKey)
		if err != nil {
			return err
		}
		forged := append([]byte(nil), sealed...)
		forged[len(forged)-1] ^= 0x01
		if _, err := a.Open(forged, postKATAESKey); err == nil {
			return fmt.Errorf("%v accepted a forged ciphertext", alg)
		}
		if pt, err := a.Open(sealed, postKATAESKey); err != nil || !bytes.Equal(pt, postKATMessage) {
			return fmt.Errorf("%v round trip failed", alg)
		}
	}
	return nil
}

// runKEMSelfTest verifies every ML-KEM parameter set with deterministic keys:
// the round trip must agree and a tampered ciphertext must be implicitly rejected
func runKEMSelfTest() error {
	for _, ps := range constants.ParameterSets {
		kp, err := kem.NewKeyPairFromSeed(ps, postKATKEMSeed)
		if err != nil {
			return fmt.Errorf("%v: NewKeyPairFromSeed failed: %w", ps, err)
		}

		if got := len(kp.PublicKeyBytes()); got != ps.PublicKeySize() {
			return fmt.Errorf("%v: public key size mismatch: got %d, want %d", ps, got, ps.PublicKeySize())
		}

		encRand, err := sponge.New(constants.XOFShake128)
		if err != nil {
			return err
		}
		_ = encRand.Absorb(postKATMessage)

		ciphertext, ss1, err := kem.Encapsulate(kp.EncapsulationKey, encRand)
		if err != nil {
			return fmt.Errorf("%v: Encapsulate failed: %w", ps, err)
		}
		if len(ciphertext) != ps.CiphertextSize() {
			return fmt.Errorf("%v: ciphertext size mismatch: got %d, want %d", ps, len(ciphertext), ps.CiphertextSize())
		}

		ss2, err := kem.Decapsulate(kp.DecapsulationKey, ciphertext)
		if err != nil {
			return fmt.Errorf("%v: Decapsulate failed: %w", ps, err)
		}
		if !bytes.Equal(ss1, ss2) {
			return fmt.Errorf("%v: shared secret mismatch after decapsulation", ps)
		}

		ciphertext[0] ^= 0x01
		rejected, err := kem.Decapsulate(kp.DecapsulationKey, ciphertext)
		if err != nil {
			return fmt.Errorf("%v: implicit rejection returned error: %w", ps, err)
		}
		if bytes.Equal(rejected, ss1) {
			return fmt.Errorf("%v: tampered ciphertext was accepted", ps)
		}
		kp.Zeroize()
	}
	return nil
}

// runMLDSASelfTest verifies ML-DSA-44 signing with a deterministic key
func runMLDSASelfTest() error {
	key, err := GenerateIdentityKey(bytes.NewReader(postKATKEMSeed))
	if err != nil {
		return fmt.Errorf("GenerateIdentityKey failed: %w", err)
	}
	sig, err := key.Sign(postKATMessage)
	if err != nil {
		return fmt.Errorf("Sign failed: %w", err)
	}

	var v MLDSA44Verifier
	if !v.Verify(sig, postKATMessage, key.PublicKey()) {
		return fmt.Errorf("signature did not verify")
	}
	if v.Verify(sig, postKATMessage[1:], key.PublicKey()) {
		return fmt.Errorf("signature verified for a different message")
	}
	return nil
}

// init runs POST automatically when the package is loaded
func init() {
	RunPOST()
}
