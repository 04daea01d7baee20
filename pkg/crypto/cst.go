// cst.go implements conditional self tests, which run alongside normal
// operation rather than once at start-up. An ephemeral ML-KEM key pair is
// round-tripped before its public key leaves the process, and the randomness
// source is sampled periodically.
//
// FIPS builds enable both tests and panic on failure, so a session never
// proceeds with a broken key pair or generator. Standard builds leave them off
// unless SetCSTConfig turns them on, and report failures as errors.
package crypto

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/kem"
)

const defaultRNGCheckInterval = 1000

// CSTConfig selects which conditional self tests run.
type CSTConfig struct {
	// PairwiseTest round-trips every ephemeral KEM key pair.
	PairwiseTest bool

	// RNGHealthCheck samples the randomness source on every
	// RNGCheckInterval-th call to CheckRNG.
	RNGHealthCheck   bool
	RNGCheckInterval uint64
}

// DefaultCSTConfig enables every test in FIPS mode and none otherwise.
func DefaultCSTConfig() CSTConfig {
	return CSTConfig{
		PairwiseTest:     FIPSMode(),
		RNGHealthCheck:   FIPSMode(),
		RNGCheckInterval: defaultRNGCheckInterval,
	}
}

var (
	cstMu     sync.RWMutex
	cstConfig = DefaultCSTConfig()
	rngCalls  atomic.Uint64
)

// SetCSTConfig replaces the active configuration. A zero interval keeps the
// default.
func SetCSTConfig(cfg CSTConfig) {
	if cfg.RNGCheckInterval == 0 {
		cfg.RNGCheckInterval = defaultRNGCheckInterval
	}
	cstMu.Lock()
	cstConfig = cfg
	cstMu.Unlock()
	rngCalls.Store(0)
}

// GetCSTConfig returns the active configuration.
func GetCSTConfig() CSTConfig {
	cstMu.RLock()
	defer cstMu.RUnlock()
	return cstConfig
}

// CSTEnabled reports whether any conditional self test is active.
func CSTEnabled() bool {
	cfg := GetCSTConfig()
	return cfg.PairwiseTest || cfg.RNGHealthCheck
}

// PairwiseConsistencyTestKEM encapsulates to the key pair's public key and
// checks that decapsulation recovers the same non-zero secret.
func PairwiseConsistencyTestKEM(kp *kem.KeyPair) error {
	if kp == nil || kp.EncapsulationKey == nil || kp.DecapsulationKey == nil {
		return qerrors.NewCryptoError("cst.Pairwise", fmt.Errorf("%w: missing key", qerrors.ErrPairwiseConsistency))
	}

	ciphertext, want, err := kem.Encapsulate(kp.EncapsulationKey, Reader)
	if err != nil {
		return qerrors.NewCryptoError("cst.Pairwise", fmt.Errorf("%w: %v", qerrors.ErrPairwiseConsistency, err))
	}
	defer Zeroize(want)

	got, err := kem.Decapsulate(kp.DecapsulationKey, ciphertext)
	if err != nil {
		return qerrors.NewCryptoError("cst.Pairwise", fmt.Errorf("%w: %v", qerrors.ErrPairwiseConsistency, err))
	}
	defer Zeroize(got)

	if !ConstantTimeCompare(want, got) || (isConstant(got) && got[0] == 0) {
		return qerrors.NewCryptoError("cst.Pairwise", qerrors.ErrPairwiseConsistency)
	}
	return nil
}

// CheckKEMKeyPair runs PairwiseConsistencyTestKEM when the pairwise test is
// enabled. A failing key pair is zeroized.
func CheckKEMKeyPair(kp *kem.KeyPair) error {
	if !GetCSTConfig().PairwiseTest {
		return nil
	}
	if err := PairwiseConsistencyTestKEM(kp); err != nil {
		if kp != nil {
			kp.Zeroize()
		}
		return cstFailure(err)
	}
	return nil
}

// RNGHealthCheck draws two samples from r (Reader when nil) and rejects
// short, constant or repeated output.
func RNGHealthCheck(r io.Reader) error {
	hr := NewHealthCheckedReader(r)
	var first, second [32]byte
	if _, err := hr.Read(first[:]); err != nil {
		return err
	}
	if _, err := hr.Read(second[:]); err != nil {
		return err
	}
	return nil
}

// CheckRNG runs RNGHealthCheck on the first and then every
// RNGCheckInterval-th call when the RNG health check is enabled.
func CheckRNG(r io.Reader) error {
	cfg := GetCSTConfig()
	if !cfg.RNGHealthCheck {
		return nil
	}
	if (rngCalls.Add(1)-1)%cfg.RNGCheckInterval != 0 {
		return nil
	}
	if err := RNGHealthCheck(r); err != nil {
		return cstFailure(err)
	}
	return nil
}

func cstFailure(err error) error {
	if FIPSMode() {
		panic("crypto: conditional self test failed: " + err.Error())
	}
	return err
}
