// Package sponge implements the sponge state machine used for transcript hashing
// and key derivation.
//
// A sponge keeps a fixed-width permutation state split into a rate portion, which
// input is XORed into and output is read from, and a capacity portion that is never
// exposed. The state moves through three phases:
//
//	ABSORBING --(first Squeeze/Read)--> SQUEEZING --(Clear)--> CLEARED
//	    ^                                                          |
//	    +--------------------------(Init)--------------------------+
//
// Absorbing after output has been produced is rejected with ErrInvalidState, so a
// squeezed value can never be extended by a later input.
//
// Supported algorithms:
//   - Ascon-XOF128 (NIST SP 800-232): 320-bit state, 64-bit rate, Ascon-p[12]
//   - SHAKE128 and SHAKE256 (FIPS 202): Keccak-f[1600] through golang.org/x/crypto/sha3
//
// Raw Absorb is a streaming interface: absorbing "AB" then "CD" is identical to
// absorbing "ABCD". AbsorbFramed and Derive length-prefix every input so that
// distinct input tuples never collide.
package sponge

import (
	"encoding/binary"
	"io"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
)

// Phase is the lifecycle phase of a sponge state.
type Phase uint8

const (
	// PhaseAbsorbing accepts input.
	PhaseAbsorbing Phase = iota
	// PhaseSqueezing produces output; further input is rejected.
	PhaseSqueezing
	// PhaseCleared is terminal until Init.
	PhaseCleared
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseAbsorbing:
		return "ABSORBING"
	case PhaseSqueezing:
		return "SQUEEZING"
	case PhaseCleared:
		return "CLEARED"
	default:
		return "UNKNOWN"
	}
}

// permutation is the algorithm-specific part of a sponge.
type permutation interface {
	absorb(p []byte)
	// finalize pads the last block; called once before the first output byte.
	finalize()
	squeeze(p []byte)
	clone() permutation
	// reset restores the initialization vector.
	reset()
	// zero wipes all state bytes.
	zero()
}

// Option configures a sponge state.
type Option func(*State)

// WithOutputLimit caps the number of bytes the state may produce.
func WithOutputLimit(n uint64) Option {
	return func(s *State) {
		s.limit = n
	}
}

// State is a sponge in one of the phases ABSORBING, SQUEEZING or CLEARED.
// A State is not safe for concurrent use.
type State struct {
	alg      constants.XOF
	phase    Phase
	perm     permutation
	produced uint64
	limit    uint64
}

// New returns a state for alg, initialized and ready to absorb.
func New(alg constants.XOF, opts ...Option) (*State, error) {
	var perm permutation
	switch alg {
	case constants.XOFAscon128:
		perm = newAscon()
	case constants.XOFShake128:
		perm = newShake(128)
	case constants.XOFShake256:
		perm = newShake(256)
	default:
		return nil, qerrors.NewCryptoError("sponge.New", qerrors.ErrUnsupportedXOF)
	}

	s := &State{
		alg:   alg,
		phase: PhaseAbsorbing,
		perm:  perm,
		limit: constants.MaxXOFOutputBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init resets the state to the algorithm's initialization vector. It is the only
// way to leave the SQUEEZING or CLEARED phase.
func (s *State) Init() {
	s.perm.reset()
	s.phase = PhaseAbsorbing
	s.produced = 0
}

// Absorb XORs p into the rate portion, permuting after each full block.
func (s *State) Absorb(p []byte) error {
	if s.phase != PhaseAbsorbing {
		return qerrors.NewCryptoError("sponge.Absorb", qerrors.ErrInvalidState)
	}
	s.perm.absorb(p)
	return nil
}

// AbsorbFramed absorbs each input preceded by its 4-byte big-endian length.
func (s *State) AbsorbFramed(inputs ...[]byte) error {
	if s.phase != PhaseAbsorbing {
		return qerrors.NewCryptoError("sponge.AbsorbFramed", qerrors.ErrInvalidState)
	}
	var lenBuf [4]byte
	for _, in := range inputs {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(in)))
		s.perm.absorb(lenBuf[:])
		s.perm.absorb(in)
	}
	return nil
}

// Squeeze returns the next n output bytes. The first call finalizes absorption.
func (s *State) Squeeze(n int) ([]byte, error) {
	if n < 0 {
		return nil, qerrors.NewCryptoError("sponge.Squeeze", qerrors.ErrInvalidLength)
	}
	if s.phase == PhaseCleared {
		return nil, qerrors.NewCryptoError("sponge.Squeeze", qerrors.ErrInvalidState)
	}
	if uint64(n) > s.limit-s.produced {
		return nil, qerrors.NewCryptoError("sponge.Squeeze", qerrors.ErrOutputExhausted)
	}
	out := make([]byte, n)
	s.squeeze(out)
	return out, nil
}

// Read implements io.Reader over the output stream. It returns io.EOF once the
// output limit is reached.
func (s *State) Read(p []byte) (int, error) {
	if s.phase == PhaseCleared {
		return 0, qerrors.NewCryptoError("sponge.Read", qerrors.ErrInvalidState)
	}
	remaining := s.limit - s.produced
	if remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	s.squeeze(p)
	return len(p), nil
}

func (s *State) squeeze(p []byte) {
	if s.phase == PhaseAbsorbing {
		s.perm.finalize()
		s.phase = PhaseSqueezing
	}
	s.perm.squeeze(p)
	s.produced += uint64(len(p))
}

// Clear zeroes the whole state. It is idempotent and valid in any phase.
func (s *State) Clear() {
	if s.phase == PhaseCleared {
		return
	}
	s.perm.zero()
	s.phase = PhaseCleared
	s.produced = 0
}

// Clone returns an independent copy of the state, including its phase.
func (s *State) Clone() (*State, error) {
	if s.phase == PhaseCleared {
		return nil, qerrors.NewCryptoError("sponge.Clone", qerrors.ErrInvalidState)
	}
	c := *s
	c.perm = s.perm.clone()
	return &c, nil
}

// Phase returns the current phase.
func (s *State) Phase() Phase { return s.phase }

// Algorithm returns the XOF backing the state.
func (s *State) Algorithm() constants.XOF { return s.alg }

// Rate returns the rate portion in bytes.
func (s *State) Rate() int { return s.alg.Rate() }

// Capacity returns the capacity portion in bytes.
func (s *State) Capacity() int { return s.alg.Capacity() }

// Sum absorbs inputs back to back (no framing) and returns n output bytes.
func Sum(alg constants.XOF, n int, inputs ...[]byte) ([]byte, error) {
	s, err := New(alg)
	if err != nil {
		return nil, err
	}
	defer s.Clear()
	for _, in := range inputs {
		if err := s.Absorb(in); err != nil {
			return nil, err
		}
	}
	return s.Squeeze(n)
}

// Derive absorbs inputs with length framing and returns n output bytes.
func Derive(alg constants.XOF, n int, inputs ...[]byte) ([]byte, error) {
	s, err := New(alg)
	if err != nil {
		return nil, err
	}
	defer s.Clear()
	if err := s.AbsorbFramed(inputs...); err != nil {
		return nil, err
	}
	return s.Squeeze(n)
}
