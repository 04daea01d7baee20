// shake.go adapts the FIPS 202 SHAKE functions to the sponge state machine.
//
// SHAKE128 and SHAKE256 use Keccak-f[1600] with capacities of 256 and 512 bits.
// Padding (the 0x1F domain suffix and the final 0x80 bit) is applied by the
// underlying implementation on the first read.
package sponge

import (
	"golang.org/x/crypto/sha3"
)

type shake struct {
	bits int
	h    sha3.ShakeHash
}

func newShake(bits int) *shake {
	s := &shake{bits: bits}
	s.reset()
	return s
}

func (s *shake) absorb(p []byte) {
	_, _ = s.h.Write(p) // never fails while absorbing
}

func (s *shake) finalize() {}

func (s *shake) squeeze(p []byte) {
	_, _ = s.h.Read(p) // SHAKE Read never fails
}

func (s *shake) clone() permutation {
	return &shake{bits: s.bits, h: s.h.Clone()}
}

func (s *shake) reset() {
	if s.bits == 128 {
		s.h = sha3.NewShake128()
	} else {
		s.h = sha3.NewShake256()
	}
}

func (s *shake) zero() {
	s.h.Reset()
}
