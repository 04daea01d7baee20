// ascon.go implements Ascon-XOF128 (NIST SP 800-232).
//
// The Ascon permutation operates on a 320-bit state of five 64-bit lanes
// x0..x4. Each round applies:
//
//  1. Constant addition: x2 ^= c_i
//  2. Substitution: a 5-bit S-box applied bitsliced across the lanes
//  3. Linear diffusion: x_j ^= (x_j >>> a_j) ^ (x_j >>> b_j)
//
// Ascon-XOF128 absorbs and squeezes 8 bytes per call of Ascon-p[12], with
// lanes loaded little-endian and padding 0x01 after the last message byte.
package sponge

import (
	"encoding/binary"
	"math/bits"
)

// asconXOF128IV is the initialization vector of Ascon-XOF128.
const asconXOF128IV = 0x0000080000cc0003

// asconRoundConstants holds c_i for the 12 rounds of Ascon-p[12].
var asconRoundConstants = [12]uint64{
	0xf0, 0xe1, 0xd2, 0xc3, 0xb4, 0xa5, 0x96, 0x87, 0x78, 0x69, 0x5a, 0x4b,
}

// asconInitState is Ascon-p[12] applied to (IV, 0, 0, 0, 0).
var asconInitState = func() [5]uint64 {
	s := [5]uint64{asconXOF128IV}
	asconP12(&s)
	return s
}()

type ascon struct {
	s [5]uint64

	// absorbing: partial input block
	buf [8]byte
	n   int

	// squeezing: current output block and read offset
	out [8]byte
	off int
}

func newAscon() *ascon {
	a := &ascon{}
	a.reset()
	return a
}

func (a *ascon) absorb(p []byte) {
	if a.n > 0 {
		k := copy(a.buf[a.n:], p)
		a.n += k
		p = p[k:]
		if a.n < len(a.buf) {
			return
		}
		a.s[0] ^= binary.LittleEndian.Uint64(a.buf[:])
		asconP12(&a.s)
		a.n = 0
	}
	for len(p) >= 8 {
		a.s[0] ^= binary.LittleEndian.Uint64(p)
		asconP12(&a.s)
		p = p[8:]
	}
	a.n = copy(a.buf[:], p)
}

func (a *ascon) finalize() {
	for i := a.n; i < len(a.buf); i++ {
		a.buf[i] = 0
	}
	a.s[0] ^= binary.LittleEndian.Uint64(a.buf[:]) ^ (uint64(0x01) << (8 * uint(a.n)))
	asconP12(&a.s)
	a.n = 0
	binary.LittleEndian.PutUint64(a.out[:], a.s[0])
	a.off = 0
}

func (a *ascon) squeeze(p []byte) {
	for len(p) > 0 {
		if a.off == len(a.out) {
			asconP12(&a.s)
			binary.LittleEndian.PutUint64(a.out[:], a.s[0])
			a.off = 0
		}
		k := copy(p, a.out[a.off:])
		a.off += k
		p = p[k:]
	}
}

func (a *ascon) clone() permutation {
	c := *a
	return &c
}

func (a *ascon) reset() {
	a.zero()
	a.s = asconInitState
}

func (a *ascon) zero() {
	a.s = [5]uint64{}
	a.buf = [8]byte{}
	a.out = [8]byte{}
	a.n = 0
	a.off = 0
}

// asconP12 applies the 12-round Ascon permutation in place.
func asconP12(s *[5]uint64) {
	x0, x1, x2, x3, x4 := s[0], s[1], s[2], s[3], s[4]
	for _, c := range asconRoundConstants {
		x2 ^= c

		x0 ^= x4
		x4 ^= x3
		x2 ^= x1
		t0 := x0 ^ (^x1 & x2)
		t1 := x1 ^ (^x2 & x3)
		t2 := x2 ^ (^x3 & x4)
		t3 := x3 ^ (^x4 & x0)
		t4 := x4 ^ (^x0 & x1)
		t1 ^= t0
		t0 ^= t4
		t3 ^= t2
		t2 = ^t2

		x0 = t0 ^ bits.RotateLeft64(t0, -19) ^ bits.RotateLeft64(t0, -28)
		x1 = t1 ^ bits.RotateLeft64(t1, -61) ^ bits.RotateLeft64(t1, -39)
		x2 = t2 ^ bits.RotateLeft64(t2, -1) ^ bits.RotateLeft64(t2, -6)
		x3 = t3 ^ bits.RotateLeft64(t3, -10) ^ bits.RotateLeft64(t3, -17)
		x4 = t4 ^ bits.RotateLeft64(t4, -7) ^ bits.RotateLeft64(t4, -41)
	}
	s[0], s[1], s[2], s[3], s[4] = x0, x1, x2, x3, x4
}
