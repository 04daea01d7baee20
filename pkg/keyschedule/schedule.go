// Package keyschedule derives handshake, application, finished and key update
// secrets from a KEM shared secret and the handshake transcript.
//
// Every derivation is a single extendable-output call over length-prefixed inputs:
//
//	output = XOF(
//	    len(secret) || secret ||
//	    len(transcript_hash) || transcript_hash ||
//	    len(label) || label,
//	    n
//	)
//
// Length prefixes are 4-byte big-endian integers, so distinct (secret, hash, label)
// tuples never share an encoding and distinct labels yield independent outputs.
//
// A Schedule refuses to derive the same label twice. Reusing a label under the
// same transcript would hand out the same key material to two consumers, so a
// second request fails with ErrLabelMisuse unless the label was registered as
// reusable. The key update label is reusable by default because every ratchet
// step feeds the previous key back in.
package keyschedule

import (
	"sync"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
	"github.com/pzverkov/quantum-kemtls/pkg/sponge"
)

// Secrets holds one set of directional traffic keys.
type Secrets struct {
	ClientKey         []byte
	ServerKey         []byte
	ClientIV          []byte
	ServerIV          []byte
	ClientFinishedKey []byte
	ServerFinishedKey []byte
}

// Zeroize wipes every key in the set.
func (s *Secrets) Zeroize() {
	if s == nil {
		return
	}
	crypto.ZeroizeMultiple(s.ClientKey, s.ServerKey, s.ClientIV, s.ServerIV,
		s.ClientFinishedKey, s.ServerFinishedKey)
}

// Clone returns a deep copy of the set.
func (s *Secrets) Clone() *Secrets {
	return &Secrets{
		ClientKey:         clone(s.ClientKey),
		ServerKey:         clone(s.ServerKey),
		ClientIV:          clone(s.ClientIV),
		ServerIV:          clone(s.ServerIV),
		ClientFinishedKey: clone(s.ClientFinishedKey),
		ServerFinishedKey: clone(s.ServerFinishedKey),
	}
}

// secretsSize is the amount of key material DeriveSecrets squeezes.
const secretsSize = 2*constants.TrafficKeySize + 2*constants.TrafficIVSize + 2*constants.FinishedKeySize

// Option configures a Schedule.
type Option func(*Schedule)

// WithReusableLabels marks additional labels as derivable more than once.
func WithReusableLabels(labels ...string) Option {
	return func(s *Schedule) {
		for _, l := range labels {
			s.reusable[l] = true
		}
	}
}

// Schedule derives keys from one session secret with one XOF. Both record
// directions ratchet through the same Schedule, so it is safe for concurrent
// use.
type Schedule struct {
	alg constants.XOF

	mu       sync.Mutex
	secret   []byte
	used     map[string]bool
	reusable map[string]bool
	zeroized bool
}

// New creates a schedule over a copy of secret.
func New(alg constants.XOF, secret []byte, opts ...Option) (*Schedule, error) {
	if !alg.IsSupported() {
		return nil, qerrors.NewCryptoError("keyschedule.New", qerrors.ErrUnsupportedXOF)
	}
	if len(secret) == 0 {
		return nil, qerrors.NewCryptoError("keyschedule.New", qerrors.ErrInvalidKeySize)
	}

	s := &Schedule{
		alg:      alg,
		secret:   clone(secret),
		used:     make(map[string]bool),
		reusable: map[string]bool{constants.LabelTrafficUpdate: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Algorithm returns the XOF the schedule derives with.
func (s *Schedule) Algorithm() constants.XOF {
	return s.alg
}

// Derive squeezes n bytes bound to label and transcriptHash.
func (s *Schedule) Derive(label string, transcriptHash []byte, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zeroized {
		return nil, qerrors.NewCryptoError("keyschedule.Derive", qerrors.ErrScheduleZeroized)
	}
	if n <= 0 || n > constants.MaxDeriveOutput {
		return nil, qerrors.NewCryptoError("keyschedule.Derive", qerrors.ErrInvalidKeySize)
	}
	if s.used[label] && !s.reusable[label] {
		return nil, qerrors.NewCryptoError("keyschedule.Derive", qerrors.ErrLabelMisuse)
	}

	out, err := sponge.Derive(s.alg, n, s.secret, transcriptHash, []byte(label))
	if err != nil {
		return nil, qerrors.NewCryptoError("keyschedule.Derive", err)
	}
	s.used[label] = true
	return out, nil
}

// DeriveSecrets derives a full set of directional keys for label.
// The handshake uses LabelHandshakeTraffic and LabelApplicationTraffic.
func (s *Schedule) DeriveSecrets(transcriptHash []byte, label string) (*Secrets, error) {
	material, err := s.Derive(label, transcriptHash, secretsSize)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(material)

	out := &Secrets{}
	rest := material
	for _, f := range []struct {
		dst  *[]byte
		size int
	}{
		{&out.ClientKey, constants.TrafficKeySize},
		{&out.ServerKey, constants.TrafficKeySize},
		{&out.ClientIV, constants.TrafficIVSize},
		{&out.ServerIV, constants.TrafficIVSize},
		{&out.ClientFinishedKey, constants.FinishedKeySize},
		{&out.ServerFinishedKey, constants.FinishedKeySize},
	} {
		*f.dst = clone(rest[:f.size])
		rest = rest[f.size:]
	}
	return out, nil
}

// UpdateTrafficKey ratchets one direction's traffic key and IV. The previous key
// is the context of the derivation, so each step depends on the whole chain.
func (s *Schedule) UpdateTrafficKey(currentKey []byte) (key, iv []byte, err error) {
	if len(currentKey) != constants.TrafficKeySize {
		return nil, nil, qerrors.NewCryptoError("keyschedule.UpdateTrafficKey", qerrors.ErrInvalidKeySize)
	}
	material, err := s.Derive(constants.LabelTrafficUpdate, currentKey, constants.TrafficKeySize+constants.TrafficIVSize)
	if err != nil {
		return nil, nil, err
	}
	key = clone(material[:constants.TrafficKeySize])
	iv = clone(material[constants.TrafficKeySize:])
	crypto.Zeroize(material)
	return key, iv, nil
}

// Zeroize wipes the secret and forgets the used labels. Every later derivation
// fails with ErrScheduleZeroized.
func (s *Schedule) Zeroize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Zeroize(s.secret)
	s.secret = nil
	s.used = make(map[string]bool)
	s.zeroized = true
}

// FinishedMAC computes the Finished verify data: a keyed sponge over the
// transcript hash under a per-direction finished key.
func FinishedMAC(alg constants.XOF, finishedKey, transcriptHash []byte) ([]byte, error) {
	if len(finishedKey) != constants.FinishedKeySize {
		return nil, qerrors.NewCryptoError("keyschedule.FinishedMAC", qerrors.ErrInvalidKeySize)
	}
	mac, err := sponge.Derive(alg, constants.FinishedMACSize,
		[]byte(constants.DomainSeparatorFinished), finishedKey, transcriptHash)
	if err != nil {
		return nil, qerrors.NewCryptoError("keyschedule.FinishedMAC", err)
	}
	return mac, nil
}

// VerifyFinished recomputes the Finished MAC and compares it in constant time.
func VerifyFinished(alg constants.XOF, finishedKey, transcriptHash, mac []byte) bool {
	expected, err := FinishedMAC(alg, finishedKey, transcriptHash)
	if err != nil {
		return false
	}
	defer crypto.Zeroize(expected)
	return crypto.ConstantTimeCompare(expected, mac)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
