package keyschedule

import (
	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/sponge"
)

// Transcript is the running hash of every handshake message in order.
//
// The client sends ClientHello before the XOF is negotiated, so a Transcript
// buffers its input until SetAlgorithm and absorbs incrementally afterwards.
// Sum clones the sponge, so checkpoints never disturb the running state.
type Transcript struct {
	pending []byte
	state   *sponge.State
	length  int
}

// NewTranscript returns an empty transcript with no algorithm bound yet.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Write appends p to the transcript. It implements io.Writer.
func (t *Transcript) Write(p []byte) (int, error) {
	if t.state == nil {
		t.pending = append(t.pending, p...)
	} else if err := t.state.Absorb(p); err != nil {
		return 0, err
	}
	t.length += len(p)
	return len(p), nil
}

// SetAlgorithm binds the transcript to alg and absorbs the buffered input.
// It can only be called once.
func (t *Transcript) SetAlgorithm(alg constants.XOF) error {
	if t.state != nil {
		return qerrors.NewCryptoError("Transcript.SetAlgorithm", qerrors.ErrInvalidState)
	}
	st, err := sponge.New(alg)
	if err != nil {
		return err
	}
	if err := st.Absorb(t.pending); err != nil {
		return err
	}
	for i := range t.pending {
		t.pending[i] = 0
	}
	t.pending = nil
	t.state = st
	return nil
}

// Sum returns the checkpoint hash of everything written so far.
func (t *Transcript) Sum() ([]byte, error) {
	if t.state == nil {
		return nil, qerrors.NewCryptoError("Transcript.Sum", qerrors.ErrInvalidState)
	}
	c, err := t.state.Clone()
	if err != nil {
		return nil, err
	}
	defer c.Clear()
	return c.Squeeze(constants.TranscriptHashSize)
}

// Len returns the number of bytes written.
func (t *Transcript) Len() int {
	return t.length
}

// Clear wipes the transcript state.
func (t *Transcript) Clear() {
	for i := range t.pending {
		t.pending[i] = 0
	}
	t.pending = nil
	if t.state != nil {
		t.state.Clear()
	}
}
