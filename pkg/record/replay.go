package record

import "sync"

// ReplayWindow implements a sliding window for replay protection over the
// last constants.ReplayWindowSize sequence numbers.
type ReplayWindow struct {
	mu      sync.Mutex
	highSeq uint64
	bitmap  uint64 // bit i set: highSeq-i has been accepted
	started bool
}

// NewReplayWindow creates an empty replay window.
func NewReplayWindow() *ReplayWindow {
	return &ReplayWindow{}
}

// Check reports whether seq may be accepted. It does not record seq, so a
// record failing authentication does not consume its slot.
func (rw *ReplayWindow) Check(seq uint64) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.check(seq)
}

func (rw *ReplayWindow) check(seq uint64) bool {
	if !rw.started || seq > rw.highSeq {
		return true
	}
	diff := rw.highSeq - seq
	if diff >= windowSize {
		return false
	}
	return rw.bitmap&(uint64(1)<<diff) == 0
}

// Accept records seq. It returns false if seq is a replay or too old.
func (rw *ReplayWindow) Accept(seq uint64) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if !rw.check(seq) {
		return false
	}
	if !rw.started {
		rw.started = true
		rw.highSeq = seq
		rw.bitmap = 1
		return true
	}

	if seq > rw.highSeq {
		diff := seq - rw.highSeq
		if diff >= windowSize {
			rw.bitmap = 0
		} else {
			rw.bitmap <<= diff
		}
		rw.bitmap |= 1
		rw.highSeq = seq
		return true
	}

	rw.bitmap |= uint64(1) << (rw.highSeq - seq)
	return true
}

// Reset clears the window for a new key epoch.
func (rw *ReplayWindow) Reset() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.highSeq = 0
	rw.bitmap = 0
	rw.started = false
}
