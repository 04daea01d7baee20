package metrics

import (
	"math"
	"sort"
	"sync"
)

// Histogram is a fixed-bucket distribution of float observations, used for
// Snapshot latency summaries and by the bench command. Prometheus export
// keeps its own histograms.
type Histogram struct {
	bounds []float64

	mu     sync.RWMutex
	counts []uint64 // one per bound plus the +Inf bucket
	n      uint64
	sum    float64
	lo, hi float64
}

// NewHistogram returns a histogram over the given upper bounds, which need
// not be sorted.
func NewHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b)+1)}
}

// Observe adds v. A value equal to a bound lands in that bound's bucket.
func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[i]++
	if h.n == 0 || v < h.lo {
		h.lo = v
	}
	if h.n == 0 || v > h.hi {
		h.hi = v
	}
	h.n++
	h.sum += v
}

// Bucket is a cumulative bucket count.
type Bucket struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// HistogramSummary is a point-in-time view of a Histogram.
type HistogramSummary struct {
	Count   uint64   `json:"count"`
	Sum     float64  `json:"sum"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Mean    float64  `json:"mean"`
	P50     float64  `json:"p50"`
	P90     float64  `json:"p90"`
	P99     float64  `json:"p99"`
	Buckets []Bucket `json:"buckets"`
}

// Summary returns the current distribution.
func (h *Histogram) Summary() HistogramSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := HistogramSummary{Buckets: []Bucket{}}
	if h.n == 0 {
		return s
	}
	var cum uint64
	for i, c := range h.counts {
		cum += c
		bound := math.Inf(1)
		if i < len(h.bounds) {
			bound = h.bounds[i]
		}
		s.Buckets = append(s.Buckets, Bucket{UpperBound: bound, Count: cum})
	}
	s.Count, s.Sum, s.Min, s.Max = h.n, h.sum, h.lo, h.hi
	s.Mean = h.sum / float64(h.n)
	s.P50, s.P90, s.P99 = h.quantile(0.5), h.quantile(0.9), h.quantile(0.99)
	return s
}

// quantile interpolates linearly inside the bucket holding rank q*n. Bucket
// edges are clamped to the observed range. h.mu must be held.
func (h *Histogram) quantile(q float64) float64 {
	if h.n == 0 {
		return 0
	}
	rank := q * float64(h.n)
	var cum uint64
	for i, c := range h.counts {
		if c == 0 || float64(cum+c) < rank {
			cum += c
			continue
		}
		lower, upper := h.lo, h.hi
		if i > 0 && h.bounds[i-1] > lower {
			lower = h.bounds[i-1]
		}
		if i < len(h.bounds) && h.bounds[i] < upper {
			upper = h.bounds[i]
		}
		frac := (rank - float64(cum)) / float64(c)
		return lower + math.Max(0, frac)*(upper-lower)
	}
	return h.hi
}

// Percentile estimates the q-th quantile for 0 < q <= 1. An empty
// histogram reports 0.
func (h *Histogram) Percentile(q float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.quantile(q)
}

// Min returns the smallest observation.
func (h *Histogram) Min() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lo
}

// Max returns the largest observation.
func (h *Histogram) Max() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hi
}

// Mean returns the average observation.
func (h *Histogram) Mean() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.n == 0 {
		return 0
	}
	return h.sum / float64(h.n)
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

// Reset discards every observation.
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.counts {
		h.counts[i] = 0
	}
	h.n, h.sum, h.lo, h.hi = 0, 0, 0, 0
}
