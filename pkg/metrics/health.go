package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
)

// Status is the outcome of a health check or of the whole report.
type Status string

// Statuses, from best to worst.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	// degradedFailureRate is the share of records rejected for replay,
	// authentication or protocol errors above which the report degrades.
	degradedFailureRate = 0.01

	defaultCheckTimeout = 5 * time.Second
)

// CheckFunc reports a problem as a non-nil error. It should return once ctx
// is done.
type CheckFunc func(ctx context.Context) error

// Health runs registered checks concurrently and folds in the record failure
// rate from a Collector.
type Health struct {
	collector *Collector
	version   string
	started   time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// Report is the JSON body of the /health endpoint.
type Report struct {
	Status   Status                 `json:"status"`
	Time     time.Time              `json:"timestamp"`
	Uptime   string                 `json:"uptime"`
	Version  string                 `json:"version,omitempty"`
	Checks   map[string]CheckReport `json:"checks,omitempty"`
	Sessions *SessionHealth         `json:"sessions,omitempty"`
}

// CheckReport is the outcome of one check.
type CheckReport struct {
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// SessionHealth summarizes session and record counters.
type SessionHealth struct {
	Active      int64   `json:"active"`
	Total       uint64  `json:"total"`
	Failed      uint64  `json:"failed"`
	Records     uint64  `json:"records"`
	FailureRate float64 `json:"failure_rate"`
}

// NewHealth creates a Health reporting version. collector may be nil.
func NewHealth(collector *Collector, version string) *Health {
	return &Health{
		collector: collector,
		version:   version,
		started:   time.Now(),
		timeout:   defaultCheckTimeout,
		checks:    make(map[string]CheckFunc),
	}
}

// AddCheck registers check under name, replacing any previous one.
func (h *Health) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// RemoveCheck unregisters name.
func (h *Health) RemoveCheck(name string) {
	h.mu.Lock()
	delete(h.checks, name)
	h.mu.Unlock()
}

// Run executes every check, each bounded by the check timeout, and builds a
// report. A failing check makes it unhealthy; a record failure rate above
// one percent makes it degraded.
func (h *Health) Run(ctx context.Context) Report {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	rep := Report{
		Status:  StatusHealthy,
		Time:    time.Now(),
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
		Version: h.version,
		Checks:  make(map[string]CheckReport, len(checks)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, fn := range checks {
		name, fn := name, fn
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := fn(cctx)
			cr := CheckReport{Status: StatusHealthy, Elapsed: time.Since(start).String()}
			if err != nil {
				cr.Status, cr.Error = StatusUnhealthy, err.Error()
			}
			mu.Lock()
			rep.Checks[name] = cr
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, cr := range rep.Checks {
		if cr.Status == StatusUnhealthy {
			rep.Status = StatusUnhealthy
		}
	}

	if h.collector != nil {
		snap := h.collector.Snapshot()
		sh := &SessionHealth{
			Active:  snap.SessionsActive,
			Total:   snap.SessionsTotal,
			Failed:  snap.SessionsFailed,
			Records: snap.RecordsSealed + snap.RecordsOpened,
		}
		if sh.Records > 0 {
			rejected := snap.AuthFailures + snap.ReplaysBlocked + snap.ProtocolErrors
			sh.FailureRate = float64(rejected) / float64(sh.Records)
		}
		if sh.FailureRate > degradedFailureRate && rep.Status == StatusHealthy {
			rep.Status = StatusDegraded
		}
		rep.Sessions = sh
	}
	return rep
}

// Handler serves the full report, with 503 when unhealthy.
func (h *Health) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := h.Run(r.Context())
		writeJSON(w, statusCode(rep.Status), rep)
	})
}

// LivenessHandler answers 200 while the process serves HTTP.
func (h *Health) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

// ReadinessHandler answers 503 while any check fails. A degraded service is
// still ready.
func (h *Health) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := h.Run(r.Context())
		writeJSON(w, statusCode(rep.Status), map[string]interface{}{
			"status": rep.Status,
			"ready":  rep.Status != StatusUnhealthy,
		})
	})
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// RNGCheck samples the process randomness source.
func RNGCheck() CheckFunc {
	return func(context.Context) error {
		return crypto.RNGHealthCheck(nil)
	}
}

// SelfTestCheck reruns the crypto power-on self tests.
func SelfTestCheck() CheckFunc {
	return func(context.Context) error {
		if res := crypto.RunPOST(); !res.Passed {
			return errors.Errorf("self test failed: %s", strings.Join(res.Errors, "; "))
		}
		return nil
	}
}
