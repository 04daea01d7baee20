package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pzverkov/quantum-kemtls/pkg/tunnel"
)

// rateLimitLogInterval bounds how often drops for one limit reach the log.
// Every drop is still counted.
const rateLimitLogInterval = time.Second

// RateLimitObserver counts connections dropped by the server's admission
// controls and logs them, at most once per limit per second with the number
// suppressed in between.
type RateLimitObserver struct {
	collector *Collector
	logger    zerolog.Logger

	mu         sync.Mutex
	lastLogged map[tunnel.Limit]time.Time
	suppressed map[tunnel.Limit]uint64
	now        func() time.Time
}

var _ tunnel.RateLimitObserver = (*RateLimitObserver)(nil)

// NewRateLimitObserver creates a rate limit observer. Nil arguments fall back
// to the global collector and logger.
func NewRateLimitObserver(collector *Collector, logger *zerolog.Logger) *RateLimitObserver {
	if collector == nil {
		collector = Global()
	}
	return &RateLimitObserver{
		collector:  collector,
		logger:     componentLogger(logger, "rate_limit"),
		lastLogged: make(map[tunnel.Limit]time.Time),
		suppressed: make(map[tunnel.Limit]uint64),
		now:        time.Now,
	}
}

// OnRateLimited records a dropped connection.
func (o *RateLimitObserver) OnRateLimited(limit tunnel.Limit, remoteIP string) {
	o.collector.RecordRateLimit(limit)

	o.mu.Lock()
	now := o.now()
	if now.Sub(o.lastLogged[limit]) < rateLimitLogInterval {
		o.suppressed[limit]++
		o.mu.Unlock()
		return
	}
	suppressed := o.suppressed[limit]
	o.lastLogged[limit] = now
	o.suppressed[limit] = 0
	o.mu.Unlock()

	ev := o.logger.Warn().Str("limit", string(limit))
	if remoteIP != "" {
		ev = ev.Str("remote_ip", remoteIP)
	}
	if suppressed > 0 {
		ev = ev.Uint64("suppressed", suppressed)
	}
	ev.Msg("connection dropped by rate limit")
}
