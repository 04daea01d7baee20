package tunnel

import (
	"net"
	"sync"
	"time"
)

// IPRateLimiter caps concurrent sessions per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	sessions map[string]int
	maxPerIP int
}

// NewIPRateLimiter creates a limiter. maxPerIP <= 0 disables the limit.
func NewIPRateLimiter(maxPerIP int) *IPRateLimiter {
	return &IPRateLimiter{
		sessions: make(map[string]int),
		maxPerIP: maxPerIP,
	}
}

// Acquire reserves a session slot for ip. The returned release function
// frees it and is safe to call more than once.
func (l *IPRateLimiter) Acquire(ip string) (release func(), ok bool) {
	if l == nil || l.maxPerIP <= 0 {
		return func() {}, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessions[ip] >= l.maxPerIP {
		return nil, false
	}
	l.sessions[ip]++

	var once sync.Once
	return func() { once.Do(func() { l.release(ip) }) }, true
}

func (l *IPRateLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessions[ip] > 0 {
		l.sessions[ip]--
		if l.sessions[ip] == 0 {
			delete(l.sessions, ip) // Cleanup to prevent map growth
		}
	}
}

// Active returns the number of sessions held by ip.
func (l *IPRateLimiter) Active(ip string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[ip]
}

// HandshakeLimiter limits the rate of handshakes using a token bucket.
type HandshakeLimiter struct {
	mu         sync.Mutex
	rate       float64 // Tokens per second
	burst      int     // Max bucket size
	tokens     float64 // Current tokens
	lastRefill time.Time
	now        func() time.Time
}

// NewHandshakeLimiter creates a token bucket. rate <= 0 disables the limit;
// a burst below 1 becomes 1.
func NewHandshakeLimiter(rate float64, burst int) *HandshakeLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &HandshakeLimiter{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		now:    time.Now,
	}
	l.lastRefill = l.now()
	return l
}

// Allow consumes one token if available.
func (l *HandshakeLimiter) Allow() bool {
	if l == nil || l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastRefill).Seconds() * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens -= 1.0
		return true
	}
	return false
}

// remoteIP extracts the host part of a connection's remote address.
func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}
