package tunnel

import (
	"net"
	"testing"
	"time"
)

func TestIPRateLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(2)
	ip := "192.0.2.1"
	otherIP := "192.0.2.2"

	release1, ok := limiter.Acquire(ip)
	if !ok {
		t.Fatal("expected first session to be allowed")
	}
	if _, ok := limiter.Acquire(ip); !ok {
		t.Fatal("expected second session to be allowed")
	}
	if _, ok := limiter.Acquire(ip); ok {
		t.Fatal("expected third session to be blocked")
	}
	if _, ok := limiter.Acquire(otherIP); !ok {
		t.Fatal("expected session from other IP to be allowed")
	}

	release1()
	release1() // idempotent
	if got := limiter.Active(ip); got != 1 {
		t.Fatalf("Active = %d after release, want 1", got)
	}
	if _, ok := limiter.Acquire(ip); !ok {
		t.Fatal("expected session to be allowed after release")
	}

	noLimit := NewIPRateLimiter(0)
	for i := 0; i < 100; i++ {
		if _, ok := noLimit.Acquire(ip); !ok {
			t.Fatal("expected sessions to always be allowed with no limit")
		}
	}

	var nilLimiter *IPRateLimiter
	if _, ok := nilLimiter.Acquire(ip); !ok {
		t.Fatal("nil limiter should allow everything")
	}
}

func TestIPRateLimiterCleanup(t *testing.T) {
	limiter := NewIPRateLimiter(1)
	release, _ := limiter.Acquire("192.0.2.9")
	release()
	if len(limiter.sessions) != 0 {
		t.Fatalf("map not cleaned up: %v", limiter.sessions)
	}
}

func TestHandshakeLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	limiter := NewHandshakeLimiter(10, 2)
	limiter.now = func() time.Time { return now }
	limiter.lastRefill = now

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if limiter.Allow() {
		t.Fatal("expected 3rd handshake to be blocked")
	}

	now = now.Add(100 * time.Millisecond)
	if !limiter.Allow() {
		t.Fatal("expected handshake after one token refill")
	}
	if limiter.Allow() {
		t.Fatal("expected bucket to be empty again")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if !limiter.Allow() {
			t.Fatal("expected refilled burst")
		}
	}
	if limiter.Allow() {
		t.Fatal("bucket must not exceed burst")
	}

	noLimit := NewHandshakeLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !noLimit.Allow() {
			t.Fatal("expected handshakes to always be allowed with no limit")
		}
	}
}

func TestRemoteIP(t *testing.T) {
	tests := []struct {
		addr net.Addr
		want string
	}{
		{&net.TCPAddr{IP: net.ParseIP("198.51.100.7"), Port: 443}, "198.51.100.7"},
		{&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 53}, "2001:db8::1"},
		{pipeAddr{}, "pipe"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := remoteIP(tt.addr); got != tt.want {
			t.Errorf("remoteIP(%v) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
