package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	// 10 connections per minute per IP, burst of 5
	ipConnectionInterval = 6 * time.Second
	ipConnectionBurst    = 5
	ipLimiterTTL         = 1 * time.Hour
)

// ipLimiterEntry: tracks a rate limiter and its last use time
type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimit: manages connection rate limiters per IP address
type IPRateLimit struct {
	limiters map[string]*ipLimiterEntry
	clock    clockwork.Clock
	mu       sync.Mutex
}

func NewIPRateLimit(clock clockwork.Clock) *IPRateLimit {
	return &IPRateLimit{
		limiters: make(map[string]*ipLimiterEntry),
		clock:    clock,
	}
}

// Allow: checks if an IP may open another connection
func (iprl *IPRateLimit) Allow(ip string) bool {
	iprl.mu.Lock()
	defer iprl.mu.Unlock()

	now := iprl.clock.Now()
	entry, exists := iprl.limiters[ip]
	if !exists {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(rate.Every(ipConnectionInterval), ipConnectionBurst),
		}
		iprl.limiters[ip] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// Cleanup: removes IP limiters that haven't been used recently
func (iprl *IPRateLimit) Cleanup() {
	iprl.mu.Lock()
	defer iprl.mu.Unlock()

	now := iprl.clock.Now()
	for ip, entry := range iprl.limiters {
		if now.Sub(entry.lastSeen) > ipLimiterTTL {
			delete(iprl.limiters, ip)
		}
	}
}

// Len returns the number of tracked IPs.
func (iprl *IPRateLimit) Len() int {
	iprl.mu.Lock()
	defer iprl.mu.Unlock()
	return len(iprl.limiters)
}

// ClientIP: RemoteAddr without the port. Forwarding headers are ignored, they can be spoofed.
func ClientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
