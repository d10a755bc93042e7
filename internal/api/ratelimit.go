package api

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

// RateLimiter allows each client IP a burst of Requests that refills evenly
// over Window. Idle clients are forgotten once their bucket is full again.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientBucket
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
	lastTrim time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests < 1 {
		requests = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientBucket),
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		idle:    window,
		now:     time.Now,
	}
}

// Allow consumes one token for ip
func (l *RateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.trimLocked(now)

	b, ok := l.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *RateLimiter) trimLocked(now time.Time) {
	if now.Sub(l.lastTrim) < l.idle {
		return
	}
	l.lastTrim = now
	for ip, b := range l.clients {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.clients, ip)
		}
	}
}

func (l *RateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientIP returns the first address of the first non-empty trusted header,
// falling back to the connection's remote address.
func clientIP(ctx *fasthttp.RequestCtx, trustedHeaders []string) string {
	for _, header := range trustedHeaders {
		value := strings.TrimSpace(string(ctx.Request.Header.Peek(header)))
		if first, _, _ := strings.Cut(value, ","); strings.TrimSpace(first) != "" {
			return normalizeIP(strings.TrimSpace(first))
		}
	}

	addr := ctx.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return normalizeIP(addr)
}

func normalizeIP(raw string) string {
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	if i := strings.IndexByte(raw, '%'); i >= 0 {
		raw = raw[:i]
	}
	if ip := net.ParseIP(raw); ip != nil {
		return ip.String()
	}
	return raw
}
