package api

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewRateLimiter(10, 15*time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	// other clients have their own bucket
	assert.True(t, l.Allow("10.0.0.2"))

	// one token refills every window/requests (90s)
	now = now.Add(91 * time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewRateLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.size())

	now = now.Add(2 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 1, l.size())
}

func newRequestCtx(remoteAddr string, headers map[string]string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	addr, _ := net.ResolveTCPAddr("tcp", remoteAddr)
	ctx.SetRemoteAddr(addr)
	for key, value := range headers {
		ctx.Request.Header.Set(key, value)
	}
	return ctx
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote address without trusted headers",
			remoteAddr: "192.0.2.10:5000",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5"},
			want:       "192.0.2.10",
		},
		{
			name:       "first forwarded entry",
			trusted:    []string{"X-Forwarded-For"},
			remoteAddr: "192.0.2.10:5000",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"},
			want:       "203.0.113.5",
		},
		{
			name:       "first non-empty header wins",
			trusted:    []string{"CF-Connecting-IP", "X-Real-IP"},
			remoteAddr: "192.0.2.10:5000",
			headers:    map[string]string{"X-Real-IP": "198.51.100.7"},
			want:       "198.51.100.7",
		},
		{
			name:       "ipv6 normalized",
			trusted:    []string{"X-Real-IP"},
			remoteAddr: "192.0.2.10:5000",
			headers:    map[string]string{"X-Real-IP": "[2001:DB8::1]"},
			want:       "2001:db8::1",
		},
		{
			name:       "empty header falls back",
			trusted:    []string{"X-Forwarded-For"},
			remoteAddr: "[2001:db8::2]:443",
			headers:    map[string]string{"X-Forwarded-For": " , "},
			want:       "2001:db8::2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newRequestCtx(tt.remoteAddr, tt.headers)
			assert.Equal(t, tt.want, clientIP(ctx, tt.trusted))
		})
	}
}
