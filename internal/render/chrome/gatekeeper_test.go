package chrome

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticResolver map[string][]string

func (r staticResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	addrs := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return addrs, nil
}

func TestGatekeeper_Check(t *testing.T) {
	gate, err := NewGatekeeper(nil, nil, zap.NewNop())
	require.NoError(t, err)

	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://example.com/image.png", true},
		{"http://example.com/", true},
		{"HTTPS://Example.com/", true},
		{"data:image/png;base64,iVBORw0KGgo=", true},
		{"file:///etc/passwd", false},
		{"ftp://example.com/file", false},
		{"chrome://settings", false},
		{"javascript:alert(1)", false},
		{"http://localhost:8080/", false},
		{"http://LOCALHOST/", false},
		{"http://api.localhost/", false},
		{"http://127.0.0.1/", false},
		{"http://127.8.9.10:3000/", false},
		{"http://10.1.2.3/", false},
		{"http://172.16.0.1/", false},
		{"http://172.31.255.255/", false},
		{"http://172.32.0.1/", true},
		{"http://192.168.1.1/", false},
		{"http://[::1]/", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://2130706433/", false},
		{"http://0x7f.1/", false},
		{"http://localhost.example.com/", true},
		{"http://%zz/", false},
		{"://missing-scheme", false},
		{"http:///no-host", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			d := gate.Check(context.Background(), tt.url)
			assert.Equal(t, tt.allowed, d.Allowed, "reason: %s", d.Reason)
			if !tt.allowed {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestGatekeeper_BlockedPatterns(t *testing.T) {
	gate, err := NewGatekeeper([]string{"*google-analytics.com*", "~*\\.(mp4|webm)$"}, nil, zap.NewNop())
	require.NoError(t, err)

	assert.False(t, gate.Allowed(context.Background(), "https://www.google-analytics.com/collect"))
	assert.False(t, gate.Allowed(context.Background(), "https://cdn.example.com/intro.MP4"))
	assert.True(t, gate.Allowed(context.Background(), "https://cdn.example.com/intro.png"))

	d := gate.Check(context.Background(), "https://www.google-analytics.com/collect")
	assert.Contains(t, d.Reason, "*google-analytics.com*")
}

func TestNewGatekeeper_InvalidPattern(t *testing.T) {
	_, err := NewGatekeeper([]string{"~[broken"}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestGatekeeper_ResolveHosts(t *testing.T) {
	resolver := staticResolver{
		"public.example":   {"93.184.216.34"},
		"internal.example": {"10.0.0.7"},
		"mixed.example":    {"93.184.216.34", "127.0.0.1"},
		"mapped.example":   {"::ffff:192.168.0.10"},
		"empty.example":    {},
	}
	gate, err := NewGatekeeper(nil, resolver, zap.NewNop())
	require.NoError(t, err)

	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://public.example/", true},
		{"https://internal.example/", false},
		{"https://mixed.example/", false},
		{"https://mapped.example/", false},
		{"https://empty.example/", false},
		{"https://unknown.example/", false},
		// literals skip DNS
		{"https://93.184.216.34/", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.allowed, gate.Allowed(context.Background(), tt.url))
		})
	}
}
