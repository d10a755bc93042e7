package chrome

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/common/urlutil"
	"github.com/edgecomet/pdfrender/pkg/pattern"
)

const resolveTimeout = 2 * time.Second

// Resolver looks up host addresses; *net.Resolver satisfies it
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Decision is the gatekeeper verdict for one outbound request
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Gatekeeper decides whether the renderer may issue a request.
// Only http, https and data URLs pass; loopback and private hosts are
// refused, as is anything that cannot be parsed.
type Gatekeeper struct {
	blocked  pattern.Set
	resolver Resolver
	logger   *zap.Logger
}

// NewGatekeeper compiles extra blocked URL patterns. A nil resolver
// disables DNS checks, so only IP literals and localhost names are refused.
func NewGatekeeper(blockedPatterns []string, resolver Resolver, logger *zap.Logger) (*Gatekeeper, error) {
	set, err := pattern.CompileAll(blockedPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked patterns: %w", err)
	}
	return &Gatekeeper{
		blocked:  set,
		resolver: resolver,
		logger:   logger,
	}, nil
}

// Check classifies rawURL
func (g *Gatekeeper) Check(ctx context.Context, rawURL string) Decision {
	u, err := url.Parse(rawURL)
	if err != nil {
		return deny("unparseable URL: %v", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "data":
		return allow()
	case "http", "https":
	default:
		return deny("scheme %q is not allowed", u.Scheme)
	}

	host, err := urlutil.NormalizeHost(u.Hostname())
	if err != nil {
		return deny("%v", err)
	}
	if err := urlutil.ValidateHostNotPrivate(host); err != nil {
		return deny("%v", err)
	}

	if p := g.blocked.FirstMatch(rawURL); p != nil {
		return deny("matches blocked pattern %q", p.Source)
	}

	if g.resolver != nil && net.ParseIP(host) == nil {
		return g.checkResolved(ctx, host)
	}

	return allow()
}

// Allowed is the boolean form of Check
func (g *Gatekeeper) Allowed(ctx context.Context, rawURL string) bool {
	return g.Check(ctx, rawURL).Allowed
}

func (g *Gatekeeper) checkResolved(ctx context.Context, host string) Decision {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return deny("failed to resolve %s: %v", host, err)
	}
	if len(addrs) == 0 {
		return deny("%s resolved to no addresses", host)
	}
	for _, addr := range addrs {
		if err := urlutil.ValidateResolvedIP(addr.IP); err != nil {
			return deny("%s: %v", host, err)
		}
	}
	return allow()
}
