package tlsutil

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/edgecomet/pdfrender/internal/common/configtypes"
)

// Listen binds cfg.Listen and wraps it in TLS 1.3 using the configured
// certificate pair. The certificate is loaded before binding, so a bad
// pair never leaves a port open.
func Listen(cfg configtypes.TLSConfig) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate %s: %w", cfg.CertFile, err)
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	return tls.NewListener(ln, tlsConfig), nil
}
