// Package pki builds the tls.Config a Connection dials with, selected
// by the driver's configured TrustStrategy rather than the teacher's
// fixed mTLS pair: a Bolt server authenticates itself to the driver,
// not the other way around, so there is no client certificate to load
// and no ClientAuth mode to pick.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/graphbolt/godriver/internal/config"
)

// NewTLSConfig builds the tls.Config a connection dials with under the
// given trust strategy. TrustSystemCA leaves RootCAs nil so crypto/tls
// falls back to the platform's root pool; TrustCustomCA loads and
// parses the PEM file at customCAPath the same way the teacher's
// loadCACertPool does; TrustAll disables verification entirely and
// logs a warning through the default logger, since a silently
// insecure connection is the kind of mistake that should be loud.
//
// Cipher suite and protocol version negotiation beyond the minimum
// version floor is left to crypto/tls; this function only picks which
// root pool and verification mode to use.
func NewTLSConfig(strategy config.TrustStrategy, customCAPath string) (*tls.Config, error) {
	switch strategy {
	case config.TrustCustomCA:
		pool, err := loadCACertPool(customCAPath)
		if err != nil {
			return nil, err
		}
		return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil

	case config.TrustAll:
		slog.Default().Warn("trust_all selected: TLS certificate verification is disabled")
		return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, nil

	default:
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
