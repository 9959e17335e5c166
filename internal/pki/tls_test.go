package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/graphbolt/godriver/internal/config"
)

// generateTestCA writes a self-signed CA certificate PEM to a temp
// file and returns its path.
func generateTestCA(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}

	path := filepath.Join(dir, "ca.pem")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating file %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encoding PEM: %v", err)
	}

	return path
}

func TestNewTLSConfig_TrustSystemCA(t *testing.T) {
	cfg, err := NewTLSConfig(config.TrustSystemCA, "")
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}
	if cfg.RootCAs != nil {
		t.Error("expected nil RootCAs for trust_system_ca so crypto/tls uses the platform pool")
	}
	if cfg.InsecureSkipVerify {
		t.Error("trust_system_ca must not disable verification")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("expected MinVersion TLS 1.2, got %d", cfg.MinVersion)
	}
}

func TestNewTLSConfig_TrustCustomCA(t *testing.T) {
	caPath := generateTestCA(t)

	cfg, err := NewTLSConfig(config.TrustCustomCA, caPath)
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("expected non-nil RootCAs for trust_custom_ca")
	}
	if cfg.InsecureSkipVerify {
		t.Error("trust_custom_ca must not disable verification")
	}
}

func TestNewTLSConfig_TrustCustomCA_MissingFile(t *testing.T) {
	_, err := NewTLSConfig(config.TrustCustomCA, "/nonexistent/ca.pem")
	if err == nil {
		t.Fatal("expected error for missing CA file")
	}
}

func TestNewTLSConfig_TrustCustomCA_InvalidPEM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad-ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0644); err != nil {
		t.Fatalf("writing fake CA file: %v", err)
	}

	_, err := NewTLSConfig(config.TrustCustomCA, path)
	if err == nil {
		t.Fatal("expected error for unparseable CA PEM")
	}
}

func TestNewTLSConfig_TrustAll(t *testing.T) {
	cfg, err := NewTLSConfig(config.TrustAll, "")
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify for trust_all")
	}
}

func TestNewTLSConfig_CustomCADial(t *testing.T) {
	// End-to-end: a server presenting a cert signed by the custom CA
	// should be accepted by a client built with NewTLSConfig(TrustCustomCA, ...).
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}
	caPath := filepath.Join(dir, "ca.pem")
	writeTestPEM(t, caPath, "CERTIFICATE", caCertDER)

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating server key: %v", err)
	}
	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	serverCertDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating server certificate: %v", err)
	}

	serverCert := tls.Certificate{
		Certificate: [][]byte{serverCertDER},
		PrivateKey:  serverKey,
	}
	serverCfg := &tls.Config{Certificates: []tls.Certificate{serverCert}}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- conn.(*tls.Conn).Handshake()
	}()

	clientCfg, err := NewTLSConfig(config.TrustCustomCA, caPath)
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}
	clientCfg.ServerName = "localhost"

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer conn.Close()

	if err := <-done; err != nil {
		t.Fatalf("server handshake error: %v", err)
	}
}

func writeTestPEM(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating file %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		t.Fatalf("encoding PEM: %v", err)
	}
}
