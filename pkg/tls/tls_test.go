package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned writes a self-signed CA certificate and key, returning
// the paths. The certificate doubles as its own CA.
func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "vigil-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestConfig_Validate(t *testing.T) {
	cert, key := writeSelfSigned(t)
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"valid", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert}, false},
		{"missing paths", Config{Enabled: true, CertFile: cert}, true},
		{"missing file", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: "/nonexistent/ca.pem"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ServerAndClient(t *testing.T) {
	cert, key := writeSelfSigned(t)
	cfg := Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert}

	srv, err := cfg.Server()
	if err != nil {
		t.Fatalf("Server: %v", err)
	}
	if srv.ClientAuth != cryptotls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", srv.ClientAuth)
	}
	if srv.MinVersion != cryptotls.VersionTLS13 || len(srv.Certificates) != 1 {
		t.Errorf("unexpected server config %+v", srv)
	}

	cli, err := cfg.Client()
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if cli.RootCAs == nil || len(cli.Certificates) != 1 {
		t.Errorf("unexpected client config %+v", cli)
	}

	disabled := Config{}
	if c, err := disabled.Server(); c != nil || err != nil {
		t.Errorf("disabled Server() = %v, %v", c, err)
	}
	if c, err := disabled.Client(); c != nil || err != nil {
		t.Errorf("disabled Client() = %v, %v", c, err)
	}
}

func TestNewClientTLSConfig_BadCA(t *testing.T) {
	cert, key := writeSelfSigned(t)
	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewClientTLSConfig(cert, key, bad); err == nil {
		t.Error("expected error for unparsable CA")
	}
	if _, err := NewServerTLSConfig("", key, cert); err == nil {
		t.Error("expected error for empty cert path")
	}
}
