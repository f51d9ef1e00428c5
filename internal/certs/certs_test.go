package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(MaxValidity, "mtc.local", "10.0.0.5")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity > MaxValidity {
		t.Errorf("validity too long: %v", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if x509Cert.Subject.CommonName != "mtcclock" {
		t.Errorf("CommonName = %q", x509Cert.Subject.CommonName)
	}

	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}

	if !slices.Contains(x509Cert.DNSNames, "localhost") || !slices.Contains(x509Cert.DNSNames, "mtc.local") {
		t.Errorf("DNS names = %v", x509Cert.DNSNames)
	}
	if !slices.ContainsFunc(x509Cert.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.5")) }) {
		t.Errorf("IP addresses = %v", x509Cert.IPAddresses)
	}
}

func TestGenerateMaxValidity(t *testing.T) {
	t.Parallel()
	for _, v := range []time.Duration{30 * 24 * time.Hour, 0, -time.Hour} {
		cert, err := Generate(v)
		if err != nil {
			t.Fatalf("Generate(%v) failed: %v", v, err)
		}
		x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
		if err != nil {
			t.Fatalf("failed to parse cert: %v", err)
		}
		if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != MaxValidity {
			t.Errorf("Generate(%v): validity = %v, want %v", v, validity, MaxValidity)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	gen, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(gen.TLSCert.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	writePEM(t, certFile, "CERTIFICATE", gen.TLSCert.Certificate[0])
	writePEM(t, keyFile, "PRIVATE KEY", keyDER)

	loaded, err := Load(certFile, keyFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fingerprint != gen.Fingerprint {
		t.Error("fingerprint differs from generated cert")
	}
	if !loaded.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter = %v, want %v", loaded.NotAfter, gen.NotAfter)
	}

	if _, err := Load(filepath.Join(dir, "missing.pem"), keyFile); err == nil {
		t.Error("expected error for missing cert file")
	}
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}
