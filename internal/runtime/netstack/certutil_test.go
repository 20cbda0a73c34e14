package netstack

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateSelfSignedTLS_UsesTLS13Min(t *testing.T) {
	cfg, err := GenerateSelfSignedTLS([]string{"localhost", "127.0.0.1"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedTLS error: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 || len(cfg.Certificates) != 1 {
		t.Fatalf("unexpected config: %#v", cfg)
	}
}

func TestWritePEMAndLoadTLSConfig(t *testing.T) {
	cfg, err := GenerateSelfSignedTLS([]string{"localhost"}, time.Hour)
	if err != nil {
		t.Fatalf("self-signed: %v", err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := WritePEM(&cfg.Certificates[0], certPath, keyPath); err != nil {
		t.Fatalf("write pem: %v", err)
	}
	loaded, err := LoadTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if loaded.MinVersion != tls.VersionTLS13 {
		t.Fatalf("MinVersion not TLS1.3 after load: %v", loaded.MinVersion)
	}

	client, err := ClientTLSConfig(certPath, false)
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	if client.RootCAs == nil {
		t.Fatalf("CA file not loaded into roots")
	}
}

func TestClientTLSConfig_RejectsEmptyCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(path, []byte("nothing"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ClientTLSConfig(path, false); err == nil {
		t.Fatalf("empty CA file accepted")
	}
}
