package api

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestInitTLSRequiresBothFiles(t *testing.T) {
	tests := []struct {
		name    string
		cert    string
		key     string
		enabled bool
	}{
		{"neither", "", "", false},
		{"cert only", "/etc/sceneforge/cert.pem", "", false},
		{"key only", "", "/etc/sceneforge/key.pem", false},
		{"both", "/etc/sceneforge/cert.pem", "/etc/sceneforge/key.pem", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SCENEFORGE_TLS_CERT", tt.cert)
			t.Setenv("SCENEFORGE_TLS_KEY", tt.key)
			defer setTLSFiles(nil)

			InitTLS()
			if TLSEnabled() != tt.enabled {
				t.Errorf("TLSEnabled() = %v, want %v", TLSEnabled(), tt.enabled)
			}
		})
	}
}

func TestLoadTLSConfigDisabled(t *testing.T) {
	setTLSFiles(nil)
	cfg, err := LoadTLSConfig()
	if cfg != nil || err != nil {
		t.Errorf("expected nil config and nil error, got %v %v", cfg, err)
	}
}

func TestLoadTLSConfigBadPair(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(cert, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(key, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	setTLSFiles(&TLSFiles{CertFile: cert, KeyFile: key})
	defer setTLSFiles(nil)

	if _, err := LoadTLSConfig(); err == nil {
		t.Error("expected error for an unparsable certificate pair")
	}
}

func TestListenAndServeRefusesBadCertificate(t *testing.T) {
	setTLSFiles(&TLSFiles{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	defer setTLSFiles(nil)

	srv := NewServer(Options{Studio: &fakeStudio{}})
	if err := srv.ListenAndServe(context.Background(), 0); err == nil {
		t.Error("expected ListenAndServe to fail without a usable certificate")
	}
}
