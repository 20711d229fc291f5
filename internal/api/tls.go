package api

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"
)

// TLSFiles names the certificate pair the API serves with.
type TLSFiles struct {
	CertFile string
	KeyFile  string
}

var (
	tlsMu    sync.RWMutex
	tlsFiles *TLSFiles
)

// InitTLS reads SCENEFORGE_TLS_CERT and SCENEFORGE_TLS_KEY. Both must be set
// for TLS to be enabled.
func InitTLS() {
	certFile := os.Getenv("SCENEFORGE_TLS_CERT")
	keyFile := os.Getenv("SCENEFORGE_TLS_KEY")

	var files *TLSFiles
	if certFile != "" && keyFile != "" {
		files = &TLSFiles{CertFile: certFile, KeyFile: keyFile}
	}
	setTLSFiles(files)
}

func setTLSFiles(files *TLSFiles) {
	tlsMu.Lock()
	tlsFiles = files
	tlsMu.Unlock()
}

// TLSEnabled reports whether a certificate pair is configured.
func TLSEnabled() bool {
	tlsMu.RLock()
	defer tlsMu.RUnlock()
	return tlsFiles != nil
}

// LoadTLSConfig returns nil when TLS is disabled. A configured pair that
// cannot be loaded is an error; the API never downgrades to plain HTTP.
func LoadTLSConfig() (*tls.Config, error) {
	tlsMu.RLock()
	files := tlsFiles
	tlsMu.RUnlock()
	if files == nil {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate %s: %w", files.CertFile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
