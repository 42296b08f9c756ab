package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/ZerkerEOD/otaagent/pkg/env"
)

// Config holds the client TLS settings used toward the broker and the job
// service
type Config struct {
	CertFile string
	KeyFile  string
	CAFile   string
	CertsDir string
}

// NewConfig creates a TLS configuration rooted at certsDir
// It checks environment variables first, then falls back to defaults
func NewConfig(certsDir string) *Config {
	config := &Config{
		CertsDir: certsDir,
		CertFile: env.GetOrDefault("OTA_CLIENT_CERT_FILE", filepath.Join(certsDir, "client.crt")),
		KeyFile:  env.GetOrDefault("OTA_CLIENT_KEY_FILE", filepath.Join(certsDir, "client.key")),
		CAFile:   env.GetOrDefault("OTA_CA_FILE", filepath.Join(certsDir, "ca.crt")),
	}

	debug.Debug("TLS configuration: certs=%s cert=%s key=%s ca=%s",
		config.CertsDir, config.CertFile, config.KeyFile, config.CAFile)
	return config
}

// LoadClientTLS builds the client TLS configuration. It returns nil when no
// CA or client certificate is present, leaving the system roots in effect.
func (c *Config) LoadClientTLS() (*tls.Config, error) {
	hasCA := checkFileExists(c.CAFile)
	hasCert := checkFileExists(c.CertFile) && checkFileExists(c.KeyFile)
	if !hasCA && !hasCert {
		debug.Info("No client certificates in %s, using system defaults", c.CertsDir)
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}

	if hasCA {
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if hasCert {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	debug.Info("TLS configuration loaded (CA: %v, client certificate: %v)", hasCA, hasCert)
	return tlsConfig, nil
}

// checkFileExists checks if a file exists and is not a directory
func checkFileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
