package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// Config contains shared TLS settings for both client and server contexts.
type Config struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// FromSection reads {certfile, keyfile, ca_file, server_name}. A nil
// section yields a nil Config.
func FromSection(sec *config.Section) (*Config, error) {
	if sec == nil {
		return nil, nil
	}
	cfg := &Config{
		CertFile:   sec.String("certfile", ""),
		KeyFile:    sec.String("keyfile", ""),
		CAFile:     sec.String("ca_file", ""),
		ServerName: sec.String("server_name", ""),
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, domain.ConfigErrorf(sec.Path(), "keyfile", "certfile and keyfile must be given together")
	}
	return cfg, nil
}

// BuildServer constructs a TLS configuration for STARTTLS on a listener.
func BuildServer(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" {
		return nil, fmt.Errorf("server certificate is required")
	}
	certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		caPool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = caPool
		serverConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return serverConfig, nil
}

// BuildClient constructs a TLS configuration for STARTTLS towards a relay
// host. serverName is used when cfg does not name one.
func BuildClient(cfg Config, serverName string) (*tls.Config, error) {
	if cfg.ServerName != "" {
		serverName = cfg.ServerName
	}
	clientConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if cfg.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		clientConfig.Certificates = []tls.Certificate{certificate}
	}
	if cfg.CAFile != "" {
		caPool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		clientConfig.RootCAs = caPool
	}
	return clientConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("ca bundle path must be absolute: %q", path)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", cleanPath)
	}
	return pool, nil
}
