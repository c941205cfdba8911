package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig describes the transport security of the money API edge. Client
// certificates are how partner PSP integrations authenticate at the
// connection layer, before any bearer token is seen.
type TLSConfig struct {
	Enabled           bool
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
	MinVersionTLS12   bool
}

// BuildTLSConfig turns the declarative config into a *tls.Config, or nil when
// TLS is off (dev mode, or a terminating proxy in front).
func BuildTLSConfig(c TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("tls is enabled but cert/key not configured")
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if c.MinVersionTLS12 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}

	if c.RequireClientCert {
		if c.ClientCAFile == "" {
			return nil, fmt.Errorf("client cert required but client ca file is empty")
		}
		ca, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("parse client ca pem")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		tlsCfg.ClientCAs = pool
	}

	return tlsCfg, nil
}
