package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"golang.org/x/crypto/acme/autocert"

	"github.com/tunlify/tunlify/internal/netutil"
)

const (
	tlsModeOff    = "off"
	tlsModeAuto   = "auto"
	tlsModeStatic = "static"
)

// buildTLS returns the TLS config for the configured mode, plus the autocert
// manager when mode is auto (its HTTPHandler serves the HTTP-01 challenges).
// Mode off returns nils: the gateway then expects an edge to terminate TLS.
func (s *Server) buildTLS() (*tls.Config, *autocert.Manager, error) {
	switch s.cfg.TLSMode {
	case tlsModeOff, "":
		return nil, nil, nil

	case tlsModeStatic:
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load static certificate: %w", err)
		}
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}, nil, nil

	case tlsModeAuto:
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: s.certHostPolicy,
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		return tlsConfig, manager, nil
	}
	return nil, nil, fmt.Errorf("unknown tls mode %q", s.cfg.TLSMode)
}

// certHostPolicy admits the API host, the bare base domain, and any public
// hostname backed by an active tunnel. Everything else is refused so the
// ACME account never churns certificates for random SNI probes.
func (s *Server) certHostPolicy(ctx context.Context, host string) error {
	host = netutil.NormalizeHost(host)
	base := netutil.NormalizeHost(s.cfg.BaseDomain)
	if host == base || host == netutil.NormalizeHost(s.cfg.APIHost) {
		return nil
	}
	hosts, err := s.store.ActiveHostnames(ctx, base)
	if err != nil {
		return errors.New("failed to authorize host")
	}
	for _, h := range hosts {
		if host == h {
			return nil
		}
	}
	return errors.New("host not allowed")
}
