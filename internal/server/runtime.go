package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"
)

const (
	shutdownTimeout   = 5 * time.Second
	workerWaitTimeout = 15 * time.Second
)

// Run starts the gateway listeners (public server, ACME challenge server in
// auto TLS mode, HTTP/3 when enabled) and the background janitor. It blocks
// until ctx is cancelled or a listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	tlsConfig, manager, err := s.buildTLS()
	if err != nil {
		return err
	}

	handler := s.Handler()

	var h3srv *http3.Server
	if s.cfg.EnableH3 && tlsConfig != nil {
		h3srv = &http3.Server{
			Addr:      s.cfg.ListenAddr,
			Handler:   handler,
			TLSConfig: tlsConfig,
		}
		// Advertise the QUIC listener on every TCP response.
		base := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = h3srv.SetQUICHeaders(w.Header())
			base.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsConfig,
	}

	errCh := make(chan error, 3)

	var challengeServer *http.Server
	if manager != nil {
		challengeServer = &http.Server{
			Addr:              s.cfg.HTTPChallengeAddr,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.HTTPChallengeAddr)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	go func() {
		s.log.Info("starting gateway", "addr", s.cfg.ListenAddr, "domain", s.cfg.BaseDomain, "tls_mode", s.cfg.TLSMode)
		if tlsConfig != nil {
			if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("gateway server: %w", err)
			}
			return
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	if h3srv != nil {
		go func() {
			s.log.Info("starting HTTP/3 listener", "addr", s.cfg.ListenAddr)
			if err := h3srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	s.closeAllSessions()
	if h3srv != nil {
		_ = h3srv.Close()
	}
	if err := shutdownServer(srv, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	if !waitGroupWait(&s.wg, workerWaitTimeout) {
		s.log.Warn("timed out waiting for session goroutines")
	}
	return runErr
}

func (s *Server) closeAllSessions() {
	for _, sess := range s.reg.snapshot() {
		sess.closeWithCode(websocket.CloseGoingAway, "gateway shutting down")
	}
}
