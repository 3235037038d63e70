// Package debughttp runs the private debug listener: pprof profiles and
// expvar counters on an operator-only address, separate from public traffic.
package debughttp

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"

	ilog "github.com/tunlify/tunlify/internal/log"
)

const drainTimeout = 5 * time.Second

// Start binds addr and serves /debug/pprof/ and /debug/vars until ctx is
// canceled. An empty addr disables the listener. The bind happens before
// Start returns, so a taken port surfaces as an error instead of a log line.
func Start(ctx context.Context, addr string, log *slog.Logger, component string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if log == nil {
		log = ilog.Nop()
	}
	log = log.With("component", strings.TrimSpace(component))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           debugMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		_ = srv.Shutdown(drainCtx)
	}()

	go func() {
		log.Info("debug listener up", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug listener failed", "err", err)
		}
	}()

	return nil
}

func debugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusFound))
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}
