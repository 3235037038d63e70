// Package server implements the tunlify gateway: the public HTTP and L4
// ingress, the WebSocket control channel, the connection registry, and the
// management REST surface.
package server

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunlify/tunlify/internal/config"
	"github.com/tunlify/tunlify/internal/store/sqlite"
)

type Server struct {
	cfg     config.GatewayConfig
	store   *sqlite.Store
	log     *slog.Logger
	reg     *registry
	pending *pendingTable
	limiter *rateLimiter
	metrics *gatewayMetrics

	wg        sync.WaitGroup
	startedAt time.Time
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func New(cfg config.GatewayConfig, store *sqlite.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		log:       logger,
		reg:       newRegistry(),
		pending:   newPendingTable(),
		limiter:   newRateLimiter(ratePerSecond(cfg.RateLimitPerMinute), float64(cfg.RateLimitBurst)),
		metrics:   newGatewayMetrics(),
		startedAt: time.Now(),
	}
	s.metrics.getChannels = s.reg.len
	s.metrics.getPending = s.pending.len
	return s
}

// Handler returns the gateway mux. Everything that is not the control
// channel, the management surface, or an operational endpoint falls through
// to the public ingress.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/tunnel", s.handleTunnelSocket)
	mux.HandleFunc("/tunnels", s.handleTunnels)
	mux.HandleFunc("/tunnels/", s.handleTunnelSubtree)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.metrics.handler())
	mux.HandleFunc("/", s.handleIngress)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleTunnelSubtree dispatches /tunnels/auth, /tunnels/presets,
// /tunnels/{id}, and /tunnels/{id}/status.
func (s *Server) handleTunnelSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tunnels/")
	switch {
	case rest == "auth":
		s.handleTunnelAuth(w, r)
	case rest == "presets":
		s.handleTunnelPresets(w, r)
	case strings.HasSuffix(rest, "/status"):
		s.handleTunnelStatus(w, r, strings.TrimSuffix(rest, "/status"))
	case rest != "" && !strings.Contains(rest, "/"):
		s.handleTunnelByID(w, r, rest)
	default:
		http.NotFound(w, r)
	}
}

func ratePerSecond(perMinute int) float64 {
	if perMinute <= 0 {
		return 1
	}
	return float64(perMinute) / 60.0
}
