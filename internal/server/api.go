package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunlify/tunlify/internal/auth"
	"github.com/tunlify/tunlify/internal/domain"
	"github.com/tunlify/tunlify/internal/portalloc"
	"github.com/tunlify/tunlify/internal/store/sqlite"
)

const (
	apiBodyLimit = int64(1 << 20)

	// portInsertRetries bounds re-picks when an auto-allocated port loses
	// the insert race to a concurrent creation.
	portInsertRetries = 3
)

// tunnelView is the REST rendering of a tunnel row plus the computed
// connection fields.
type tunnelView struct {
	ID              string              `json:"id"`
	Subdomain       string              `json:"subdomain"`
	Location        string              `json:"location"`
	ServiceType     string              `json:"service_type"`
	Protocol        string              `json:"protocol"`
	LocalPort       int                 `json:"local_port"`
	RemotePort      *int                `json:"remote_port,omitempty"`
	ConnectionToken string              `json:"connection_token"`
	Status          string              `json:"status"`
	ClientConnected bool                `json:"client_connected"`
	LastConnected   *time.Time          `json:"last_connected,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	TunnelURL       string              `json:"tunnel_url"`
	ConnectionInfo  string              `json:"connection_info"`
	ServiceInfo     *domain.ServiceType `json:"service_info,omitempty"`
}

type tunnelListResponse struct {
	Tunnels []tunnelView `json:"tunnels"`
}

type createTunnelResponse struct {
	Tunnel tunnelView `json:"tunnel"`
	Setup  []string   `json:"setup"`
}

type authTunnelResponse struct {
	Tunnel tunnelView `json:"tunnel"`
	WSURL  string     `json:"ws_url"`
}

type presetsResponse struct {
	Presets []domain.ServiceType `json:"presets"`
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleTunnelList(w, r, user)
	case http.MethodPost:
		s.handleTunnelCreate(w, r, user)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorResponse{Message: "method not allowed"})
	}
}

func (s *Server) handleTunnelList(w http.ResponseWriter, r *http.Request, user *domain.User) {
	tunnels, err := s.store.ListTunnels(r.Context(), user.ID)
	if err != nil {
		s.log.Error("tunnel list failed", "user_id", user.ID, "err", err)
		writeError(w, err)
		return
	}
	views := make([]tunnelView, 0, len(tunnels))
	for i := range tunnels {
		views = append(views, s.viewOf(&tunnels[i]))
	}
	writeJSON(w, http.StatusOK, tunnelListResponse{Tunnels: views})
}

func (s *Server) handleTunnelCreate(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if !s.allowMutation(w, r) {
		return
	}

	var req domain.CreateTunnelRequest
	if err := decodeJSONBody(w, r, apiBodyLimit, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Message: "invalid JSON body", Error: err.Error()})
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, domain.ValidationErrorResponse{Errors: fields})
		return
	}

	params := sqlite.CreateTunnelParams{
		UserID:      user.ID,
		Subdomain:   req.Subdomain,
		Region:      req.Location,
		ServiceType: req.ServiceType,
		Protocol:    req.ResolvedProtocol(),
		LocalPort:   req.ResolvedLocalPort(),
	}

	var tun *domain.Tunnel
	var err error
	switch {
	case params.Protocol == domain.ProtocolHTTP:
		tun, err = s.store.CreateTunnel(r.Context(), params)
	case req.RemotePort != nil:
		params.RemotePort = req.RemotePort
		tun, err = s.store.CreateTunnel(r.Context(), params)
	default:
		tun, err = s.createWithAllocatedPort(r.Context(), params)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	s.log.Info("tunnel created",
		"tunnel_id", tun.ID, "tunnel", tun.Key().String(),
		"protocol", tun.Protocol, "user_id", user.ID)
	writeJSON(w, http.StatusCreated, createTunnelResponse{
		Tunnel: s.viewOf(tun),
		Setup:  s.setupInstructions(tun),
	})
}

// createWithAllocatedPort picks a random free remote port and inserts,
// re-picking when a concurrent insert claims the port first. The unique
// index on (region, remote_port) is the arbiter.
func (s *Server) createWithAllocatedPort(ctx context.Context, params sqlite.CreateTunnelParams) (*domain.Tunnel, error) {
	var lastErr error
	for attempt := 0; attempt < portInsertRetries; attempt++ {
		port, err := portalloc.Allocate(ctx, s.store, params.Region)
		if err != nil {
			return nil, err
		}
		params.RemotePort = &port

		tun, err := s.store.CreateTunnel(ctx, params)
		var portErr *domain.PortInUseError
		if errors.As(err, &portErr) {
			lastErr = err
			continue
		}
		return tun, err
	}
	return nil, lastErr
}

func (s *Server) handleTunnelByID(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorResponse{Message: "method not allowed"})
		return
	}
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowMutation(w, r) {
		return
	}

	// Read the row first: the registry key is needed to close any open
	// channel, and it is gone once the row is.
	tun, err := s.store.FindTunnelByID(r.Context(), id)
	if err != nil || tun.UserID != user.ID {
		writeError(w, domain.ErrTunnelNotFound)
		return
	}
	if err := s.store.DeleteTunnel(r.Context(), id, user.ID); err != nil {
		writeError(w, err)
		return
	}

	if sess := s.reg.lookup(tun.Key()); sess != nil && sess.tunnel.ID == tun.ID {
		sess.closeWithCode(websocket.CloseNormalClosure, "tunnel deleted")
	}

	s.log.Info("tunnel deleted", "tunnel_id", tun.ID, "tunnel", tun.Key().String(), "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch {
		w.Header().Set("Allow", "PATCH")
		writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorResponse{Message: "method not allowed"})
		return
	}
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowMutation(w, r) {
		return
	}

	var req domain.UpdateStatusRequest
	if err := decodeJSONBody(w, r, apiBodyLimit, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Message: "invalid JSON body", Error: err.Error()})
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, domain.ValidationErrorResponse{Errors: fields})
		return
	}

	tun, err := s.store.FindTunnelByID(r.Context(), id)
	if err != nil || tun.UserID != user.ID {
		writeError(w, domain.ErrTunnelNotFound)
		return
	}

	connected := req.Status == domain.StatusActive
	if req.ClientConnected != nil {
		connected = *req.ClientConnected
	}
	var lastConnected *time.Time
	if connected {
		now := time.Now()
		lastConnected = &now
	}
	if err := s.store.UpdateTunnelStatus(r.Context(), id, req.Status, connected, lastConnected); err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.store.FindTunnelByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(updated))
}

// handleTunnelAuth trades a connection token for the tunnel's details. The
// token itself is the credential; no API key is involved.
func (s *Server) handleTunnelAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorResponse{Message: "method not allowed"})
		return
	}
	if !s.limiter.allow("auth:" + clientIP(r)) {
		s.metrics.recordRateLimited()
		writeJSON(w, http.StatusTooManyRequests, domain.ErrorResponse{Message: "too many requests"})
		return
	}

	var req domain.TokenAuthRequest
	if err := decodeJSONBody(w, r, apiBodyLimit, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Message: "invalid JSON body", Error: err.Error()})
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, domain.ValidationErrorResponse{Errors: fields})
		return
	}

	tun, err := s.store.FindTunnelByToken(r.Context(), req.ConnectionToken)
	if err != nil {
		writeError(w, domain.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, authTunnelResponse{
		Tunnel: s.viewOf(tun),
		WSURL:  s.controlChannelURL(tun),
	})
}

func (s *Server) handleTunnelPresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorResponse{Message: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, presetsResponse{Presets: domain.ServiceTypes()})
}

// authenticate resolves the Bearer API key to its user.
func (s *Server) authenticate(r *http.Request) (*domain.User, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return nil, domain.ErrUnauthorized
	}
	key := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if key == "" {
		return nil, domain.ErrUnauthorized
	}
	hash := auth.HashAPIKey(key, s.cfg.APIKeyPepper)
	user, err := s.store.FindUserByAPIKeyHash(r.Context(), hash)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}
	return user, nil
}

// allowMutation applies the per-IP rate limit to write operations. Reads
// stay unthrottled.
func (s *Server) allowMutation(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter.allow("api:" + clientIP(r)) {
		return true
	}
	s.metrics.recordRateLimited()
	writeJSON(w, http.StatusTooManyRequests, domain.ErrorResponse{Message: "too many requests"})
	return false
}

func (s *Server) viewOf(t *domain.Tunnel) tunnelView {
	view := tunnelView{
		ID:              t.ID,
		Subdomain:       t.Subdomain,
		Location:        t.Region,
		ServiceType:     t.ServiceType,
		Protocol:        t.Protocol,
		LocalPort:       t.LocalPort,
		RemotePort:      t.RemotePort,
		ConnectionToken: t.ConnectionToken,
		Status:          t.Status,
		ClientConnected: t.ClientConnected,
		LastConnected:   t.LastConnected,
		CreatedAt:       t.CreatedAt,
		TunnelURL:       s.publicURL(t),
	}
	if t.Protocol == domain.ProtocolHTTP {
		view.ConnectionInfo = view.TunnelURL
	} else if t.RemotePort != nil {
		view.ConnectionInfo = fmt.Sprintf("%s:%d", t.PublicHostname(s.cfg.BaseDomain), *t.RemotePort)
	}
	if st, ok := domain.ServiceTypeByKey(t.ServiceType); ok {
		view.ServiceInfo = &st
	}
	return view
}

func (s *Server) setupInstructions(t *domain.Tunnel) []string {
	lines := []string{
		fmt.Sprintf("Run the client on the machine that hosts your service: tunlify client --server %s --token %s", s.apiBaseURL(), t.ConnectionToken),
	}
	switch t.Protocol {
	case domain.ProtocolHTTP:
		lines = append(lines, fmt.Sprintf("Your service will be reachable at %s", s.publicURL(t)))
	default:
		if t.RemotePort != nil {
			lines = append(lines, fmt.Sprintf("Your service will be reachable at %s:%d", t.PublicHostname(s.cfg.BaseDomain), *t.RemotePort))
		}
	}
	return lines
}

func (s *Server) apiBaseURL() string {
	scheme := "http"
	if s.cfg.TLSMode != "off" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, s.cfg.APIHost)
}

func (s *Server) controlChannelURL(t *domain.Tunnel) string {
	scheme := "ws"
	if s.cfg.TLSMode != "off" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/tunnel?token=%s", scheme, s.cfg.APIHost, t.ConnectionToken)
}
