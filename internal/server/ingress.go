package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tunlify/tunlify/internal/domain"
	"github.com/tunlify/tunlify/internal/netutil"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

// ingressEnqueueWait bounds how long an HTTP request waits for space on a
// saturated channel before failing fast.
const ingressEnqueueWait = 2 * time.Second

// handleIngress proxies one public HTTP request through the tunnel's control
// channel. Routing comes from the edge-injected X-Tunnel-Subdomain and
// X-Tunnel-Region headers; without an edge in front the Host header serves.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	subdomain := strings.TrimSpace(r.Header.Get("X-Tunnel-Subdomain"))
	region := strings.TrimSpace(r.Header.Get("X-Tunnel-Region"))
	if subdomain == "" && region == "" {
		if sub, rgn, ok := netutil.SplitTunnelHost(r.Host, s.cfg.BaseDomain); ok {
			subdomain, region = sub, rgn
		}
	}
	if !domain.ValidSubdomain(subdomain) || !domain.ValidRegion(region) {
		s.metrics.recordIngress(outcomeBadRoute)
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Message: "Missing or malformed tunnel routing headers",
			Error:   "bad_route",
		})
		return
	}

	tun, err := s.store.FindActiveTunnel(r.Context(), subdomain, region)
	if err != nil {
		s.metrics.recordIngress(outcomeNotFound)
		writeJSON(w, http.StatusNotFound, domain.ErrorResponse{
			Message: "Tunnel not found",
			Error:   "not_found",
			Tunnel:  subdomain + "." + region,
		})
		return
	}
	host := tun.PublicHostname(s.cfg.BaseDomain)

	if !tun.ClientConnected {
		s.metrics.recordIngress(outcomeClientDown)
		writeJSON(w, http.StatusServiceUnavailable, domain.ErrorResponse{
			Message: "Tunnel client is not connected. Start it with: tunlify client --token <connection-token>",
			Error:   "client_disconnected",
			Tunnel:  host,
		})
		return
	}

	sess := s.reg.lookup(tun.Key())
	if sess == nil {
		// Catalog says connected but this gateway holds no channel, e.g.
		// right after a restart.
		s.metrics.recordIngress(outcomeChannelDown)
		writeJSON(w, http.StatusServiceUnavailable, domain.ErrorResponse{
			Message: "Tunnel control channel is not connected",
			Error:   "websocket_disconnected",
			Tunnel:  host,
		})
		return
	}

	frame, err := s.buildRequestFrame(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.recordIngress(outcomeBodyTooLarge)
			writeJSON(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{
				Message: "Request body too large",
				Error:   "body_too_large",
				Tunnel:  host,
			})
			return
		}
		s.metrics.recordIngress(outcomeBadRoute)
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Message: "Unreadable request body",
			Error:   err.Error(),
			Tunnel:  host,
		})
		return
	}

	// Register before enqueue so a fast response cannot miss the table.
	id := frame.RequestID
	resultCh := s.pending.register(id, tun.Key(), r.Method, r.URL.Path, s.cfg.RequestTimeout)

	if err := sess.pump.WriteDataTimeout(frame, ingressEnqueueWait); err != nil {
		s.pending.fail(id, err)
		s.metrics.recordIngress(outcomeQueueFull)
		writeJSON(w, http.StatusServiceUnavailable, domain.ErrorResponse{
			Message: "Tunnel is saturated, try again shortly",
			Error:   "send_queue_full",
			Tunnel:  host,
		})
		return
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			s.writeIngressError(w, res.err, host)
			return
		}
		s.writeProxiedResponse(w, res.frame, tun)
	case <-r.Context().Done():
		// Caller hung up; nothing left to write, but the entry must go.
		s.pending.fail(id, r.Context().Err())
		s.metrics.recordIngress(outcomeClientCancelled)
	}
}

// buildRequestFrame renders r as a request frame: sanitized headers, the
// original URL, and the body (omitted for GET/HEAD, base64 when binary).
func (s *Server) buildRequestFrame(w http.ResponseWriter, r *http.Request) (tunnelproto.Frame, error) {
	f := tunnelproto.Frame{
		Type:      tunnelproto.TypeRequest,
		RequestID: newRequestID(),
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Headers:   netutil.FlattenHeaders(r.Header),
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return f, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return f, err
	}
	if len(body) > 0 {
		f.Encoding, f.Body = tunnelproto.EncodeHTTPBody(body, tunnelproto.IsBinaryContentType(r.Header.Get("Content-Type")))
	}
	return f, nil
}

func (s *Server) writeProxiedResponse(w http.ResponseWriter, f tunnelproto.Frame, tun *domain.Tunnel) {
	body, err := tunnelproto.DecodeHTTPBody(f.Encoding, f.Body)
	if err != nil {
		s.metrics.recordIngress(outcomeBadGateway)
		writeJSON(w, http.StatusBadGateway, domain.ErrorResponse{
			Message: "Bad Gateway",
			Error:   "malformed response body",
			Tunnel:  tun.PublicHostname(s.cfg.BaseDomain),
		})
		return
	}

	for name, value := range netutil.SanitizeHeaderMap(f.Headers) {
		w.Header().Set(name, value)
	}
	w.Header().Set("X-Tunnel-Subdomain", tun.Subdomain)
	w.Header().Set("X-Tunnel-Region", tun.Region)
	w.Header().Set("X-Powered-By", "Tunlify")

	status := f.StatusCode
	if status < 100 || status > 599 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.metrics.recordIngress(outcomeOK)
}

func (s *Server) writeIngressError(w http.ResponseWriter, err error, host string) {
	switch {
	case errors.Is(err, domain.ErrRequestTimeout):
		s.metrics.recordIngress(outcomeTimeout)
		writeJSON(w, http.StatusGatewayTimeout, domain.ErrorResponse{
			Message: "Gateway Timeout",
			Tunnel:  host,
		})
	case errors.Is(err, domain.ErrTunnelGone):
		s.metrics.recordIngress(outcomeTunnelGone)
		writeJSON(w, http.StatusBadGateway, domain.ErrorResponse{
			Message: "Bad Gateway",
			Error:   "tunnel disconnected",
			Tunnel:  host,
		})
	default:
		s.metrics.recordIngress(outcomeBadGateway)
		writeJSON(w, http.StatusBadGateway, domain.ErrorResponse{
			Message: "Bad Gateway",
			Error:   err.Error(),
			Tunnel:  host,
		})
	}
}
