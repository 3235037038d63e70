package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunlify/tunlify/internal/domain"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

const (
	wsWriteTimeout = 10 * time.Second
	minWSReadLimit = int64(1 << 20)

	// teardownStoreTimeout bounds the catalog update on channel close; the
	// request context is already gone by then.
	teardownStoreTimeout = 10 * time.Second
)

// session is one authenticated control channel. It owns the socket, the
// write pump, and the tunnel's L4 listeners for as long as it lives.
type session struct {
	srv    *Server
	tunnel *domain.Tunnel
	key    domain.TunnelKey
	user   *domain.User
	conn   *websocket.Conn
	pump   *tunnelproto.WritePump
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	tcp *tcpRelay
	udp *udpRelay

	lastSeenUnixNano atomic.Int64
	closeOnce        sync.Once
}

func (s *Server) handleTunnelSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow("ws:" + clientIP(r)) {
		s.metrics.recordRateLimited()
		writeJSON(w, http.StatusTooManyRequests, domain.ErrorResponse{Message: "too many connection attempts"})
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}

	// Token auth happens after the upgrade: a bad token answers with a
	// policy-violation close frame, not an HTTP status.
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		closeWithPolicyViolation(conn, "missing token")
		return
	}
	tunnel, err := s.store.FindTunnelByToken(r.Context(), token)
	if err != nil {
		s.log.Warn("control channel auth failed", "remote", clientIP(r))
		closeWithPolicyViolation(conn, "invalid token")
		return
	}

	user, err := s.store.FindUserByID(r.Context(), tunnel.UserID)
	if err != nil {
		s.log.Warn("tunnel has no owner", "tunnel_id", tunnel.ID, "user_id", tunnel.UserID)
	}

	// Last writer wins: tear down any prior channel for this key first, so
	// its L4 listeners release their ports before this session binds them.
	if prev := s.reg.lookup(tunnel.Key()); prev != nil {
		prev.logger.Info("control channel replaced by newer connection")
		prev.closeWithCode(websocket.ClosePolicyViolation, "replaced by newer connection")
	}

	now := time.Now()
	if err := s.store.UpdateTunnelStatus(r.Context(), tunnel.ID, domain.StatusActive, true, &now); err != nil {
		s.log.Error("failed to mark tunnel connected", "tunnel_id", tunnel.ID, "err", err)
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		srv:    s,
		tunnel: tunnel,
		key:    tunnel.Key(),
		user:   user,
		conn:   conn,
		logger: s.log.With("tunnel_id", tunnel.ID, "tunnel", tunnel.Key().String()),
		ctx:    ctx,
		cancel: cancel,
	}
	sess.pump = tunnelproto.NewWritePump(conn, wsWriteTimeout, tunnelproto.DefaultControlQueue, tunnelproto.DefaultDataQueue)

	wsReadLimit := s.cfg.MaxBodyBytes * 2
	if wsReadLimit < minWSReadLimit {
		wsReadLimit = minWSReadLimit
	}
	conn.SetReadLimit(wsReadLimit)
	sess.touch(time.Now())

	if prev := s.reg.insert(sess.key, sess); prev != nil {
		prev.closeWithCode(websocket.ClosePolicyViolation, "replaced by newer connection")
	}

	if err := sess.startL4(); err != nil {
		sess.logger.Error("failed to bind tunnel port", "err", err)
		sess.closeWithCode(websocket.CloseInternalServerErr, "port bind failed")
		return
	}

	_ = sess.pump.WriteControl(tunnelproto.Frame{
		Type:      tunnelproto.TypeConnected,
		TunnelID:  tunnel.ID,
		Subdomain: tunnel.Subdomain,
		Region:    tunnel.Region,
		PublicURL: s.publicURL(tunnel),
	})

	s.metrics.recordConnect(tunnel.Region)
	sess.logger.Info("tunnel connected", "protocol", tunnel.Protocol, "owner", sess.ownerEmail())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		sess.heartbeatLoop(s.cfg.HeartbeatInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(sess)
	}()
}

func (s *Server) readLoop(sess *session) {
	defer sess.teardown("read loop ended")

	for {
		var f tunnelproto.Frame
		if err := sess.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				sess.logger.Warn("control channel read error", "err", err)
			}
			return
		}
		sess.touch(time.Now())

		switch f.Type {
		case tunnelproto.TypeResponse:
			if !s.pending.complete(f.RequestID, f) {
				sess.logger.Debug("response for unknown request", "request_id", f.RequestID)
			}
		case tunnelproto.TypeError:
			msg := f.Message
			if msg == "" {
				msg = "client reported an error"
			}
			s.pending.fail(f.RequestID, fmt.Errorf("%w: %s", domain.ErrBadGateway, msg))
		case tunnelproto.TypeHeartbeat:
			_ = sess.pump.WriteControl(tunnelproto.Frame{Type: tunnelproto.TypeHeartbeatAck})
		case tunnelproto.TypeHeartbeatAck:
			// touch above is the whole point
		case tunnelproto.TypeSetLocalAddress:
			sess.logger.Info("client announced local target", "address", f.Address)
		case tunnelproto.TypeTCPConnectAck, tunnelproto.TypeTCPData, tunnelproto.TypeTCPClose, tunnelproto.TypeTCPError:
			if sess.tcp == nil {
				sess.logger.Debug("tcp frame for tunnel without tcp listener", "type", f.Type)
				continue
			}
			sess.tcp.dispatch(f)
		case tunnelproto.TypeUDPResponse:
			if sess.udp == nil {
				sess.logger.Debug("udp frame for tunnel without udp listener")
				continue
			}
			sess.udp.dispatch(f)
		default:
			sess.logger.Debug("dropping unknown frame type", "type", f.Type)
		}
	}
}

// heartbeatLoop probes the client periodically. Acks land in the read loop
// and refresh lastSeen; the janitor evicts channels that stop answering.
func (sess *session) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			if err := sess.pump.WriteControl(tunnelproto.Frame{Type: tunnelproto.TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

// startL4 binds the tunnel's public TCP or UDP port. HTTP tunnels need no
// listener of their own.
func (sess *session) startL4() error {
	if sess.tunnel.RemotePort == nil {
		return nil
	}
	switch sess.tunnel.Protocol {
	case domain.ProtocolTCP:
		relay, err := newTCPRelay(sess, sess.srv.cfg.L4BindAddr, *sess.tunnel.RemotePort)
		if err != nil {
			return err
		}
		sess.tcp = relay
		return nil
	case domain.ProtocolUDP:
		relay, err := newUDPRelay(sess, sess.srv.cfg.L4BindAddr, *sess.tunnel.RemotePort, sess.srv.cfg.UDPSessionIdle)
		if err != nil {
			return err
		}
		sess.udp = relay
		return nil
	}
	return nil
}

// teardown runs the close path exactly once: stop the pump, drop the
// registry entry if we still own it, fail in-flight requests, release L4
// resources, and mark the tunnel disconnected in the catalog. Concurrent
// callers block until the running teardown completes, so a replacement
// handler that closed the previous session sees its ports freed and its
// catalog write finished before proceeding.
func (sess *session) teardown(reason string) {
	sess.closeOnce.Do(func() {
		sess.cancel()
		sess.pump.Close()
		_ = sess.conn.Close()

		owned := sess.srv.reg.remove(sess.key, sess)
		cancelled := sess.srv.pending.cancelByKey(sess.key, domain.ErrTunnelGone)
		if sess.tcp != nil {
			sess.tcp.close()
		}
		if sess.udp != nil {
			sess.udp.close()
		}

		// A displaced session must not overwrite the catalog state its
		// replacement just wrote.
		if owned {
			ctx, cancel := context.WithTimeout(context.Background(), teardownStoreTimeout)
			if err := sess.srv.store.UpdateTunnelStatus(ctx, sess.tunnel.ID, domain.StatusInactive, false, nil); err != nil {
				sess.logger.Error("failed to mark tunnel disconnected", "err", err)
			}
			cancel()
		}

		sess.srv.metrics.recordClose(sess.key.Region)
		sess.logger.Info("tunnel disconnected", "reason", reason, "cancelled_requests", cancelled)
	})
}

// closeWithCode sends a close frame before tearing the session down. Used
// for policy closes (replacement, deletion) and janitor evictions.
func (sess *session) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	sess.teardown(reason)
}

func (sess *session) touch(t time.Time) {
	sess.lastSeenUnixNano.Store(t.UnixNano())
}

func (sess *session) lastSeen() time.Time {
	n := sess.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

func (sess *session) ownerEmail() string {
	if sess.user == nil {
		return ""
	}
	return sess.user.Email
}

func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// publicURL is what the connected frame advertises: the browsable URL for
// HTTP tunnels, host:port for raw ones.
func (s *Server) publicURL(t *domain.Tunnel) string {
	host := t.PublicHostname(s.cfg.BaseDomain)
	if t.Protocol == domain.ProtocolHTTP {
		scheme := "http"
		if s.cfg.TLSMode != "off" {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	port := 0
	if t.RemotePort != nil {
		port = *t.RemotePort
	}
	return fmt.Sprintf("%s://%s:%d", t.Protocol, host, port)
}
