package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunlify/tunlify/internal/netutil"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second

	// clientReadLimit covers the gateway's default body cap with room for
	// base64 inflation and frame overhead.
	clientReadLimit = 32 << 20

	frameQueue            = 64
	maxConcurrentForwards = 32
)

// session is one live control channel. The read loop feeds frames into a
// single dispatch goroutine (run), which preserves per-stream ordering; HTTP
// forwards and local socket pumps fan out from there.
type session struct {
	client *Client
	tunnel tunnelInfo
	target netutil.Target

	conn *websocket.Conn
	pump *tunnelproto.WritePump
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup

	requestSem chan struct{}

	frames  chan tunnelproto.Frame
	readErr chan error
	beatErr chan error

	tcpMu sync.Mutex
	tcp   map[string]*localStream

	udpMu sync.Mutex
	udp   map[string]*localFlow

	heartbeatSentUnixNano atomic.Int64
}

func (c *Client) newSession(parent context.Context, reg authResponse, target netutil.Target) (*session, error) {
	wsURL, err := c.controlURL(reg)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: c.cfg.InsecureTLS,
		},
	}
	conn, _, err := dialer.DialContext(parent, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}
	conn.SetReadLimit(clientReadLimit)

	ctx, cancel := context.WithCancel(parent)
	s := &session{
		client:     c,
		tunnel:     reg.Tunnel,
		target:     target,
		conn:       conn,
		pump:       tunnelproto.NewWritePump(conn, wsWriteTimeout, tunnelproto.DefaultControlQueue, tunnelproto.DefaultDataQueue),
		log:        c.log.With("tunnel", reg.Tunnel.Subdomain+"."+reg.Tunnel.Location),
		ctx:        ctx,
		cancel:     cancel,
		requestSem: make(chan struct{}, maxConcurrentForwards),
		frames:     make(chan tunnelproto.Frame, frameQueue),
		readErr:    make(chan error, 1),
		beatErr:    make(chan error, 1),
		tcp:        make(map[string]*localStream),
		udp:        make(map[string]*localFlow),
	}

	// Cancellation reaches a blocked ReadJSON only through the socket.
	go func() {
		<-s.ctx.Done()
		_ = s.conn.Close()
	}()

	s.startReadLoop()
	s.startHeartbeatLoop()
	return s, nil
}

// run dispatches frames until the channel dies. Per-stream ordering holds
// because every frame passes through this one goroutine.
func (s *session) run() error {
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case err := <-s.beatErr:
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			return err
		case err := <-s.readErr:
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			return err
		case f := <-s.frames:
			s.handleFrame(f)
		}
	}
}

func (s *session) handleFrame(f tunnelproto.Frame) {
	switch f.Type {
	case tunnelproto.TypeConnected:
		s.log.Info("tunnel connected", "public_url", f.PublicURL, "tunnel_id", f.TunnelID)
		s.announceLocalAddress()
	case tunnelproto.TypeRequest:
		s.handleRequest(f)
	case tunnelproto.TypeTCPConnect:
		s.handleTCPConnect(f)
	case tunnelproto.TypeTCPData, tunnelproto.TypeTCPClose:
		s.dispatchTCP(f)
	case tunnelproto.TypeUDPData:
		s.handleUDPData(f)
	case tunnelproto.TypeHeartbeat:
		_ = s.pump.WriteControl(tunnelproto.Frame{Type: tunnelproto.TypeHeartbeatAck})
	case tunnelproto.TypeHeartbeatAck:
		s.observeHeartbeatAck()
	case tunnelproto.TypeError:
		s.log.Warn("gateway reported an error", "request_id", f.RequestID, "message", f.Message)
	default:
		s.log.Debug("dropping unknown frame type", "type", f.Type)
	}
}

func (s *session) announceLocalAddress() {
	_ = s.pump.WriteControl(tunnelproto.Frame{
		Type:    tunnelproto.TypeSetLocalAddress,
		Address: localAddress(s.target),
	})
}

func (s *session) startReadLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			var f tunnelproto.Frame
			if err := s.conn.ReadJSON(&f); err != nil {
				select {
				case s.readErr <- err:
				default:
				}
				return
			}
			select {
			case s.frames <- f:
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// startHeartbeatLoop probes the gateway on the client's own cadence. The
// gateway echoes heartbeat_ack; both directions refresh its liveness clock.
func (s *session) startHeartbeatLoop() {
	interval := s.client.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.heartbeatSentUnixNano.Store(time.Now().UnixNano())
				if err := s.pump.WriteControl(tunnelproto.Frame{Type: tunnelproto.TypeHeartbeat}); err != nil {
					select {
					case s.beatErr <- err:
					default:
					}
					return
				}
			}
		}
	}()
}

func (s *session) observeHeartbeatAck() {
	sent := s.heartbeatSentUnixNano.Load()
	if sent == 0 {
		return
	}
	s.log.Debug("heartbeat ack", "rtt", time.Since(time.Unix(0, sent)).Round(time.Millisecond).String())
}

// close tears the session down exactly once: cancel in-flight work, stop the
// pump, drop local sockets, and wait for every worker to finish.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.pump.Close()
		_ = s.conn.Close()
		s.closeTCPStreams()
		s.closeUDPFlows()
		s.wg.Wait()
	})
}
