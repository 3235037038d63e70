package server

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunlify/tunlify/internal/tunnelproto"
)

const (
	udpReadBuffer  = 64 * 1024
	udpEnqueueWait = time.Second
)

// udpRelay owns a tunnel's public datagram socket. Sessions are keyed by the
// caller's address and reused for the idle window so replies route back.
type udpRelay struct {
	sess *session
	conn *net.UDPConn
	idle time.Duration

	mu     sync.Mutex
	byAddr map[string]*udpFlow
	byID   map[string]*udpFlow
}

type udpFlow struct {
	id               string
	addr             *net.UDPAddr
	lastSeenUnixNano atomic.Int64
}

func newUDPRelay(sess *session, bindAddr string, port int, idle time.Duration) (*udpRelay, error) {
	pc, err := net.ListenPacket("udp", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	r := &udpRelay{
		sess:   sess,
		conn:   pc.(*net.UDPConn),
		idle:   idle,
		byAddr: make(map[string]*udpFlow),
		byID:   make(map[string]*udpFlow),
	}
	sess.srv.wg.Add(2)
	go func() {
		defer sess.srv.wg.Done()
		r.readLoop()
	}()
	go func() {
		defer sess.srv.wg.Done()
		r.expireLoop()
	}()
	sess.logger.Info("udp listener bound", "addr", r.conn.LocalAddr().String())
	return r, nil
}

func (r *udpRelay) readLoop() {
	buf := make([]byte, udpReadBuffer)
	for {
		n, raddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		flow := r.flowFor(raddr)

		payload := make([]byte, n)
		copy(payload, buf[:n])
		frame := tunnelproto.Frame{
			Type:       tunnelproto.TypeUDPData,
			SessionID:  flow.id,
			SourceAddr: raddr.String(),
			Data:       tunnelproto.EncodeBody(payload),
		}
		// Datagrams are droppable: a saturated channel loses this one
		// instead of stalling the socket.
		if err := r.sess.pump.WriteDataTimeout(frame, udpEnqueueWait); err != nil {
			r.sess.logger.Debug("dropped udp datagram", "session_id", flow.id, "err", err)
			continue
		}
		r.sess.srv.metrics.recordL4Bytes("udp", "in", int64(n))
	}
}

// dispatch writes a udp_response payload back to the flow's remote address.
func (r *udpRelay) dispatch(f tunnelproto.Frame) {
	r.mu.Lock()
	flow := r.byID[f.SessionID]
	r.mu.Unlock()
	if flow == nil {
		r.sess.logger.Debug("udp_response for expired session", "session_id", f.SessionID)
		return
	}

	data, err := tunnelproto.DecodeBody(f.Data)
	if err != nil {
		r.sess.logger.Warn("undecodable udp_response payload", "session_id", f.SessionID, "err", err)
		return
	}
	flow.touch(time.Now())
	if _, err := r.conn.WriteToUDP(data, flow.addr); err != nil {
		r.sess.logger.Debug("udp reply write failed", "session_id", f.SessionID, "err", err)
		return
	}
	r.sess.srv.metrics.recordL4Bytes("udp", "out", int64(len(data)))
}

// flowFor returns the live flow for raddr, creating one when none exists.
func (r *udpRelay) flowFor(raddr *net.UDPAddr) *udpFlow {
	key := raddr.String()
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if flow, ok := r.byAddr[key]; ok {
		flow.touch(now)
		return flow
	}
	flow := &udpFlow{id: newUDPSessionID(), addr: raddr}
	flow.touch(now)
	r.byAddr[key] = flow
	r.byID[flow.id] = flow
	r.sess.srv.metrics.recordUDPSession()
	return flow
}

func (r *udpRelay) expireLoop() {
	interval := r.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sess.ctx.Done():
			return
		case <-ticker.C:
			r.expire(time.Now())
		}
	}
}

func (r *udpRelay) expire(now time.Time) int {
	cutoff := now.Add(-r.idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, flow := range r.byAddr {
		if flow.lastSeen().After(cutoff) {
			continue
		}
		delete(r.byAddr, key)
		delete(r.byID, flow.id)
		removed++
	}
	return removed
}

func (r *udpRelay) close() {
	_ = r.conn.Close()
}

func (f *udpFlow) touch(t time.Time) {
	f.lastSeenUnixNano.Store(t.UnixNano())
}

func (f *udpFlow) lastSeen() time.Time {
	return time.Unix(0, f.lastSeenUnixNano.Load())
}
