package client

import (
	"errors"
	"net"
	"time"

	"github.com/tunlify/tunlify/internal/tunnelproto"
)

const (
	udpReadBuffer  = 64 * 1024
	udpEnqueueWait = time.Second

	// udpFlowIdle matches the gateway's session window: a flow with no
	// traffic either way for this long is dropped.
	udpFlowIdle = 60 * time.Second
)

// localFlow is one gateway UDP session bridged onto a connected local
// datagram socket. The socket's read deadline doubles as the idle timer: when
// it fires the reply pump exits and the flow is gone.
type localFlow struct {
	id   string
	conn *net.UDPConn
}

// handleUDPData relays one public datagram to the local target, reusing the
// flow's socket so replies route back to the same public caller.
func (s *session) handleUDPData(f tunnelproto.Frame) {
	data, err := tunnelproto.DecodeBody(f.Data)
	if err != nil {
		s.log.Warn("undecodable udp_data payload", "session_id", f.SessionID, "err", err)
		return
	}

	flow, err := s.flowFor(f.SessionID, f.SourceAddr)
	if err != nil {
		s.log.Warn("local udp dial failed", "session_id", f.SessionID, "err", err)
		return
	}

	_ = flow.conn.SetReadDeadline(time.Now().Add(udpFlowIdle))
	if _, err := flow.conn.Write(data); err != nil {
		s.log.Debug("local udp write failed", "session_id", f.SessionID, "err", err)
		s.dropFlow(flow)
	}
}

// flowFor returns the live flow for a gateway session id, dialing a fresh
// local socket and starting its reply pump when none exists.
func (s *session) flowFor(id, source string) (*localFlow, error) {
	s.udpMu.Lock()
	if flow, ok := s.udp[id]; ok {
		s.udpMu.Unlock()
		return flow, nil
	}
	s.udpMu.Unlock()

	conn, err := net.Dial("udp", s.target.Addr())
	if err != nil {
		return nil, err
	}
	flow := &localFlow{id: id, conn: conn.(*net.UDPConn)}

	s.udpMu.Lock()
	if existing, ok := s.udp[id]; ok {
		// Lost a create race; keep the first socket.
		s.udpMu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	s.udp[id] = flow
	s.udpMu.Unlock()

	s.log.Debug("udp flow opened", "session_id", id, "source", source)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpFlowReplies(flow)
	}()
	return flow, nil
}

// pumpFlowReplies reads local replies and emits udp_response frames.
// Datagrams are droppable: a saturated send queue loses the reply instead of
// stalling the pump.
func (s *session) pumpFlowReplies(flow *localFlow) {
	defer s.dropFlow(flow)

	buf := make([]byte, udpReadBuffer)
	for {
		n, err := flow.conn.Read(buf)
		if err != nil {
			// Deadline hit, socket closed, or the local port answered
			// with an ICMP error; the flow is done either way.
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		frame := tunnelproto.Frame{
			Type:      tunnelproto.TypeUDPResponse,
			SessionID: flow.id,
			Data:      tunnelproto.EncodeBody(payload),
		}
		if err := s.pump.WriteDataTimeout(frame, udpEnqueueWait); err != nil {
			if errors.Is(err, tunnelproto.ErrPumpClosed) {
				return
			}
			s.log.Debug("dropped udp reply", "session_id", flow.id, "err", err)
			continue
		}
		_ = flow.conn.SetReadDeadline(time.Now().Add(udpFlowIdle))
	}
}

func (s *session) dropFlow(flow *localFlow) {
	s.udpMu.Lock()
	if s.udp[flow.id] == flow {
		delete(s.udp, flow.id)
	}
	s.udpMu.Unlock()
	_ = flow.conn.Close()
}

func (s *session) closeUDPFlows() {
	s.udpMu.Lock()
	flows := make([]*localFlow, 0, len(s.udp))
	for _, flow := range s.udp {
		flows = append(flows, flow)
	}
	s.udpMu.Unlock()
	for _, flow := range flows {
		s.dropFlow(flow)
	}
}
