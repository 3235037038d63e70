package client

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tunlify/tunlify/internal/netutil"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

const (
	tcpReadChunk    = 32 * 1024
	tcpInboundQueue = 32
	tcpDispatchWait = 5 * time.Second

	// tcpDialTimeout stays under the gateway's connect-ack wait so a hung
	// dial cannot leave a stream the gateway already abandoned.
	tcpDialTimeout = 10 * time.Second
)

// localStream is one gateway-initiated TCP bridge onto the local service.
// Gateway→local payloads arrive through the session's dispatch goroutine in
// frame order; local→gateway reads ride the pump's FIFO data lane.
type localStream struct {
	id   string
	conn net.Conn

	inbound chan []byte
	done    chan struct{}

	// inboundClosed is only touched from the session dispatch goroutine,
	// which serializes tcp_data and tcp_close for a stream.
	inboundClosed bool

	closeInbound sync.Once
	cleanupOnce  sync.Once
}

// handleTCPConnect opens the local socket for a new public connection. The
// dial runs on the dispatch goroutine: it is bounded, and acking before any
// tcp_data can be dispatched is what keeps the stream table race-free.
func (s *session) handleTCPConnect(f tunnelproto.Frame) {
	timeout := s.client.cfg.LocalTimeout
	if timeout <= 0 || timeout > tcpDialTimeout {
		timeout = tcpDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(s.ctx, "tcp", s.target.Addr())
	if err != nil {
		s.log.Warn("local tcp dial failed", "connection_id", f.ConnectionID, "err", err)
		_ = s.pump.WriteData(s.ctx, tunnelproto.Frame{
			Type:         tunnelproto.TypeTCPError,
			ConnectionID: f.ConnectionID,
			Message:      "local target unreachable",
		})
		return
	}

	st := &localStream{
		id:      f.ConnectionID,
		conn:    conn,
		inbound: make(chan []byte, tcpInboundQueue),
		done:    make(chan struct{}),
	}
	s.addStream(st)
	s.log.Info("tcp stream opened", "connection_id", st.id, "remote", f.RemoteAddr)

	if err := s.pump.WriteData(s.ctx, tunnelproto.Frame{
		Type:         tunnelproto.TypeTCPConnectAck,
		ConnectionID: st.id,
	}); err != nil {
		s.cleanupStream(st)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.cleanupStream(st)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.pipeLocalToFrames(st)
		}()
		go func() {
			defer wg.Done()
			s.pipeFramesToLocal(st)
		}()
		wg.Wait()
	}()
}

// pipeLocalToFrames reads the local socket and emits tcp_data frames on the
// blocking data lane; a saturated channel pauses this reader, which is the
// backpressure contract. The trailing tcp_close rides the same FIFO lane.
func (s *session) pipeLocalToFrames(st *localStream) {
	buf := make([]byte, tcpReadChunk)
	for {
		n, err := st.conn.Read(buf)
		if n > 0 {
			frame := tunnelproto.Frame{
				Type:         tunnelproto.TypeTCPData,
				ConnectionID: st.id,
				Data:         tunnelproto.EncodeBody(buf[:n]),
			}
			if werr := s.pump.WriteData(s.ctx, frame); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("local tcp read ended", "connection_id", st.id, "err", err)
			}
			_ = s.pump.WriteData(s.ctx, tunnelproto.Frame{
				Type:         tunnelproto.TypeTCPClose,
				ConnectionID: st.id,
			})
			return
		}
	}
}

// pipeFramesToLocal writes gateway payloads to the local socket in frame
// order. A closed inbound channel is the gateway's tcp_close: half-close the
// write side and keep reading until the local service finishes.
func (s *session) pipeFramesToLocal(st *localStream) {
	for {
		select {
		case data, ok := <-st.inbound:
			if !ok {
				netutil.CloseWrite(st.conn)
				return
			}
			if _, err := st.conn.Write(data); err != nil {
				s.cleanupStream(st)
				return
			}
		case <-st.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// dispatchTCP routes one tcp_data or tcp_close frame. Called only from the
// session dispatch goroutine, so inbound sends never race its close.
func (s *session) dispatchTCP(f tunnelproto.Frame) {
	st := s.lookupStream(f.ConnectionID)
	if st == nil {
		s.log.Debug("frame for unknown tcp stream", "type", f.Type, "connection_id", f.ConnectionID)
		return
	}

	switch f.Type {
	case tunnelproto.TypeTCPData:
		if st.inboundClosed {
			return
		}
		data, err := tunnelproto.DecodeBody(f.Data)
		if err != nil {
			s.log.Warn("undecodable tcp_data payload", "connection_id", st.id, "err", err)
			s.cleanupStream(st)
			return
		}
		if !st.deliverData(data, tcpDispatchWait) {
			s.log.Warn("local tcp writer stalled, aborting", "connection_id", st.id)
			s.cleanupStream(st)
		}
	case tunnelproto.TypeTCPClose:
		st.inboundClosed = true
		st.closeInbound.Do(func() { close(st.inbound) })
	}
}

func (s *session) addStream(st *localStream) {
	s.tcpMu.Lock()
	s.tcp[st.id] = st
	s.tcpMu.Unlock()
}

func (s *session) lookupStream(id string) *localStream {
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()
	return s.tcp[id]
}

// cleanupStream releases one stream: socket closed, pipes unblocked, entry
// gone.
func (s *session) cleanupStream(st *localStream) {
	st.cleanupOnce.Do(func() {
		close(st.done)
		_ = st.conn.Close()
		s.tcpMu.Lock()
		delete(s.tcp, st.id)
		s.tcpMu.Unlock()
	})
}

func (s *session) closeTCPStreams() {
	s.tcpMu.Lock()
	streams := make([]*localStream, 0, len(s.tcp))
	for _, st := range s.tcp {
		streams = append(streams, st)
	}
	s.tcpMu.Unlock()
	for _, st := range streams {
		s.cleanupStream(st)
	}
}

// deliverData hands a payload to the stream's writer, waiting a bounded time
// when the buffer is full. Returns false when the writer is stalled.
func (st *localStream) deliverData(data []byte, wait time.Duration) bool {
	select {
	case st.inbound <- data:
		return true
	case <-st.done:
		return true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case st.inbound <- data:
		return true
	case <-st.done:
		return true
	case <-timer.C:
		return false
	}
}
