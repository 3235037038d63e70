package server

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tunlify/tunlify/internal/netutil"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

const (
	tcpAckTimeout   = 10 * time.Second
	tcpReadChunk    = 32 * 1024
	tcpInboundQueue = 32
	tcpDispatchWait = 5 * time.Second
)

// tcpRelay owns a tunnel's public TCP listener and the streams accepted on
// it. It lives exactly as long as the session that created it.
type tcpRelay struct {
	sess     *session
	listener net.Listener

	mu      sync.RWMutex
	streams map[string]*tcpStream
}

// tcpStream is one accepted ingress socket bridged to the client over
// tcp_* frames. The inbound channel carries client→socket payloads in frame
// order; it is closed only from the control channel's read loop.
type tcpStream struct {
	id   string
	conn net.Conn

	ack     chan error
	inbound chan []byte
	done    chan struct{}

	// inboundClosed is only touched from the control channel's read loop,
	// which serializes tcp_data and tcp_close for a stream.
	inboundClosed bool

	closeInbound sync.Once
	cleanupOnce  sync.Once
}

func newTCPRelay(sess *session, bindAddr string, port int) (*tcpRelay, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	r := &tcpRelay{
		sess:     sess,
		listener: listener,
		streams:  make(map[string]*tcpStream),
	}
	sess.srv.wg.Add(1)
	go func() {
		defer sess.srv.wg.Done()
		r.acceptLoop()
	}()
	sess.logger.Info("tcp listener bound", "addr", listener.Addr().String())
	return r, nil
}

func (r *tcpRelay) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		r.sess.srv.wg.Add(1)
		go func() {
			defer r.sess.srv.wg.Done()
			r.handleConn(conn)
		}()
	}
}

func (r *tcpRelay) handleConn(conn net.Conn) {
	sess := r.sess
	st := &tcpStream{
		id:      newConnectionID(),
		conn:    conn,
		ack:     make(chan error, 1),
		inbound: make(chan []byte, tcpInboundQueue),
		done:    make(chan struct{}),
	}
	r.add(st)
	defer r.cleanup(st)

	sess.srv.metrics.recordTCPStream()

	connect := tunnelproto.Frame{
		Type:         tunnelproto.TypeTCPConnect,
		ConnectionID: st.id,
		RemoteAddr:   conn.RemoteAddr().String(),
	}
	if err := sess.pump.WriteData(sess.ctx, connect); err != nil {
		return
	}

	select {
	case err := <-st.ack:
		if err != nil {
			sess.logger.Warn("tcp stream refused by client", "connection_id", st.id, "err", err)
			return
		}
	case <-sess.ctx.Done():
		return
	case <-time.After(tcpAckTimeout):
		sess.logger.Warn("timed out waiting for tcp_connect_ack", "connection_id", st.id)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pipeSocketToFrames(st)
	}()
	go func() {
		defer wg.Done()
		r.pipeFramesToSocket(st)
	}()
	wg.Wait()
}

// pipeSocketToFrames reads the ingress socket and emits tcp_data frames on
// the blocking data lane: a saturated channel pauses this reader, which is
// the backpressure contract.
func (r *tcpRelay) pipeSocketToFrames(st *tcpStream) {
	sess := r.sess
	buf := make([]byte, tcpReadChunk)
	for {
		n, err := st.conn.Read(buf)
		if n > 0 {
			frame := tunnelproto.Frame{
				Type:         tunnelproto.TypeTCPData,
				ConnectionID: st.id,
				Data:         tunnelproto.EncodeBody(buf[:n]),
			}
			if werr := sess.pump.WriteData(sess.ctx, frame); werr != nil {
				return
			}
			sess.srv.metrics.recordL4Bytes("tcp", "in", int64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				sess.logger.Debug("tcp ingress read ended", "connection_id", st.id, "err", err)
			}
			// tcp_close rides the same FIFO lane, so it cannot overtake
			// the data frames above.
			_ = sess.pump.WriteData(sess.ctx, tunnelproto.Frame{
				Type:         tunnelproto.TypeTCPClose,
				ConnectionID: st.id,
			})
			return
		}
	}
}

// pipeFramesToSocket writes client payloads to the ingress socket in frame
// order. A closed inbound channel is the client's tcp_close: half-close the
// write side and keep reading until the caller finishes.
func (r *tcpRelay) pipeFramesToSocket(st *tcpStream) {
	sess := r.sess
	for {
		select {
		case data, ok := <-st.inbound:
			if !ok {
				netutil.CloseWrite(st.conn)
				return
			}
			if _, err := st.conn.Write(data); err != nil {
				r.cleanup(st)
				return
			}
			sess.srv.metrics.recordL4Bytes("tcp", "out", int64(len(data)))
		case <-st.done:
			return
		case <-sess.ctx.Done():
			return
		}
	}
}

// dispatch routes one tcp_* frame from the control channel's read loop.
// Called from a single goroutine, so inbound sends never race its close.
func (r *tcpRelay) dispatch(f tunnelproto.Frame) {
	st := r.lookup(f.ConnectionID)
	if st == nil {
		r.sess.logger.Debug("frame for unknown tcp stream", "type", f.Type, "connection_id", f.ConnectionID)
		return
	}

	switch f.Type {
	case tunnelproto.TypeTCPConnectAck:
		st.deliverAck(nil)
	case tunnelproto.TypeTCPError:
		msg := f.Message
		if msg == "" {
			msg = "client could not open the local connection"
		}
		st.deliverAck(errors.New(msg))
		r.cleanup(st)
	case tunnelproto.TypeTCPData:
		if st.inboundClosed {
			return
		}
		data, err := tunnelproto.DecodeBody(f.Data)
		if err != nil {
			r.sess.logger.Warn("undecodable tcp_data payload", "connection_id", st.id, "err", err)
			r.cleanup(st)
			return
		}
		if !st.deliverData(data, tcpDispatchWait) {
			r.sess.logger.Warn("tcp stream consumer stalled, aborting", "connection_id", st.id)
			r.cleanup(st)
		}
	case tunnelproto.TypeTCPClose:
		st.inboundClosed = true
		st.closeInbound.Do(func() { close(st.inbound) })
	}
}

func (r *tcpRelay) add(st *tcpStream) {
	r.mu.Lock()
	r.streams[st.id] = st
	r.mu.Unlock()
}

func (r *tcpRelay) lookup(id string) *tcpStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[id]
}

// cleanup releases one stream: socket closed, waiters unblocked, entry gone.
func (r *tcpRelay) cleanup(st *tcpStream) {
	st.cleanupOnce.Do(func() {
		close(st.done)
		_ = st.conn.Close()
		r.mu.Lock()
		delete(r.streams, st.id)
		r.mu.Unlock()
	})
}

// close releases the listener and every live stream. Runs from session
// teardown.
func (r *tcpRelay) close() {
	_ = r.listener.Close()
	r.mu.RLock()
	streams := make([]*tcpStream, 0, len(r.streams))
	for _, st := range r.streams {
		streams = append(streams, st)
	}
	r.mu.RUnlock()
	for _, st := range streams {
		r.cleanup(st)
	}
}

func (st *tcpStream) deliverAck(err error) {
	select {
	case st.ack <- err:
	default:
	}
}

// deliverData hands a payload to the stream's writer, waiting a bounded
// time when the buffer is full. Returns false when the consumer is stalled.
func (st *tcpStream) deliverData(data []byte, wait time.Duration) bool {
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
