package tunnelproto

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPumpClosed is returned for writes against a closed pump.
var ErrPumpClosed = errors.New("write pump closed")

// ErrSendQueueFull is returned by bounded-wait writes when the data lane
// stays saturated past the caller's wait.
var ErrSendQueueFull = errors.New("send queue full")

const defaultControlEnqueueWait = 2 * time.Second

// Default queue capacities for a control channel's write pump.
const (
	DefaultControlQueue = 16
	DefaultDataQueue    = 64
)

type writeRequest struct {
	frame Frame
	done  chan error
}

// WritePump is the single writer of a control-channel socket. All producers
// enqueue frames; one goroutine drains the queues and performs the socket
// writes. The control lane (heartbeats, connected) is drained ahead of the
// data lane; the data lane is strictly FIFO so per-stream ordering holds.
type WritePump struct {
	writeFn     func(Frame) error
	control     chan writeRequest
	data        chan writeRequest
	stop        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	controlWait time.Duration
}

// NewWritePump starts a pump writing JSON frames to conn with the given
// per-frame write deadline.
func NewWritePump(conn *websocket.Conn, writeTimeout time.Duration, controlCap, dataCap int) *WritePump {
	return newWritePumpWithWriter(func(f Frame) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		if err := conn.WriteJSON(f); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}, controlCap, dataCap, defaultControlEnqueueWait)
}

func newWritePumpWithWriter(writeFn func(Frame) error, controlCap, dataCap int, controlWait time.Duration) *WritePump {
	if controlCap <= 0 {
		controlCap = 1
	}
	if dataCap <= 0 {
		dataCap = 1
	}
	if controlWait <= 0 {
		controlWait = defaultControlEnqueueWait
	}
	p := &WritePump{
		writeFn:     writeFn,
		control:     make(chan writeRequest, controlCap),
		data:        make(chan writeRequest, dataCap),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		controlWait: controlWait,
	}
	go p.run()
	return p
}

// WriteControl enqueues a frame on the control lane, waiting a short bounded
// time for space. A full control lane means the peer stopped draining; the
// caller should treat that as a dead channel.
func (p *WritePump) WriteControl(f Frame) error {
	return p.enqueue(nil, p.control, f, p.controlWait)
}

// WriteData enqueues a frame on the data lane, blocking until there is queue
// space, the context is done, or the pump closes. This is the backpressure
// path: a saturated channel pauses the producer.
func (p *WritePump) WriteData(ctx context.Context, f Frame) error {
	return p.enqueue(ctx, p.data, f, 0)
}

// WriteDataTimeout enqueues a frame on the data lane, failing fast with
// [ErrSendQueueFull] when no space opens up within wait.
func (p *WritePump) WriteDataTimeout(f Frame, wait time.Duration) error {
	if wait <= 0 {
		wait = p.controlWait
	}
	return p.enqueue(nil, p.data, f, wait)
}

// Close stops the pump and fails queued writes. The underlying socket is
// closed by the session teardown, not here.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) enqueue(ctx context.Context, target chan writeRequest, f Frame, wait time.Duration) error {
	if p.closed.Load() {
		return ErrPumpClosed
	}
	req := writeRequest{frame: f, done: make(chan error, 1)}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-p.stop:
			return ErrPumpClosed
		case target <- req:
		case <-timer.C:
			return ErrSendQueueFull
		}
	} else {
		var cancel <-chan struct{}
		if ctx != nil {
			cancel = ctx.Done()
		}
		select {
		case <-p.stop:
			return ErrPumpClosed
		case target <- req:
		case <-cancel:
			return ctx.Err()
		}
	}

	// The pump always resolves a queued request: the run loop answers it
	// after the write, and the drain on shutdown fails the remainder.
	return <-req.done
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			p.failPending(ErrPumpClosed)
			return
		}
		err := p.write(req.frame)
		req.done <- err
		if err != nil {
			p.closed.Store(true)
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrPumpClosed)
			return
		}
	}
}

func (p *WritePump) next() (writeRequest, bool) {
	select {
	case req := <-p.control:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return writeRequest{}, false
	case req := <-p.control:
		return req, true
	case req := <-p.data:
		return req, true
	}
}

func (p *WritePump) write(f Frame) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(f)
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case req := <-p.control:
			req.done <- err
		case req := <-p.data:
			req.done <- err
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}
