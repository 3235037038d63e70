package netutil

import "net"

// CloseWrite shuts the write side of conn when the transport supports
// half-close, so the peer reads EOF while our reads continue. Transports
// without half-close are closed outright.
func CloseWrite(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
