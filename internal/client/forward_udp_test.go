package client

import (
	"bytes"
	"net"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/tunlify/tunlify/internal/domain"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

// startUDPEcho starts a local datagram service that uppercases payloads. The
// returned callers func counts distinct peer addresses, which exposes whether
// the relay reuses one socket per session.
func startUDPEcho(t *testing.T) (addr string, callers func() int) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	var mu sync.Mutex
	seen := make(map[string]struct{})
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			mu.Lock()
			seen[from.String()] = struct{}{}
			mu.Unlock()
			_, _ = pc.WriteTo(bytes.ToUpper(buf[:n]), from)
		}
	}()
	return pc.LocalAddr().String(), func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}
}

func sendDatagram(t *testing.T, conn *websocket.Conn, sessionID, payload string) {
	t.Helper()
	writeFrame(t, conn, tunnelproto.Frame{
		Type:       tunnelproto.TypeUDPData,
		SessionID:  sessionID,
		SourceAddr: "203.0.113.9:9999",
		Data:       tunnelproto.EncodeBody([]byte(payload)),
	})
}

func TestSessionBridgesUDPFlow(t *testing.T) {
	t.Parallel()

	echo, callers := startUDPEcho(t)
	gw := newFakeGateway(t, testTunnel(domain.ProtocolUDP, 0))
	startClient(t, testConfig(gw.srv.URL, echo))

	conn := gw.waitConn(t)
	writeFrame(t, conn, tunnelproto.Frame{Type: tunnelproto.TypeConnected})

	sendDatagram(t, conn, "s1", "ping")
	reply := waitFrame(t, conn, tunnelproto.TypeUDPResponse)
	if reply.SessionID != "s1" {
		t.Fatalf("udp_response session id = %q", reply.SessionID)
	}
	body, err := tunnelproto.DecodeBody(reply.Data)
	if err != nil {
		t.Fatalf("decode udp_response: %v", err)
	}
	if string(body) != "PING" {
		t.Fatalf("udp_response body = %q", body)
	}

	// A follow-up datagram on the same session reuses the local socket.
	sendDatagram(t, conn, "s1", "pong")
	reply = waitFrame(t, conn, tunnelproto.TypeUDPResponse)
	if body, _ = tunnelproto.DecodeBody(reply.Data); string(body) != "PONG" {
		t.Fatalf("udp_response body = %q", body)
	}
	if n := callers(); n != 1 {
		t.Fatalf("echo saw %d peer sockets for one session", n)
	}

	// A second session gets its own socket.
	sendDatagram(t, conn, "s2", "mixed")
	reply = waitFrame(t, conn, tunnelproto.TypeUDPResponse)
	if reply.SessionID != "s2" {
		t.Fatalf("udp_response session id = %q", reply.SessionID)
	}
	if body, _ = tunnelproto.DecodeBody(reply.Data); string(body) != "MIXED" {
		t.Fatalf("udp_response body = %q", body)
	}
	if n := callers(); n != 2 {
		t.Fatalf("echo saw %d peer sockets for two sessions", n)
	}
}
