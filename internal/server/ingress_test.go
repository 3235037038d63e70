package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tunlify/tunlify/internal/config"
	"github.com/tunlify/tunlify/internal/domain"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

func newIngressRequest(t *testing.T, method, url string, headers map[string]string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	return req
}

func routingHeaders(sub, region string) map[string]string {
	return map[string]string{
		"X-Tunnel-Subdomain": sub,
		"X-Tunnel-Region":    region,
	}
}

func TestIngressProxiesRequestRoundTrip(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	conn, _ := dialControl(t, ts, tun.ConnectionToken)
	serveTunnelClient(conn, func(f tunnelproto.Frame) *tunnelproto.Frame {
		if f.Type != tunnelproto.TypeRequest {
			return nil
		}
		if f.Method != http.MethodPost {
			t.Errorf("frame method = %q, want POST", f.Method)
		}
		if f.URL != "/orders?id=7" {
			t.Errorf("frame url = %q, want /orders?id=7", f.URL)
		}
		if f.Headers["X-Request-Source"] != "integration" {
			t.Errorf("custom header missing from frame: %v", f.Headers)
		}
		if _, ok := f.Headers["X-Forwarded-For"]; ok {
			t.Error("expected X-Forwarded-For to be stripped from the frame")
		}
		if _, ok := f.Headers["X-Tunnel-Subdomain"]; ok {
			t.Error("expected routing headers to be stripped from the frame")
		}
		body, err := tunnelproto.DecodeHTTPBody(f.Encoding, f.Body)
		if err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if string(body) != `{"order":"widget"}` {
			t.Errorf("frame body = %q", string(body))
		}

		enc, payload := tunnelproto.EncodeHTTPBody([]byte(`{"ok":true}`), false)
		return &tunnelproto.Frame{
			Type:       tunnelproto.TypeResponse,
			RequestID:  f.RequestID,
			StatusCode: http.StatusCreated,
			Headers: map[string]string{
				"Content-Type": "application/json",
				"X-Upstream":   "local",
				"Connection":   "keep-alive",
			},
			Encoding: enc,
			Body:     payload,
		}
	})

	headers := routingHeaders("myapp", "eu")
	headers["X-Request-Source"] = "integration"
	headers["X-Forwarded-For"] = "203.0.113.9"
	headers["Content-Type"] = "application/json"
	req := newIngressRequest(t, http.MethodPost, ts.URL+"/orders?id=7", headers, strings.NewReader(`{"order":"widget"}`))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Powered-By"); got != "Tunlify" {
		t.Fatalf("X-Powered-By = %q", got)
	}
	if got := resp.Header.Get("X-Tunnel-Subdomain"); got != "myapp" {
		t.Fatalf("X-Tunnel-Subdomain = %q", got)
	}
	if got := resp.Header.Get("X-Upstream"); got != "local" {
		t.Fatalf("X-Upstream = %q", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("response body = %q", string(body))
	}

	if srv.pending.len() != 0 {
		t.Fatalf("expected empty pending table, got %d", srv.pending.len())
	}
}

func TestIngressBinaryBodyRoundTrip(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	payload := []byte{0x00, 0x01, 0x7f, 0xfe, 0xff, 0x10}

	conn, _ := dialControl(t, ts, tun.ConnectionToken)
	serveTunnelClient(conn, func(f tunnelproto.Frame) *tunnelproto.Frame {
		if f.Type != tunnelproto.TypeRequest {
			return nil
		}
		if f.Encoding != tunnelproto.EncodingBase64 {
			t.Errorf("expected base64 encoding for binary request, got %q", f.Encoding)
		}
		body, err := tunnelproto.DecodeHTTPBody(f.Encoding, f.Body)
		if err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if !bytes.Equal(body, payload) {
			t.Errorf("binary body corrupted in transit: %x", body)
		}

		enc, out := tunnelproto.EncodeHTTPBody(body, true)
		return &tunnelproto.Frame{
			Type:       tunnelproto.TypeResponse,
			RequestID:  f.RequestID,
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"Content-Type": "application/octet-stream"},
			Encoding:   enc,
			Body:       out,
		}
	})

	headers := routingHeaders("myapp", "eu")
	headers["Content-Type"] = "application/octet-stream"
	req := newIngressRequest(t, http.MethodPost, ts.URL+"/blob", headers, bytes.NewReader(payload))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("binary response corrupted: got %x want %x", body, payload)
	}
}

func TestIngressTimeout(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, func(cfg *config.GatewayConfig) {
		cfg.RequestTimeout = 150 * time.Millisecond
	})
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	conn, _ := dialControl(t, ts, tun.ConnectionToken)
	// A client that swallows requests without answering.
	serveTunnelClient(conn, func(tunnelproto.Frame) *tunnelproto.Frame { return nil })

	req := newIngressRequest(t, http.MethodGet, ts.URL+"/slow", routingHeaders("myapp", "eu"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	var body map[string]any
	decodeResponse(t, resp, &body)
	if body["message"] != "Gateway Timeout" {
		t.Fatalf("message = %v", body["message"])
	}
	if body["tunnel"] != "myapp.eu.example.test" {
		t.Fatalf("tunnel = %v", body["tunnel"])
	}
	if _, ok := body["error"]; ok {
		t.Fatalf("timeout body must not carry an error field: %v", body)
	}

	if srv.pending.len() != 0 {
		t.Fatalf("expected no residual pending entry, got %d", srv.pending.len())
	}
}

func TestIngressFailsInFlightWhenChannelCloses(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	conn, _ := dialControl(t, ts, tun.ConnectionToken)
	arrived := make(chan struct{}, 2)
	serveTunnelClient(conn, func(f tunnelproto.Frame) *tunnelproto.Frame {
		if f.Type == tunnelproto.TypeRequest {
			arrived <- struct{}{}
		}
		return nil
	})

	type result struct {
		status int
		body   domain.ErrorResponse
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			req, err := http.NewRequest(http.MethodGet, ts.URL+"/inflight", nil)
			if err != nil {
				t.Error(err)
				return
			}
			req.Header.Set("X-Tunnel-Subdomain", "myapp")
			req.Header.Set("X-Tunnel-Region", "eu")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Errorf("in-flight request failed: %v", err)
				return
			}
			defer func() { _ = resp.Body.Close() }()
			var body domain.ErrorResponse
			if err := decodeErrorBody(resp, &body); err != nil {
				t.Errorf("decode error body: %v", err)
			}
			results <- result{status: resp.StatusCode, body: body}
		}()
	}

	// Wait until both requests are in flight, then kill the channel.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("request frames never reached the client")
		}
	}
	_ = conn.Close()

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.status != http.StatusBadGateway {
				t.Fatalf("expected 502, got %d", res.status)
			}
			if res.body.Error != "tunnel disconnected" {
				t.Fatalf("error = %q", res.body.Error)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("in-flight request never resolved")
		}
	}

	if srv.pending.len() != 0 {
		t.Fatalf("expected empty pending table, got %d", srv.pending.len())
	}
	if srv.reg.len() != 0 {
		t.Fatalf("expected empty registry, got %d", srv.reg.len())
	}
}

func TestIngressRejectsUnroutableRequest(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/whatever")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body domain.ErrorResponse
	decodeResponse(t, resp, &body)
	if body.Error != "bad_route" {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestIngressUnknownTunnel(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	req := newIngressRequest(t, http.MethodGet, ts.URL+"/", routingHeaders("ghost", "eu"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body domain.ErrorResponse
	decodeResponse(t, resp, &body)
	if body.Error != "not_found" || body.Tunnel != "ghost.eu" {
		t.Fatalf("body = %+v", body)
	}
}

func TestIngressClientDisconnected(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	// Active in the catalog, but the client never connected.
	if err := srv.store.UpdateTunnelStatus(context.Background(), tun.ID, domain.StatusActive, false, nil); err != nil {
		t.Fatal(err)
	}

	req := newIngressRequest(t, http.MethodGet, ts.URL+"/", routingHeaders("myapp", "eu"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body domain.ErrorResponse
	decodeResponse(t, resp, &body)
	if body.Error != "client_disconnected" {
		t.Fatalf("error = %q", body.Error)
	}
	if !strings.Contains(body.Message, "tunlify client --token") {
		t.Fatalf("expected setup hint in message, got %q", body.Message)
	}
}

func TestIngressChannelMissing(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	// Catalog claims connected, e.g. stale state after a gateway restart.
	now := time.Now()
	if err := srv.store.UpdateTunnelStatus(context.Background(), tun.ID, domain.StatusActive, true, &now); err != nil {
		t.Fatal(err)
	}

	req := newIngressRequest(t, http.MethodGet, ts.URL+"/", routingHeaders("myapp", "eu"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body domain.ErrorResponse
	decodeResponse(t, resp, &body)
	if body.Error != "websocket_disconnected" {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestIngressHostHeaderFallback(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	conn, _ := dialControl(t, ts, tun.ConnectionToken)
	serveTunnelClient(conn, func(f tunnelproto.Frame) *tunnelproto.Frame {
		if f.Type != tunnelproto.TypeRequest {
			return nil
		}
		return &tunnelproto.Frame{
			Type:       tunnelproto.TypeResponse,
			RequestID:  f.RequestID,
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Encoding:   tunnelproto.EncodingUTF8,
			Body:       "routed by host",
		}
	})

	// No routing headers; the public hostname carries the route.
	req := newIngressRequest(t, http.MethodGet, ts.URL+"/hello", nil, nil)
	req.Host = "myapp.eu.example.test"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "routed by host" {
		t.Fatalf("body = %q", string(body))
	}
}

func TestIngressRejectsTooLargeBody(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, func(cfg *config.GatewayConfig) {
		cfg.MaxBodyBytes = 16
	})
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	conn, _ := dialControl(t, ts, tun.ConnectionToken)
	serveTunnelClient(conn, func(tunnelproto.Frame) *tunnelproto.Frame { return nil })

	req := newIngressRequest(t, http.MethodPost, ts.URL+"/upload", routingHeaders("myapp", "eu"),
		strings.NewReader(strings.Repeat("x", 64)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if srv.pending.len() != 0 {
		t.Fatalf("expected no pending entry for rejected body, got %d", srv.pending.len())
	}
}

func decodeErrorBody(resp *http.Response, dst *domain.ErrorResponse) error {
	return json.NewDecoder(resp.Body).Decode(dst)
}
