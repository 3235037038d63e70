package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunlify/tunlify/internal/auth"
	"github.com/tunlify/tunlify/internal/config"
	"github.com/tunlify/tunlify/internal/domain"
	"github.com/tunlify/tunlify/internal/store/sqlite"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

func newTestServer(t *testing.T, mutate func(*config.GatewayConfig)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.GatewayConfig{
		BaseDomain:         "example.test",
		APIHost:            "api.example.test",
		TLSMode:            "off",
		RequestTimeout:     5 * time.Second,
		HeartbeatInterval:  25 * time.Second,
		StaleSessionAfter:  5 * time.Minute,
		JanitorInterval:    time.Minute,
		PendingRetention:   2 * time.Minute,
		UDPSessionIdle:     time.Minute,
		MaxBodyBytes:       1 << 20,
		RateLimitPerMinute: 6000,
		RateLimitBurst:     1000,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "tunlify.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	srv := New(cfg, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.closeAllSessions()
		ts.Close()
		_ = store.Close()
	})
	return srv, ts
}

func createTestUser(t *testing.T, srv *Server, email string) (*domain.User, string) {
	t.Helper()
	key, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}
	user, err := srv.store.CreateUser(context.Background(), email, "Test User", auth.HashAPIKey(key, srv.cfg.APIKeyPepper))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user, key
}

func createTestTunnel(t *testing.T, srv *Server, params sqlite.CreateTunnelParams) *domain.Tunnel {
	t.Helper()
	tun, err := srv.store.CreateTunnel(context.Background(), params)
	if err != nil {
		t.Fatalf("create tunnel: %v", err)
	}
	return tun
}

func httpTunnelParams(userID, sub, region string) sqlite.CreateTunnelParams {
	return sqlite.CreateTunnelParams{
		UserID:      userID,
		Subdomain:   sub,
		Region:      region,
		ServiceType: "http",
		Protocol:    domain.ProtocolHTTP,
		LocalPort:   3000,
	}
}

// dialControl opens a control channel and consumes the connected frame.
func dialControl(t *testing.T, ts *httptest.Server, token string) (*websocket.Conn, tunnelproto.Frame) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tunnel?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial control channel: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var connected tunnelproto.Frame
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if connected.Type != tunnelproto.TypeConnected {
		t.Fatalf("expected connected frame, got %q", connected.Type)
	}
	return conn, connected
}

// serveTunnelClient answers gateway frames from a goroutine until the socket
// closes. answer returns nil for frames that need no reply.
func serveTunnelClient(conn *websocket.Conn, answer func(tunnelproto.Frame) *tunnelproto.Frame) {
	go func() {
		for {
			var f tunnelproto.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if reply := answer(f); reply != nil {
				if err := conn.WriteJSON(*reply); err != nil {
					return
				}
			}
		}
	}()
}

func doAPI(t *testing.T, method, url, apiKey string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeResponse(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
}

func TestControlChannelHandshake(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	conn, connected := dialControl(t, ts, tun.ConnectionToken)

	if connected.TunnelID != tun.ID {
		t.Fatalf("connected frame tunnel id = %q, want %q", connected.TunnelID, tun.ID)
	}
	if connected.Subdomain != "myapp" || connected.Region != "eu" {
		t.Fatalf("connected frame key = %s.%s", connected.Subdomain, connected.Region)
	}
	if connected.PublicURL != "http://myapp.eu.example.test" {
		t.Fatalf("connected frame public url = %q", connected.PublicURL)
	}
	if srv.reg.len() != 1 {
		t.Fatalf("expected 1 registered channel, got %d", srv.reg.len())
	}

	stored, err := srv.store.FindTunnelByID(context.Background(), tun.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.StatusActive || !stored.ClientConnected {
		t.Fatalf("catalog not marked connected: status=%s connected=%v", stored.Status, stored.ClientConnected)
	}
	if stored.LastConnected == nil {
		t.Fatal("expected last_connected to be set")
	}

	// Heartbeats are answered on the control lane.
	if err := conn.WriteJSON(tunnelproto.Frame{Type: tunnelproto.TypeHeartbeat}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack tunnelproto.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != tunnelproto.TypeHeartbeatAck {
		t.Fatalf("expected heartbeat_ack, got %q", ack.Type)
	}

	// Closing the socket marks the catalog disconnected.
	_ = conn.Close()
	waitFor(t, 5*time.Second, func() bool {
		stored, err := srv.store.FindTunnelByID(context.Background(), tun.ID)
		return err == nil && !stored.ClientConnected && stored.Status == domain.StatusInactive
	}, "catalog never marked disconnected after close")

	if srv.reg.len() != 0 {
		t.Fatalf("expected empty registry after close, got %d", srv.reg.len())
	}
}

func TestControlChannelRejectsInvalidToken(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tunnel?token=not-a-real-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f tunnelproto.Frame
	err = conn.ReadJSON(&f)
	if err == nil {
		t.Fatalf("expected close, got frame %+v", f)
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestControlChannelRejectsMissingToken(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tunnel"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f tunnelproto.Frame
	if err := conn.ReadJSON(&f); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestControlChannelReplacement(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	first, _ := dialControl(t, ts, tun.ConnectionToken)
	second, _ := dialControl(t, ts, tun.ConnectionToken)

	// The older channel is closed with a policy violation.
	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f tunnelproto.Frame
	err := first.ReadJSON(&f)
	if err == nil {
		t.Fatalf("expected close on replaced channel, got frame %+v", f)
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}

	if srv.reg.len() != 1 {
		t.Fatalf("expected exactly 1 registered channel, got %d", srv.reg.len())
	}

	// The catalog reflects the winning connection.
	stored, err := srv.store.FindTunnelByID(context.Background(), tun.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.StatusActive || !stored.ClientConnected {
		t.Fatalf("expected catalog connected after replacement: status=%s connected=%v", stored.Status, stored.ClientConnected)
	}

	// The newer channel keeps working.
	if err := second.WriteJSON(tunnelproto.Frame{Type: tunnelproto.TypeHeartbeat}); err != nil {
		t.Fatal(err)
	}
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack tunnelproto.Frame
	if err := second.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != tunnelproto.TypeHeartbeatAck {
		t.Fatalf("expected heartbeat_ack on new channel, got %q", ack.Type)
	}
}

func TestControlChannelRateLimited(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, func(cfg *config.GatewayConfig) {
		cfg.RateLimitPerMinute = 60
		cfg.RateLimitBurst = 2
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tunnel?token=whatever"
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		_ = conn.Close()
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected rate-limited dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 handshake response, got %+v", resp)
	}
}

func TestJanitorEvictsStaleChannel(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	conn, _ := dialControl(t, ts, tun.ConnectionToken)

	sess := srv.reg.lookup(domain.TunnelKey{Subdomain: "myapp", Region: "eu"})
	if sess == nil {
		t.Fatal("expected a registered session")
	}
	sess.lastSeenUnixNano.Store(time.Now().Add(-10 * time.Minute).UnixNano())

	srv.sweepOnce(time.Now())

	if srv.reg.len() != 0 {
		t.Fatalf("expected stale channel to be evicted, registry len %d", srv.reg.len())
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f tunnelproto.Frame
	if err := conn.ReadJSON(&f); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestJanitorKeepsFreshChannels(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	user, _ := createTestUser(t, srv, "owner@example.test")
	tun := createTestTunnel(t, srv, httpTunnelParams(user.ID, "myapp", "eu"))

	dialControl(t, ts, tun.ConnectionToken)
	srv.sweepOnce(time.Now())

	if srv.reg.len() != 1 {
		t.Fatalf("expected fresh channel to survive sweep, registry len %d", srv.reg.len())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	// One unroutable request so the ingress counter has a sample.
	resp, err := http.Get(ts.URL + "/anything")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
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
	for _, metric := range []string{"tunlify_control_channels", "tunlify_pending_requests", "tunlify_ingress_requests_total"} {
		if !strings.Contains(string(body), metric) {
			t.Fatalf("metrics output missing %s", metric)
		}
	}
}

func TestHandlerRejectsUnknownAPIPath(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/tunnels/a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
