// Package client implements the tunnel-owner side of the relay: it trades a
// connection token for tunnel details, keeps a control channel open to the
// gateway, and bridges tunnelled HTTP, TCP, and UDP traffic onto a local
// endpoint.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tunlify/tunlify/internal/config"
	"github.com/tunlify/tunlify/internal/domain"
	ilog "github.com/tunlify/tunlify/internal/log"
	"github.com/tunlify/tunlify/internal/netutil"
)

const (
	apiTimeout       = 15 * time.Second
	apiResponseLimit = 1 << 20
)

// ErrTokenRejected means the gateway refused the connection token. Retrying
// cannot help: the token is wrong or its tunnel is gone.
var ErrTokenRejected = errors.New("connection token rejected")

// Client is a single-tunnel relay. It owns the HTTP clients for gateway API
// calls and local forwards; each control-channel connection gets its own
// session on top.
type Client struct {
	cfg config.ClientConfig
	log *slog.Logger

	api       *http.Client
	local     *http.Client
	reconnect backoff.BackOff
}

// New builds a relay from cfg. The caller validates cfg first; New never
// fails.
func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = ilog.Nop()
	}
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureTLS,
	}
	return &Client{
		cfg: cfg,
		log: logger,
		api: &http.Client{
			Timeout:   apiTimeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
		// Redirects from the local service pass through to the public
		// visitor untouched.
		local: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		reconnect: backoff.NewConstantBackOff(cfg.ReconnectDelay),
	}
}

// tunnelInfo is the client's view of the gateway's tunnel rendering; fields
// the relay does not act on are omitted.
type tunnelInfo struct {
	ID             string              `json:"id"`
	Subdomain      string              `json:"subdomain"`
	Location       string              `json:"location"`
	ServiceType    string              `json:"service_type"`
	Protocol       string              `json:"protocol"`
	LocalPort      int                 `json:"local_port"`
	RemotePort     *int                `json:"remote_port"`
	TunnelURL      string              `json:"tunnel_url"`
	ConnectionInfo string              `json:"connection_info"`
	ServiceInfo    *domain.ServiceType `json:"service_info"`
}

type authResponse struct {
	Tunnel tunnelInfo `json:"tunnel"`
	WSURL  string     `json:"ws_url"`
}

// resolve trades the connection token for tunnel details and the
// control-channel URL via POST /tunnels/auth.
func (c *Client) resolve(ctx context.Context) (authResponse, error) {
	payload, err := json.Marshal(domain.TokenAuthRequest{ConnectionToken: c.cfg.Token})
	if err != nil {
		return authResponse{}, err
	}
	endpoint := strings.TrimSuffix(c.cfg.ServerURL, "/") + "/tunnels/auth"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return authResponse{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return authResponse{}, fmt.Errorf("tunnel auth: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, apiResponseLimit))
	if err != nil {
		return authResponse{}, fmt.Errorf("read auth response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusBadRequest:
		// Bad token or bad token shape; no amount of retrying fixes it.
		return authResponse{}, fmt.Errorf("%w: %s", ErrTokenRejected, apiErrorMessage(body, resp.StatusCode))
	default:
		return authResponse{}, fmt.Errorf("tunnel auth: gateway answered %s", apiErrorMessage(body, resp.StatusCode))
	}

	var out authResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return authResponse{}, fmt.Errorf("decode auth response: %w", err)
	}
	if out.Tunnel.ID == "" {
		return authResponse{}, errors.New("auth response carries no tunnel")
	}
	return out, nil
}

// controlURL picks the control-channel endpoint: the gateway's ws_url when
// present, otherwise derived from the configured server URL.
func (c *Client) controlURL(reg authResponse) (string, error) {
	if strings.TrimSpace(reg.WSURL) != "" {
		return reg.WSURL, nil
	}
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("server URL scheme %q not supported", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/tunnel"
	u.RawQuery = url.Values{"token": {c.cfg.Token}}.Encode()
	return u.String(), nil
}

// resolveTarget picks the local endpoint: an explicit -target wins, then the
// tunnel's advisory local_port on localhost.
func (c *Client) resolveTarget(tun tunnelInfo) (netutil.Target, error) {
	if strings.TrimSpace(c.cfg.Target) != "" {
		return netutil.ParseTarget(c.cfg.Target)
	}
	if tun.LocalPort > 0 {
		return netutil.Target{Host: "127.0.0.1", Port: tun.LocalPort}, nil
	}
	return netutil.Target{}, errors.New("no local target: pass --target or set local_port on the tunnel")
}

// logBanner announces where the tunnel will be reachable, using the
// service-type catalog entry when the gateway supplied one.
func (c *Client) logBanner(reg authResponse, target netutil.Target) {
	tun := reg.Tunnel
	c.log.Info("tunnel resolved",
		"tunnel", tun.Subdomain+"."+tun.Location,
		"protocol", tun.Protocol,
		"local", localAddress(target),
		"public", tun.ConnectionInfo)
	if tun.ServiceInfo != nil {
		c.log.Info("service", "name", tun.ServiceInfo.DisplayName, "description", tun.ServiceInfo.Description)
	}
}

// localAddress renders the target for logs and set_local_address frames:
// URL forms keep their scheme and base path, raw forms are host:port.
func localAddress(t netutil.Target) string {
	if t.Scheme != "" {
		return t.BaseURL()
	}
	return t.Addr()
}

func apiErrorMessage(body []byte, status int) string {
	var er domain.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && strings.TrimSpace(er.Message) != "" {
		return fmt.Sprintf("%d %s", status, er.Message)
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
