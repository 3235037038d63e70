package client

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tunlify/tunlify/internal/domain"
	"github.com/tunlify/tunlify/internal/netutil"
)

const preflightTimeout = 5 * time.Second

// preflight probes the local target once at startup so a dead endpoint is
// reported before traffic arrives. Failures are advisory: the tunnel still
// connects, and every forward retries on its own.
func (c *Client) preflight(ctx context.Context, protocol string, target netutil.Target) error {
	switch protocol {
	case domain.ProtocolUDP:
		// Connectionless; a probe datagram proves nothing.
		return nil
	case domain.ProtocolHTTP:
		return c.preflightHTTP(ctx, target)
	default:
		return preflightDial(ctx, target)
	}
}

// preflightHTTP issues a short GET. Any HTTP answer, 5xx included, means the
// target is listening; failures above TCP (TLS, protocol) fall back to a
// bare dial before being reported.
func (c *Client) preflightHTTP(ctx context.Context, target netutil.Target) error {
	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.BaseURL()+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.local.Do(req)
	if err == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.Body.Close()
	}
	if dialErr := preflightDial(ctx, target); dialErr != nil {
		return err
	}
	return nil
}

func preflightDial(ctx context.Context, target netutil.Target) error {
	dialer := net.Dialer{Timeout: preflightTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return err
	}
	return conn.Close()
}
