package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tunlify/tunlify/internal/netutil"
)

// Run keeps the tunnel alive until ctx is cancelled: resolve the tunnel,
// open the control channel, relay until it drops, wait out the reconnect
// delay, repeat. Only a rejected token or an unusable local target ends the
// loop early.
func (c *Client) Run(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	preflighted := false
	for {
		reg, err := c.resolve(ctx)
		if err != nil {
			if errors.Is(err, ErrTokenRejected) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logRetry("tunnel auth failed", err)
			if !c.waitReconnect(ctx) {
				return nil
			}
			continue
		}

		target, err := c.resolveTarget(reg.Tunnel)
		if err != nil {
			return err
		}

		// One probe at startup; later failures surface per forward.
		if !preflighted {
			if perr := c.preflight(ctx, reg.Tunnel.Protocol, target); perr != nil {
				c.log.Warn("local target not answering yet", "target", target.Addr(), "err", perr)
			}
			preflighted = true
		}

		c.logBanner(reg, target)
		c.reconnect.Reset()

		err = c.runSession(ctx, reg, target)
		if ctx.Err() != nil {
			return nil
		}
		c.logRetry("control channel lost", err)
		if !c.waitReconnect(ctx) {
			return nil
		}
	}
}

func (c *Client) runSession(ctx context.Context, reg authResponse, target netutil.Target) error {
	s, err := c.newSession(ctx, reg, target)
	if err != nil {
		return err
	}
	defer s.close()
	return s.run()
}

// waitReconnect sleeps out the backoff policy's next interval. Returns false
// when ctx ends the wait or the policy gives up.
func (c *Client) waitReconnect(ctx context.Context) bool {
	delay := c.reconnect.NextBackOff()
	if delay == backoff.Stop {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Client) logRetry(msg string, err error) {
	c.log.Warn(msg, "err", err, "retry_in", c.cfg.ReconnectDelay.Round(time.Second).String())
}
