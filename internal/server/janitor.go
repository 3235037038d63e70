package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// runJanitor periodically evicts control channels whose heartbeats stopped,
// fails pending entries past the retention window, and trims idle
// rate-limit buckets.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(time.Now())
		}
	}
}

func (s *Server) sweepOnce(now time.Time) {
	staleBefore := now.Add(-s.cfg.StaleSessionAfter)
	for _, sess := range s.reg.snapshot() {
		if sess.lastSeen().After(staleBefore) {
			continue
		}
		s.metrics.recordEviction()
		sess.logger.Warn("evicting stale control channel", "last_seen", sess.lastSeen())
		sess.closeWithCode(websocket.CloseGoingAway, "no heartbeat activity")
	}

	if n := s.pending.expireOlderThan(now.Add(-s.cfg.PendingRetention)); n > 0 {
		s.log.Warn("janitor failed stale pending requests", "count", n)
	}

	s.limiter.cleanup()
}
