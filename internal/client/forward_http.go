package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/tunlify/tunlify/internal/netutil"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

// maxLocalResponseBytes caps how much of a local response the relay will
// buffer, matching the gateway's default body cap.
const maxLocalResponseBytes = int64(10 << 20)

// handleRequest forwards one tunnelled HTTP request on its own goroutine,
// bounded by the session's forward semaphore.
func (s *session) handleRequest(f tunnelproto.Frame) {
	select {
	case s.requestSem <- struct{}{}:
	case <-s.ctx.Done():
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.requestSem }()

		reply := s.forwardRequest(f)
		if err := s.pump.WriteData(s.ctx, reply); err != nil {
			s.log.Debug("response write failed", "request_id", f.RequestID, "err", err)
		}
	}()
}

// forwardRequest replays the frame against the local target and renders the
// answer as a response frame, or an error frame the gateway turns into 502.
func (s *session) forwardRequest(f tunnelproto.Frame) tunnelproto.Frame {
	started := time.Now()

	body, err := tunnelproto.DecodeHTTPBody(f.Encoding, f.Body)
	if err != nil {
		return errorFrame(f.RequestID, "malformed request body")
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.client.cfg.LocalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, f.Method, s.target.BaseURL()+f.URL, bytes.NewReader(body))
	if err != nil {
		return errorFrame(f.RequestID, "invalid request")
	}
	for name, value := range f.Headers {
		if netutil.IsStrippedHeader(name) {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := s.client.local.Do(req)
	if err != nil {
		s.log.Warn("local forward failed", "method", f.Method, "url", f.URL, "err", err)
		return errorFrame(f.RequestID, "local target unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxLocalResponseBytes+1))
	if err != nil {
		return errorFrame(f.RequestID, "reading local response failed")
	}
	if int64(len(respBody)) > maxLocalResponseBytes {
		return errorFrame(f.RequestID, "local response exceeds relay limit")
	}

	reply := tunnelproto.Frame{
		Type:       tunnelproto.TypeResponse,
		RequestID:  f.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    netutil.FlattenHeaders(resp.Header),
	}
	reply.Encoding, reply.Body = tunnelproto.EncodeHTTPBody(respBody, tunnelproto.IsBinaryContentType(resp.Header.Get("Content-Type")))

	s.log.Info("request forwarded",
		"method", f.Method, "url", f.URL,
		"status", resp.StatusCode,
		"duration", time.Since(started).Round(time.Millisecond).String())
	return reply
}

func errorFrame(requestID, msg string) tunnelproto.Frame {
	return tunnelproto.Frame{Type: tunnelproto.TypeError, RequestID: requestID, Message: msg}
}
