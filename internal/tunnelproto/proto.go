// Package tunnelproto defines the JSON wire protocol exchanged between the
// tunlify gateway and its relay clients over a WebSocket control channel.
package tunnelproto

import (
	"encoding/base64"
	"regexp"
)

// Frame types form a closed set; readers dispatch on [Frame.Type] through a
// single switch whose default arm logs and drops unknown types.
const (
	// server → client
	TypeConnected  = "connected"
	TypeRequest    = "request"
	TypeTCPConnect = "tcp_connect"
	TypeUDPData    = "udp_data"

	// client → server
	TypeSetLocalAddress = "set_local_address"
	TypeResponse        = "response"
	TypeTCPConnectAck   = "tcp_connect_ack"
	TypeTCPError        = "tcp_error"
	TypeUDPResponse     = "udp_response"
	TypeError           = "error"

	// either direction
	TypeTCPData      = "tcp_data"
	TypeTCPClose     = "tcp_close"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
)

// Body encodings carried by request and response frames.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// Frame is the single message envelope exchanged on the control channel.
// Only the fields relevant to a frame's Type are populated; everything else
// stays at its zero value and is omitted from the JSON.
type Frame struct {
	Type string `json:"type"`

	// request / response / error correlation
	RequestID  string            `json:"requestId,omitempty"`
	Method     string            `json:"method,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Encoding   string            `json:"encoding,omitempty"`
	Body       string            `json:"body,omitempty"`

	// raw TCP streams
	ConnectionID string `json:"connectionId,omitempty"`
	RemoteAddr   string `json:"remoteAddr,omitempty"`

	// UDP sessions
	SessionID  string `json:"sessionId,omitempty"`
	SourceAddr string `json:"sourceAddr,omitempty"`

	// tcp_data / udp_data / udp_response payload, base64-encoded
	Data string `json:"data,omitempty"`

	// connected
	TunnelID  string `json:"tunnelId,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	Region    string `json:"region,omitempty"`
	PublicURL string `json:"publicUrl,omitempty"`

	// set_local_address
	Address string `json:"address,omitempty"`

	// error / tcp_error detail
	Message string `json:"message,omitempty"`
}

// EncodeBody base64-encodes a byte slice for JSON transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64-encoded payload string.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// EncodeHTTPBody prepares an HTTP body for a request or response frame.
// Binary bodies travel base64-encoded; text bodies pass through as utf8.
func EncodeHTTPBody(body []byte, binary bool) (encoding, payload string) {
	if len(body) == 0 {
		return EncodingUTF8, ""
	}
	if binary {
		return EncodingBase64, base64.StdEncoding.EncodeToString(body)
	}
	return EncodingUTF8, string(body)
}

// DecodeHTTPBody recovers the bytes of a request or response frame body.
// Base64 bodies are decoded; any other encoding passes the body through as
// literal bytes, matching what the sender indicated.
func DecodeHTTPBody(encoding, body string) ([]byte, error) {
	if body == "" {
		return nil, nil
	}
	if encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(body)
	}
	return []byte(body), nil
}

// CloneHeaderMap returns a copy of a wire header map.
func CloneHeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

var binaryContentTypeRe = regexp.MustCompile(`(?i)image|video|audio|octet-stream|pdf`)

// IsBinaryContentType reports whether an HTTP body with the given
// Content-Type should travel base64-encoded. Unknown and empty content
// types are treated as text.
func IsBinaryContentType(contentType string) bool {
	return binaryContentTypeRe.MatchString(contentType)
}
