// Package netutil provides the HTTP header and address helpers shared by
// the gateway ingress and the client relay.
package netutil

import (
	"net/http"
	"strings"
)

// strippedHeaderNames lists the headers removed from both directions of a
// tunnel: hop-by-hop headers, edge routing headers, and headers the gateway
// sets itself.
var strippedHeaderNames = []string{
	"Host",
	"Connection",
	"Upgrade",
	"Keep-Alive",
	"Transfer-Encoding",
	"Content-Length",
	"X-Forwarded-For",
	"X-Real-Ip",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Tunnel-Subdomain",
	"X-Tunnel-Region",
	"Server",
	"X-Powered-By",
}

var strippedHeaderSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(strippedHeaderNames))
	for _, name := range strippedHeaderNames {
		set[strings.ToLower(name)] = struct{}{}
	}
	return set
}()

// IsStrippedHeader reports whether name is removed by tunnel sanitization.
// The check is case-insensitive.
func IsStrippedHeader(name string) bool {
	_, ok := strippedHeaderSet[strings.ToLower(name)]
	return ok
}

// FlattenHeaders converts an [http.Header] into the wire format's
// string→string map. Multi-valued headers are comma-joined in value order;
// stripped and empty headers are dropped.
func FlattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if IsStrippedHeader(name) {
			continue
		}
		var kept []string
		for _, v := range values {
			if strings.TrimSpace(v) == "" {
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			continue
		}
		out[name] = strings.Join(kept, ", ")
	}
	return out
}

// SanitizeHeaderMap returns a copy of m with stripped and empty headers
// removed. Key case of the survivors is preserved.
func SanitizeHeaderMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for name, value := range m {
		if IsStrippedHeader(name) || strings.TrimSpace(value) == "" {
			continue
		}
		out[name] = value
	}
	return out
}
