package netutil

import (
	"net"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// SplitTunnelHost decomposes a public tunnel hostname of the form
// "{subdomain}.{region}.{baseDomain}" and validates both labels. It returns
// ok=false for the bare base domain, foreign domains, and malformed labels.
func SplitTunnelHost(host, baseDomain string) (subdomain, region string, ok bool) {
	host = NormalizeHost(host)
	base := NormalizeHost(baseDomain)
	if host == "" || base == "" {
		return "", "", false
	}

	rest, found := strings.CutSuffix(host, "."+base)
	if !found || rest == "" {
		return "", "", false
	}

	subdomain, region, found = strings.Cut(rest, ".")
	if !found || strings.Contains(region, ".") {
		return "", "", false
	}
	return subdomain, region, true
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
