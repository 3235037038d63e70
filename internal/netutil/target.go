package netutil

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Target is a parsed client-side dial destination.
type Target struct {
	Scheme string // "http" or "https" for URL forms, "" for raw host:port forms
	Host   string
	Port   int
	Path   string // base path for URL forms, "" otherwise
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// BaseURL returns the HTTP base URL for the target. For raw targets the
// scheme defaults to http.
func (t Target) BaseURL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + t.Addr() + t.Path
}

// ParseTarget parses a local endpoint in one of the accepted forms:
// "host:port", ":port", "port", "http://host[:port][/path]", or
// "https://host[:port][/path]". Anything else is rejected.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("empty target")
	}

	if strings.Contains(s, "://") {
		return parseURLTarget(s)
	}

	if isDigits(s) {
		port, err := parsePort(s)
		if err != nil {
			return Target{}, fmt.Errorf("invalid target %q: %w", s, err)
		}
		return Target{Host: "127.0.0.1", Port: port}, nil
	}

	if strings.HasPrefix(s, ":") {
		port, err := parsePort(s[1:])
		if err != nil {
			return Target{}, fmt.Errorf("invalid target %q: %w", s, err)
		}
		return Target{Host: "127.0.0.1", Port: port}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return Target{}, fmt.Errorf("invalid target %q: expected host:port, :port, port, or an http(s) URL", s)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", s, err)
	}
	return Target{Host: host, Port: port}, nil
}

func parseURLTarget(s string) (Target, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %v", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("invalid target %q: scheme must be http or https", s)
	}
	if u.Hostname() == "" {
		return Target{}, fmt.Errorf("invalid target %q: missing host", s)
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = parsePort(p)
		if err != nil {
			return Target{}, fmt.Errorf("invalid target %q: %w", s, err)
		}
	}

	path := strings.TrimSuffix(u.Path, "/")
	return Target{Scheme: u.Scheme, Host: u.Hostname(), Port: port, Path: path}, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be between 1 and 65535")
	}
	return port, nil
}
