package domain

import (
	"errors"
	"testing"
)

func TestTunnelErrorMessage(t *testing.T) {
	t.Parallel()

	err := &TunnelError{TunnelID: "t_1", Op: "connect", Err: ErrClientDisconnected}
	want := "tunnel t_1: connect: client not connected"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTunnelErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &TunnelError{TunnelID: "t_2", Op: "lookup", Err: ErrTunnelNotFound}
	if !errors.Is(err, ErrTunnelNotFound) {
		t.Fatal("expected errors.Is to match ErrTunnelNotFound")
	}
}

func TestTunnelErrorWithoutID(t *testing.T) {
	t.Parallel()

	err := &TunnelError{Op: "resolve", Err: ErrTunnelGone}
	want := "resolve: tunnel gone"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestConflictErrorsMatchErrConflict(t *testing.T) {
	t.Parallel()

	sub := &SubdomainInUseError{Subdomain: "myapp", Region: "id"}
	if !errors.Is(sub, ErrConflict) {
		t.Fatal("expected SubdomainInUseError to match ErrConflict")
	}
	port := &PortInUseError{Region: "id", Port: 13000}
	if !errors.Is(port, ErrConflict) {
		t.Fatal("expected PortInUseError to match ErrConflict")
	}
}

func TestPortInUseErrorMentionsPortAndRegion(t *testing.T) {
	t.Parallel()

	err := &PortInUseError{Region: "id", Port: 13000}
	want := "remote port 13000 already in use in region id"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestValidationErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := &ValidationError{Fields: []FieldError{{Path: "subdomain", Msg: "too short"}}}
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatal("expected ValidationError to match ErrValidationFailed")
	}
	want := "validation failed: subdomain: too short"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSentinelErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"tunnel_not_found", ErrTunnelNotFound, "tunnel not found"},
		{"unauthorized", ErrUnauthorized, "unauthorized"},
		{"client_disconnected", ErrClientDisconnected, "client not connected"},
		{"websocket_disconnected", ErrWebSocketDisconnected, "websocket disconnected"},
		{"request_timeout", ErrRequestTimeout, "request timed out"},
		{"bad_gateway", ErrBadGateway, "bad gateway"},
		{"tunnel_gone", ErrTunnelGone, "tunnel gone"},
		{"exhausted_port_space", ErrExhaustedPortSpace, "no free remote ports"},
		{"rate_limit", ErrRateLimitExceeded, "rate limit exceeded"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
