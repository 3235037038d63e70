package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrTunnelNotFound means no tunnel exists for the given key, id, or token.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrUserNotFound means no user exists for the given id.
	ErrUserNotFound = errors.New("user not found")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict is the base kind matched by the uniqueness conflict errors.
	ErrConflict = errors.New("conflict")

	// ErrClientDisconnected means the tunnel exists but its client has not
	// connected a control channel according to the catalog.
	ErrClientDisconnected = errors.New("client not connected")

	// ErrWebSocketDisconnected means the registry holds no control channel
	// for the tunnel key (for example after a gateway restart).
	ErrWebSocketDisconnected = errors.New("websocket disconnected")

	// ErrRequestTimeout is delivered to a pending waiter whose request
	// exceeded the per-request budget.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrBadGateway covers client-reported errors and malformed responses.
	ErrBadGateway = errors.New("bad gateway")

	// ErrTunnelGone is delivered to pending waiters when the control channel
	// closes underneath them.
	ErrTunnelGone = errors.New("tunnel gone")

	// ErrExhaustedPortSpace is returned when the port allocator gives up.
	ErrExhaustedPortSpace = errors.New("no free remote ports")

	// ErrValidationFailed is the base kind matched by [ValidationError].
	ErrValidationFailed = errors.New("validation failed")

	// ErrRateLimitExceeded is returned when a caller exceeds the allowed
	// request rate.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// SubdomainInUseError reports a (subdomain, region) uniqueness conflict.
type SubdomainInUseError struct {
	Subdomain string
	Region    string
}

func (e *SubdomainInUseError) Error() string {
	return fmt.Sprintf("subdomain %s already in use in region %s", e.Subdomain, e.Region)
}

func (e *SubdomainInUseError) Is(target error) bool { return target == ErrConflict }

// PortInUseError reports a (region, remote_port) uniqueness conflict.
type PortInUseError struct {
	Region string
	Port   int
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("remote port %d already in use in region %s", e.Port, e.Region)
}

func (e *PortInUseError) Is(target error) bool { return target == ErrConflict }

// FieldError describes a single invalid request field.
type FieldError struct {
	Path string `json:"path"`
	Msg  string `json:"msg"`
}

// ValidationError aggregates per-field validation failures.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Fields[0].Path, e.Fields[0].Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	TunnelID string
	Op       string
	Err      error
}

func (e *TunnelError) Error() string {
	if e.TunnelID != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.TunnelID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
