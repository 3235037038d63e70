// Package domain defines the core data types shared across the tunlify
// gateway, catalog store, and client relay layers.
package domain

import (
	"fmt"
	"time"
)

// Tunnel protocol constants.
const (
	ProtocolHTTP = "http"
	ProtocolTCP  = "tcp"
	ProtocolUDP  = "udp"
)

// Tunnel status constants track whether a tunnel is routable.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Remote ports are allocated from this inclusive range.
const (
	MinRemotePort = 10000
	MaxRemotePort = 60000
)

// TunnelKey is the (subdomain, region) pair the ingress uses to find the
// control channel serving a tunnel.
type TunnelKey struct {
	Subdomain string
	Region    string
}

func (k TunnelKey) String() string {
	return k.Subdomain + "." + k.Region
}

// Tunnel represents a durable tunnel row in the catalog.
type Tunnel struct {
	ID              string
	UserID          string
	Subdomain       string
	Region          string
	ServiceType     string
	Protocol        string
	LocalPort       int  // advisory; only the client dials it
	RemotePort      *int // nil iff Protocol == ProtocolHTTP
	ConnectionToken string
	Status          string
	ClientConnected bool
	LastConnected   *time.Time
	CreatedAt       time.Time
}

// Key returns the routing key for the tunnel.
func (t *Tunnel) Key() TunnelKey {
	return TunnelKey{Subdomain: t.Subdomain, Region: t.Region}
}

// PublicHostname returns the hostname the edge routes for this tunnel,
// e.g. "myapp.id.tunlify.net" for base domain "tunlify.net".
func (t *Tunnel) PublicHostname(baseDomain string) string {
	return fmt.Sprintf("%s.%s.%s", t.Subdomain, t.Region, baseDomain)
}

// User is the minimal account identity the core consumes: tunnel ownership
// plus an API key for the management surface.
type User struct {
	ID         string
	Email      string
	Name       string
	APIKeyHash string
	CreatedAt  time.Time
}
