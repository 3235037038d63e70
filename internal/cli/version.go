package cli

import (
	"fmt"

	"github.com/tunlify/tunlify/internal/versionutil"
)

func printUsage() {
	fmt.Println(`tunlify - self-hosted reverse tunnels

Publish a local HTTP, TCP, or UDP endpoint through your own gateway.

Usage:
  tunlify [flags] [target]        Relay a tunnel to a local endpoint (default)
  tunlify client [flags] [target] Same, spelled out
  tunlify login [flags]           Save gateway URL and connection token
  tunlify gateway [flags]         Run the public gateway
  tunlify user create [flags]     Create a user and print its API key once
  tunlify version                 Print version
  tunlify help                    Show this help

Quick Start:
  1. tunlify gateway --domain example.com                  # on the public host
  2. tunlify user create --email you@example.com --name you
  3. POST /tunnels with the API key to create a tunnel
  4. tunlify login --server https://api.example.com --token <connection token>
  5. tunlify 3000                                          # relay localhost:3000

Environment Variables:
  TUNLIFY_SERVER           Gateway base URL (e.g. https://api.example.com)
  TUNLIFY_TOKEN            Tunnel connection token
  TUNLIFY_TARGET           Local target: host:port, :port, port, or http(s) URL
  TUNLIFY_LOG_LEVEL        Log level: debug|info|warn|error (default: info)
  TUNLIFY_DOMAIN           Gateway public base domain
  TUNLIFY_LISTEN           Gateway listen address (default: :8080)
  TUNLIFY_DB_PATH          SQLite database path (default: ./tunlify.db)
  TUNLIFY_API_KEY_PEPPER   Pepper mixed into API key hashes
  TUNLIFY_TLS_MODE         TLS mode: off|auto|static (default: off)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func printVersion() {
	fmt.Println("tunlify", versionutil.Normalize(Version))
}
