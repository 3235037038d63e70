// Package cli wires flags, environment, and saved settings into the gateway
// and client entry points. Exit codes: 0 ok, 1 runtime failure, 2 bad usage
// or configuration.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		return runClient(ctx, nil)
	}

	switch args[0] {
	case "client":
		return runClientCommand(ctx, args[1:])
	case "gateway":
		return runGateway(ctx, args[1:])
	case "login":
		return runLogin(args[1:])
	case "user":
		return runUserAdmin(ctx, args[1:])
	case "version", "-v", "--version":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		// Anything else is client shorthand, e.g. `tunlify 3000`.
		return runClient(ctx, args)
	}
}

func runClientCommand(ctx context.Context, args []string) int {
	if len(args) > 0 && args[0] == "login" {
		return runLogin(args[1:])
	}
	return runClient(ctx, args)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
