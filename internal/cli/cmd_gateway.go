package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/tunlify/tunlify/internal/config"
	"github.com/tunlify/tunlify/internal/debughttp"
	ilog "github.com/tunlify/tunlify/internal/log"
	"github.com/tunlify/tunlify/internal/server"
	"github.com/tunlify/tunlify/internal/store/sqlite"
)

func runGateway(ctx context.Context, args []string) int {
	cfg, err := config.ParseGatewayFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	if err := debughttp.Start(ctx, cfg.PprofAddr, logger, "gateway"); err != nil {
		fmt.Fprintln(os.Stderr, "gateway error:", err)
		return 1
	}

	s := server.New(cfg, store, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "gateway error:", err)
		return 1
	}
	return 0
}
