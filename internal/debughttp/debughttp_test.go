package debughttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	ilog "github.com/tunlify/tunlify/internal/log"
)

func TestStartNoopOnEmptyAddr(t *testing.T) {
	t.Parallel()

	if err := Start(context.Background(), "  ", ilog.Nop(), "gateway"); err != nil {
		t.Fatalf("Start with empty addr: %v", err)
	}
}

func TestStartServesDebugRoutes(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := Start(ctx, addr, ilog.Nop(), "client"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	httpc := &http.Client{Timeout: 2 * time.Second}
	for _, path := range []string{"/debug/pprof/", "/debug/vars"} {
		resp, err := httpc.Get(fmt.Sprintf("http://%s%s", addr, path))
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func TestStartFailsOnTakenPort(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	if err := Start(context.Background(), ln.Addr().String(), ilog.Nop(), "gateway"); err == nil {
		t.Fatal("expected an error binding a taken port")
	}
}
