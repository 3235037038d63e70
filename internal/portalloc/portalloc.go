// Package portalloc allocates public remote ports for TCP and UDP tunnels.
package portalloc

import (
	"context"
	"math/rand/v2"

	"github.com/tunlify/tunlify/internal/domain"
)

// Prober answers whether a remote port is still unclaimed in a region.
type Prober interface {
	IsPortFree(ctx context.Context, region string, port int) (bool, error)
}

const maxAttempts = 20

// Allocate picks a random free port in the public range for the region.
// Random probing keeps allocations uniform without a scan; after maxAttempts
// misses it returns domain.ErrExhaustedPortSpace.
//
// Allocation is advisory: the winner is decided by the catalog's uniqueness
// index at insert time, so concurrent allocators may both see a port as free
// and one of them loses with a conflict.
func Allocate(ctx context.Context, probe Prober, region string) (int, error) {
	for i := 0; i < maxAttempts; i++ {
		port := domain.MinRemotePort + rand.IntN(domain.MaxRemotePort-domain.MinRemotePort+1)
		free, err := probe.IsPortFree(ctx, region, port)
		if err != nil {
			return 0, err
		}
		if free {
			return port, nil
		}
	}
	return 0, domain.ErrExhaustedPortSpace
}
