package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Health probes every backend instance concurrently and returns the first
// failure. The gateway has no dedicated health endpoint; listing routes
// doubles as the probe.
func (o *Orchestrator) Health(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range o.vaults {
		c := c
		g.Go(func() error { return c.Health(ctx) })
	}
	for _, c := range o.gateways {
		c := c
		g.Go(func() error {
			_, err := c.ListKeyAuthRoutes(ctx)
			return err
		})
	}
	return g.Wait()
}
