package app

import (
	"context"

	"github.com/GeeItsZee/SockExchange/internal/config"
	"github.com/GeeItsZee/SockExchange/internal/leaf"
	"github.com/GeeItsZee/SockExchange/internal/metrics"
	"github.com/GeeItsZee/SockExchange/internal/util"
)

// RunLeaf orchestrates the leaf lifecycle: build the leaf, start metrics and
// the traffic reporter, keep the hub link up until ctx is cancelled, then
// shut down in order.
func RunLeaf(ctx context.Context, cfg config.LeafConfig) error {
	l, err := leaf.New(cfg)
	if err != nil {
		return err
	}

	startMetrics(ctx, cfg.MetricsAddr)
	metrics.StartStatsReporter(ctx, statsInterval)

	util.LogInfo("leaf %q connecting to hub at %s", l.Name(), cfg.HubAddr)
	return l.Run(ctx)
}
