// Package app contains the top-level orchestration for the hub and leaf roles.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"

	"github.com/GeeItsZee/SockExchange/internal/config"
	"github.com/GeeItsZee/SockExchange/internal/hub"
	"github.com/GeeItsZee/SockExchange/internal/locator"
	"github.com/GeeItsZee/SockExchange/internal/metrics"
	"github.com/GeeItsZee/SockExchange/internal/protocol"
	"github.com/GeeItsZee/SockExchange/internal/util"
)

const statsInterval = 10 * time.Second

// RunHub orchestrates the full hub lifecycle:
//  1. Pick the player locator (Redis when configured, in-memory otherwise)
//  2. Build the hub and bind its listeners
//  3. Start metrics exposition and the traffic reporter
//  4. Serve leaves until ctx is cancelled, then shut down in order
func RunHub(ctx context.Context, cfg config.HubConfig) error {
	// ── 1. Player locator ──────────────────────────────────────────────
	loc, closeLoc, err := newLocator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLoc()

	// ── 2. Hub ─────────────────────────────────────────────────────────
	h, err := hub.New(cfg, loc)
	if err != nil {
		return err
	}
	if err := h.Start(); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	printLeafTable(h)

	// ── 3. Observability ───────────────────────────────────────────────
	startMetrics(ctx, cfg.MetricsAddr)
	metrics.StartStatsReporter(ctx, statsInterval)

	// ── 4. Serve until shutdown ────────────────────────────────────────
	<-ctx.Done()
	h.Shutdown()
	return nil
}

// newLocator picks the player locator for a standalone hub. Without Redis
// there is no way to fill the in-memory table from the command line, so
// player-addressed requests will all fail.
func newLocator(ctx context.Context, cfg config.HubConfig) (hub.PlayerLocator, func(), error) {
	if cfg.RedisAddr == "" {
		util.LogWarning("no Redis configured: requests addressed to players will fail with %s",
			protocol.StatusPlayerNotFound)
		return locator.NewStatic(), func() {}, nil
	}

	r, err := locator.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	util.LogInfo("locating players through Redis at %s", cfg.RedisAddr)
	return r, func() { r.Close() }, nil
}

func printLeafTable(h *hub.Hub) {
	rows := pterm.TableData{{"Leaf", "Private"}}
	for _, info := range h.ListConnections() {
		rows = append(rows, []string{info.Name, fmt.Sprintf("%v", info.Private)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// startMetrics serves /metrics in the background when addr is set.
func startMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, addr); err != nil {
			util.LogError("%v", err)
		}
	}()
}
