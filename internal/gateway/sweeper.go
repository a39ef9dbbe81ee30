// ABOUTME: Background sweeper that heartbeats this node's directory rows and expires abandoned ones
// ABOUTME: Cleans up after nodes that died without removing their subscriptions

package gateway

import (
	"context"
	"time"
)

// runSweeper calls sweepOnce every directory.sweep_interval until ctx is done.
func (g *Gateway) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.config.Directory.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce(ctx, time.Now())
		}
	}
}

// sweepOnce heartbeats the rows of connections this node holds, then
// deletes rows whose heartbeat is older than stale_after. Quiet clients keep
// their subscriptions for as long as the socket is open; only rows of nodes
// that stopped sweeping expire.
func (g *Gateway) sweepOnce(ctx context.Context, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()

	if _, err := g.directory.Heartbeat(ctx, g.nodeID, now); err != nil {
		// Expiring now could delete rows for sockets this node still holds.
		g.logger.Warn("heartbeating subscriptions", "error", err)
		return
	}

	n, err := g.directory.ExpireStale(ctx, now.Add(-g.config.Directory.StaleAfter))
	if err != nil {
		g.logger.Warn("expiring stale subscriptions", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("expired stale subscriptions", "count", n)
	}
}
