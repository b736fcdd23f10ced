package coordinator

import (
	"context"

	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/openforcefield/bespoke-executor/pkg/metrics"
	"github.com/openforcefield/bespoke-executor/pkg/types"
)

// sweepOnce performs one Periodic Sweeper pass: re-advance every
// non-terminal submission, reap expired cache leases, reap expired
// queue items, and refresh the queue-depth gauge.
func (c *Coordinator) sweepOnce() {
	logger := log.WithComponent("coordinator-sweeper")

	subs, err := c.cfg.Store.ListNonTerminalSubmissions()
	if err != nil {
		logger.Error().Err(err).Msg("sweep: list non-terminal submissions failed")
	}
	for _, sub := range subs {
		if err := c.registry.Advance(sub.ID); err != nil {
			logger.Error().Err(err).Int64("submission_id", sub.ID).Msg("sweep: advance failed")
		}
	}

	for _, fp := range c.cfg.Cache.CleanupExpired() {
		metrics.LeasesExpiredTotal.Inc()
		logger.Warn().Str("fingerprint", fp).Msg("sweep: released expired cache lease")
	}

	reaped, err := c.cfg.Queue.ReapExpired(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("sweep: reap expired queue items failed")
	}
	for _, taskID := range reaped {
		logger.Warn().Str("task_id", taskID).Msg("sweep: reaped expired queue item")
	}

	for _, rk := range []types.RoutingKey{types.RoutingFragment, types.RoutingQC, types.RoutingOptimize} {
		depth, err := c.cfg.Queue.Depth(rk)
		if err != nil {
			continue
		}
		metrics.QueueDepth.WithLabelValues(string(rk)).Set(float64(depth))
	}
}
