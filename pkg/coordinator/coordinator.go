// Package coordinator implements the Coordinator Service (spec.md
// §4.1): the HTTP API surface around the Stage Orchestrator registry,
// boot-time resume of non-terminal submissions, and the Periodic
// Sweeper safety net.
//
// The net/http + ServeMux shape, and the boot-time "scan storage,
// rebuild in-memory handles" pattern, are adapted from the teacher's
// pkg/api/health.go (NewHealthServer's mux wiring) and
// pkg/manager/manager.go (restoreState at startup); the ticker-driven
// sweep loop is adapted from pkg/reconciler/reconciler.go.
package coordinator

import (
	"fmt"
	"net/http"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/cache"
	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/openforcefield/bespoke-executor/pkg/metrics"
	"github.com/openforcefield/bespoke-executor/pkg/orchestrator"
	"github.com/openforcefield/bespoke-executor/pkg/queue"
	"github.com/openforcefield/bespoke-executor/pkg/storage"
	"github.com/openforcefield/bespoke-executor/pkg/types"
)

// version is surfaced on GET /health. Overridden at build time via
// -ldflags the way the teacher stamps its own release version.
var version = "dev"

// Canceller forwards a task cancellation to whichever Worker Pool owns
// it. Implemented by pkg/worker.Pool; declared here so this package
// does not depend on pkg/worker.
type Canceller interface {
	Cancel(taskID string)
}

// RetryLimits holds the per-routing-key retry cap (spec.md §4.2 step
// 4 / §6.2), mirroring pkg/config.RetryLimits so a Supervisor can pass
// its loaded Config straight through without a translation layer of
// its own.
type RetryLimits struct {
	Fragment int
	QC       int
	Optimize int
}

// Config configures a Coordinator.
type Config struct {
	Store      storage.Store
	Queue      queue.Queue
	Cache      *cache.Manager
	LeaseTTL   time.Duration
	RetryLimit RetryLimits
	SweepEvery time.Duration

	// Cancellers maps a routing key to the pool that should receive
	// cancellation requests for its in-flight tasks.
	Cancellers map[types.RoutingKey]Canceller
}

// Coordinator owns the orchestrator Registry and exposes it over HTTP.
type Coordinator struct {
	cfg      Config
	registry *orchestrator.Registry
	mux      *http.ServeMux

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Coordinator. Call Resume to rebuild in-memory
// Orchestrators for any non-terminal submission found in the Result
// Store, then Start to begin serving and sweeping.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		registry:  orchestrator.NewRegistry(),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	c.mux = http.NewServeMux()
	c.mux.HandleFunc("/submissions", c.withMetrics("/submissions", c.handleSubmissions))
	c.mux.HandleFunc("/submissions/", c.withMetrics("/submissions/{id}", c.handleSubmissionByID))
	c.mux.HandleFunc("/health", c.withMetrics("/health", c.handleHealth))
	c.mux.Handle("/metrics", metrics.Handler())
	return c
}

// Handler returns the Coordinator's HTTP handler, for embedding in an
// *http.Server (owned by pkg/supervisor).
func (c *Coordinator) Handler() http.Handler {
	return c.mux
}

// Registry exposes the underlying orchestrator.Registry so a
// Supervisor can hand it to Worker Pools as their worker.TaskSource.
func (c *Coordinator) Registry() *orchestrator.Registry {
	return c.registry
}

// Resume implements the boot-time restore spec.md §4.2 calls for:
// every non-terminal submission in the Result Store gets a fresh
// Orchestrator and an immediate restart-driven advance, exactly as
// the teacher's Manager restores live subsystem state from storage at
// startup before accepting new requests.
func (c *Coordinator) Resume() error {
	subs, err := c.cfg.Store.ListNonTerminalSubmissions()
	if err != nil {
		return fmt.Errorf("list non-terminal submissions: %w", err)
	}
	logger := log.WithComponent("coordinator")
	for _, sub := range subs {
		o := orchestrator.New(sub, c.orchestratorConfig())
		c.registry.Put(o)
		if err := o.Restart(); err != nil {
			logger.Error().Err(err).Int64("submission_id", sub.ID).Msg("resume: restart failed")
		}
	}
	logger.Info().Int("count", len(subs)).Msg("resumed non-terminal submissions")
	return nil
}

func (c *Coordinator) orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Store:      c.cfg.Store,
		Queue:      c.cfg.Queue,
		Cache:      c.cfg.Cache,
		LeaseTTL:   c.cfg.LeaseTTL,
		RetryLimit: c.retryLimitFor,
	}
}

func (c *Coordinator) retryLimitFor(rk types.RoutingKey) int {
	switch rk {
	case types.RoutingFragment:
		return c.cfg.RetryLimit.Fragment
	case types.RoutingQC:
		return c.cfg.RetryLimit.QC
	case types.RoutingOptimize:
		return c.cfg.RetryLimit.Optimize
	}
	return 0
}

// StartSweeping launches the Periodic Sweeper goroutine. Call
// StopSweeping during shutdown.
func (c *Coordinator) StartSweeping() {
	go c.sweepLoop()
}

// StopSweeping stops the Periodic Sweeper and waits for it to exit.
func (c *Coordinator) StopSweeping() {
	close(c.stopSweep)
	<-c.sweepDone
}

// sweepLoop is the ambient safety net behind the event-driven advance
// calls: it re-triggers every non-terminal submission's Advance (in
// case a completion notification was dropped) and reaps expired cache
// leases and queue items, matching the teacher's reconciler ticker
// shape.
func (c *Coordinator) sweepLoop() {
	defer close(c.sweepDone)
	interval := c.cfg.SweepEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepOnce()
		case <-c.stopSweep:
			return
		}
	}
}
