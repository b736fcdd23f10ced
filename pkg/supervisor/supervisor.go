// Package supervisor wires the Result Store, Task Queue, Coordinator
// Service, and three Worker Pools into one process lifecycle: ordered
// startup, an HTTP listener, and a cooperative, idempotent shutdown.
//
// The ordering and signal-driven shutdown are adapted from the
// teacher's cmd/warren/main.go clusterInitCmd (containerd -> manager ->
// bootstrap -> scheduler -> reconciler -> metrics collector -> HTTP
// servers -> ingress, torn down in reverse on SIGINT/SIGTERM),
// restructured here as a reusable type rather than inline main code.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/cache"
	"github.com/openforcefield/bespoke-executor/pkg/config"
	"github.com/openforcefield/bespoke-executor/pkg/coordinator"
	"github.com/openforcefield/bespoke-executor/pkg/executor"
	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/openforcefield/bespoke-executor/pkg/queue"
	"github.com/openforcefield/bespoke-executor/pkg/storage"
	"github.com/openforcefield/bespoke-executor/pkg/types"
	"github.com/openforcefield/bespoke-executor/pkg/worker"
)

// Supervisor owns every long-lived subsystem of the coordinator
// process and is responsible for starting and stopping them in a
// fixed, safe order.
type Supervisor struct {
	cfg      config.Config
	executor executor.Set

	store storage.Store
	queue queue.Queue
	cache *cache.Manager
	coord *coordinator.Coordinator

	fragmentPool *worker.Pool
	qcPool       *worker.Pool
	optimizePool *worker.Pool

	httpServer *http.Server
	listener   net.Listener

	stopOnce sync.Once
	stopErr  error
}

// New constructs a Supervisor. Start must be called before the
// coordinator accepts traffic.
func New(cfg config.Config, execs executor.Set) *Supervisor {
	return &Supervisor{cfg: cfg, executor: execs}
}

// Start opens the Result Store, constructs the Task Queue and Cache
// Manager, resumes any non-terminal submissions, launches the three
// Worker Pools, and begins serving HTTP. It returns once the listener
// is bound; it does not block for the life of the process (the caller
// handles signals and calls Stop).
func (s *Supervisor) Start() error {
	logger := log.WithComponent("supervisor")

	store, err := storage.NewBoltStore(s.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open result store at %q: %w", s.cfg.DataDir, err)
	}
	s.store = store
	logger.Info().Str("dir", s.cfg.DataDir).Msg("result store opened")

	// The only backend this build supports is the embedded, BoltDB-backed
	// queue; a non-"embedded" --queue-url is rejected up front rather than
	// silently falling back, so a typo in deployment config fails loudly.
	if s.cfg.QueueURL != "embedded" && s.cfg.QueueURL != "" {
		return fmt.Errorf("unsupported queue backend %q: only \"embedded\" is implemented", s.cfg.QueueURL)
	}
	s.queue = queue.NewEmbeddedQueue(store)
	s.cache = cache.NewManager(store)

	// cancellers is mutated in place once the pools it forwards to exist;
	// Coordinator holds this same map by reference, so the entries added
	// below are visible to it without reconstructing the Coordinator.
	cancellers := map[types.RoutingKey]coordinator.Canceller{}
	s.coord = coordinator.New(coordinator.Config{
		Store:    s.store,
		Queue:    s.queue,
		Cache:    s.cache,
		LeaseTTL: s.cfg.LeaseTTL,
		RetryLimit: coordinator.RetryLimits{
			Fragment: s.cfg.RetryLimits.Fragment,
			QC:       s.cfg.RetryLimits.QC,
			Optimize: s.cfg.RetryLimits.Optimize,
		},
		Cancellers: cancellers,
	})

	s.fragmentPool = worker.NewPool(worker.PoolConfig{
		RoutingKey: types.RoutingFragment,
		Count:      s.cfg.NFragmentWorkers,
		Queue:      s.queue,
		Cache:      s.cache,
		Source:     s.coord.Registry(),
		Invoke:     fragmentInvoker(s.executor.Fragmenter),
		Budget:     executor.Budget{Cores: s.cfg.CoreBudget},
		LeaseTTL:   s.cfg.LeaseTTL,
		Heartbeat:  s.cfg.LeaseHeartbeat,
		Visibility: s.cfg.LeaseTTL,
		RetryLimit: s.cfg.RetryLimits.Fragment,
	})
	qcCores := s.cfg.QCCoreBudget
	if qcCores <= 0 {
		qcCores = runtime.NumCPU()
	}
	s.qcPool = worker.NewPool(worker.PoolConfig{
		RoutingKey: types.RoutingQC,
		Count:      s.cfg.NQCWorkers,
		Queue:      s.queue,
		Cache:      s.cache,
		Source:     s.coord.Registry(),
		Invoke:     qcInvoker(s.executor.QC),
		Budget:     executor.Budget{Cores: qcCores, MemoryGiB: s.cfg.QCMaxMemGiB},
		LeaseTTL:   s.cfg.LeaseTTL,
		Heartbeat:  s.cfg.LeaseHeartbeat,
		Visibility: s.cfg.LeaseTTL,
		RetryLimit: s.cfg.RetryLimits.QC,
	})
	s.optimizePool = worker.NewPool(worker.PoolConfig{
		RoutingKey: types.RoutingOptimize,
		Count:      s.cfg.NOptimizeWorkers,
		Queue:      s.queue,
		Cache:      s.cache,
		Source:     s.coord.Registry(),
		Invoke:     optimizeInvoker(s.executor.Optimizer),
		Budget:     executor.Budget{Cores: s.cfg.CoreBudget},
		LeaseTTL:   s.cfg.LeaseTTL,
		Heartbeat:  s.cfg.LeaseHeartbeat,
		Visibility: s.cfg.LeaseTTL,
		RetryLimit: s.cfg.RetryLimits.Optimize,
	})
	logger.Info().
		Int("fragment_workers", s.fragmentPool.Size()).
		Int("qc_workers", s.qcPool.Size()).
		Int("optimize_workers", s.optimizePool.Size()).
		Msg("worker pools started")

	cancellers[types.RoutingFragment] = s.fragmentPool
	cancellers[types.RoutingQC] = s.qcPool
	cancellers[types.RoutingOptimize] = s.optimizePool

	if err := s.coord.Resume(); err != nil {
		return fmt.Errorf("resume non-terminal submissions: %w", err)
	}
	s.coord.StartSweeping()

	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %q: %w", s.cfg.BindAddr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.coord.Handler()}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server exited")
		}
	}()
	logger.Info().Str("addr", listener.Addr().String()).Msg("coordinator serving")
	return nil
}

// Addr returns the bound HTTP listener address; only valid after Start.
func (s *Supervisor) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Coordinator exposes the underlying Coordinator, e.g. for tests that
// want to drive its handler directly rather than over a real socket.
func (s *Supervisor) Coordinator() *coordinator.Coordinator { return s.coord }

// Stop drains and tears down every subsystem in reverse start order,
// respecting the configured shutdown grace period for the HTTP
// server. It is idempotent: a second call returns the first call's
// result without doing any work twice.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		logger := log.WithComponent("supervisor")
		logger.Info().Msg("shutdown starting")

		grace := s.cfg.ShutdownGrace
		if grace <= 0 {
			grace = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.stopErr = fmt.Errorf("shut down http server: %w", err)
			}
		}

		s.coord.StopSweeping()

		if s.fragmentPool != nil {
			s.fragmentPool.Stop()
		}
		if s.qcPool != nil {
			s.qcPool.Stop()
		}
		if s.optimizePool != nil {
			s.optimizePool.Stop()
		}
		logger.Info().Msg("worker pools stopped")

		if s.store != nil {
			if err := s.store.Close(); err != nil && s.stopErr == nil {
				s.stopErr = fmt.Errorf("close result store: %w", err)
			}
		}
		logger.Info().Msg("shutdown complete")
	})
	return s.stopErr
}
