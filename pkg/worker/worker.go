// Package worker implements the Worker Pool (spec.md §4.4): three
// logical pools distinguished by routing key, each claiming queue
// items, invoking an external scientific executor, and publishing
// results to the cache.
//
// The claim/heartbeat/invoke/publish loop below is adapted from the
// teacher's pkg/worker/worker.go lifecycle (Start, a heartbeat
// goroutine, an executor loop) and pkg/worker/health_monitor.go's
// ticker-driven per-item tracking, restructured from a gRPC-connected
// remote process onto an in-process goroutine pulling from pkg/queue.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/cache"
	"github.com/openforcefield/bespoke-executor/pkg/executor"
	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/openforcefield/bespoke-executor/pkg/metrics"
	"github.com/openforcefield/bespoke-executor/pkg/queue"
	"github.com/openforcefield/bespoke-executor/pkg/types"
)

// Invoker adapts one of executor.Fragmenter/QCEngine/Optimizer to a
// uniform call shape the Worker loop can use regardless of stage kind.
type Invoker func(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error)

// TaskOutcome is what a Worker reports back to its TaskSource after
// processing one queue item to a terminal-for-this-attempt result.
type TaskOutcome struct {
	TaskID       string
	Succeeded    bool
	Output       map[string]any
	ErrorCode    string
	ErrorMessage string
	Retryable    bool // true if the orchestrator should re-materialize a fresh attempt
	ProducedBy   string
}

// TaskSource is the narrow interface a Worker needs back into the
// Stage Orchestrator that owns a task: look up its input/fingerprint
// (which marks the task in-flight), and report how an attempt
// concluded. Implemented by
// pkg/orchestrator.Registry; declared here (consumer side) so this
// package has no dependency on pkg/orchestrator.
type TaskSource interface {
	TaskInput(taskID string) (input map[string]any, fingerprint, methodSpec string, ok bool)
	ReportOutcome(outcome TaskOutcome)
}

// Config configures one Worker.
type Config struct {
	ID         string
	RoutingKey types.RoutingKey
	Queue      queue.Queue
	Cache      *cache.Manager
	Source     TaskSource
	Invoke     Invoker
	Budget     executor.Budget
	LeaseTTL   time.Duration
	Heartbeat  time.Duration
	Visibility time.Duration
	RetryLimit int
}

// Worker is a single-tenant consumer of one routing key.
type Worker struct {
	cfg Config

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Worker. Call Start to begin its claim loop.
func New(cfg Config) *Worker {
	return &Worker{
		cfg:       cfg,
		cancelFns: make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the worker's claim loop until Stop is called.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the worker to exit after its current task, if any.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Cancel requests cancellation of an in-flight task by id; the worker
// observes this immediately, via context cancellation of the executor
// invocation backing the task.
func (w *Worker) Cancel(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.cancelFns[taskID]; ok {
		cancel()
	}
}

func (w *Worker) run() {
	defer close(w.doneCh)
	logger := log.WithComponent("worker").With().
		Str("worker_id", w.cfg.ID).
		Str("routing_key", string(w.cfg.RoutingKey)).
		Logger()

	ctx, cancelRun := context.WithCancel(context.Background())
	go func() {
		<-w.stopCh
		cancelRun()
	}()

	for {
		item, err := w.cfg.Queue.Claim(ctx, w.cfg.RoutingKey, w.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("claim failed")
			continue
		}

		select {
		case <-w.stopCh:
			// Drain gracefully: release this item back to the queue
			// rather than abandoning it mid-processing.
			_, _ = w.cfg.Queue.Nack(context.Background(), w.cfg.RoutingKey, item.TaskID, w.cfg.RetryLimit, "worker draining")
			return
		default:
		}

		w.process(item)
	}
}

func (w *Worker) process(item *types.QueueItem) {
	logger := log.WithTask(item.TaskID)
	ctx := context.Background()

	input, fingerprint, methodSpec, ok := w.cfg.Source.TaskInput(item.TaskID)
	if !ok {
		// The task record is gone (submission cancelled/deleted); ack so
		// the queue item stops reappearing.
		_ = w.cfg.Queue.Ack(ctx, w.cfg.RoutingKey, item.TaskID)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancelFns[item.TaskID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.cancelFns, item.TaskID)
		w.mu.Unlock()
		cancel()
	}()

	hbStop := make(chan struct{})
	go w.heartbeatLoop(fingerprint, item.TaskID, hbStop)
	defer close(hbStop)

	timer := metrics.NewTimer()
	result, err := w.cfg.Invoke(taskCtx, input, w.cfg.Budget)
	timer.ObserveDuration(metrics.TaskDuration.WithLabelValues(string(w.cfg.RoutingKey)))

	if taskCtx.Err() != nil {
		metrics.TasksTotal.WithLabelValues(string(w.cfg.RoutingKey), "cancelled").Inc()
		w.cfg.Cache.Release(fingerprint, item.TaskID)
		_, _ = w.cfg.Queue.Nack(ctx, w.cfg.RoutingKey, item.TaskID, w.cfg.RetryLimit, "cancelled")
		w.cfg.Source.ReportOutcome(TaskOutcome{TaskID: item.TaskID, Succeeded: false, ErrorCode: "cancelled", ErrorMessage: "task cancelled"})
		logger.Info().Msg("task cancelled")
		return
	}

	if err != nil {
		var execErr *executor.ExecError
		if errors.As(err, &execErr) {
			// Reported failure: publish a failed record via an alternate
			// path (not to the cache, so retries are permitted), and ack.
			metrics.TasksTotal.WithLabelValues(string(w.cfg.RoutingKey), "executor-error").Inc()
			w.cfg.Cache.Release(fingerprint, item.TaskID)
			_ = w.cfg.Queue.Ack(ctx, w.cfg.RoutingKey, item.TaskID)
			w.cfg.Source.ReportOutcome(TaskOutcome{
				TaskID: item.TaskID, Succeeded: false,
				ErrorCode: "executor-error", ErrorMessage: execErr.Message,
				Retryable: item.Attempt < w.cfg.RetryLimit+1,
			})
			logger.Warn().Str("error", execErr.Message).Msg("executor reported failure")
			return
		}

		// Recoverable failure: nack for redelivery; the item is
		// claimable again at once, with no backoff delay. The lease is
		// released so a retry (or a waiting peer submission) can
		// re-acquire it.
		metrics.TasksTotal.WithLabelValues(string(w.cfg.RoutingKey), "worker-crashed").Inc()
		w.cfg.Cache.Release(fingerprint, item.TaskID)
		deadLettered, nackErr := w.cfg.Queue.Nack(ctx, w.cfg.RoutingKey, item.TaskID, w.cfg.RetryLimit, err.Error())
		if nackErr != nil {
			logger.Error().Err(nackErr).Msg("failed to nack task")
		}
		if deadLettered {
			w.cfg.Source.ReportOutcome(TaskOutcome{TaskID: item.TaskID, Succeeded: false, ErrorCode: "worker-crashed", ErrorMessage: err.Error()})
		}
		logger.Warn().Err(err).Msg("task failed transiently")
		return
	}

	if pubErr := w.cfg.Cache.Publish(fingerprint, result.Output, item.TaskID, w.cfg.ID, methodSpec); pubErr != nil {
		logger.Error().Err(pubErr).Msg("failed to publish cache entry")
	}
	if err := w.cfg.Queue.Ack(ctx, w.cfg.RoutingKey, item.TaskID); err != nil {
		logger.Error().Err(err).Msg("failed to ack task")
	}
	metrics.TasksTotal.WithLabelValues(string(w.cfg.RoutingKey), "succeeded").Inc()
	w.cfg.Source.ReportOutcome(TaskOutcome{TaskID: item.TaskID, Succeeded: true, Output: result.Output, ProducedBy: w.cfg.ID})
	logger.Info().Msg("task succeeded")
}

func (w *Worker) heartbeatLoop(fingerprint, taskID string, stop chan struct{}) {
	interval := w.cfg.Heartbeat
	if interval <= 0 {
		interval = w.cfg.LeaseTTL / 3
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.cfg.Cache.Heartbeat(fingerprint, taskID, w.cfg.LeaseTTL)
		case <-stop:
			return
		}
	}
}
