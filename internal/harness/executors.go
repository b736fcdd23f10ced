// Package harness drives the Supervisor end to end, in-process,
// against a temporary data directory and stand-in executors, in place
// of the real fragmentation/QC/optimization tools this module treats
// as out of scope. It exists to exercise the scenarios spec.md §8
// names, without spawning external binaries or a second process.
//
// This replaces the teacher's test/framework package, which spawned
// real warren binaries as subprocesses against Lima VMs or Docker
// containers (cluster.go, process.go, vm.go): there is no analogous
// external runtime here to isolate against, so the harness constructs
// a pkg/supervisor.Supervisor directly and swaps in controllable
// executors instead of subprocesses.
package harness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/executor"
)

// CountingFragmenter returns a single caller-configured fragment list
// (by default, one fragment wrapping the input molecule whole) and
// counts how many times it was actually invoked, so cache-hit
// scenarios can assert an executor was never re-run.
type CountingFragmenter struct {
	Fragments []any // defaults to one fragment echoing the input molecule

	calls int32
}

func (f *CountingFragmenter) Fragment(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	frags := f.Fragments
	if frags == nil {
		molecule, _ := input["molecule"].(string)
		frags = []any{map[string]any{"id": "frag-0", "smiles": molecule}}
	}
	return executor.Result{Output: map[string]any{"fragments": frags}}, nil
}

func (f *CountingFragmenter) Calls() int32 { return atomic.LoadInt32(&f.calls) }

// CountingQC computes a deterministic, fake energy per QC spec. Any
// method name listed in FailMethods reports a persistent executor
// error every attempt (spec.md §8 S3's "inject a persistent executor
// error"). If Gate is non-nil, every invocation blocks on it
// indefinitely until cancelled, holding a task in flight to exercise
// cancellation (S4). If Delay is set, every invocation instead sleeps
// for that long (interruptible by ctx), long enough for a test to
// observe the task in flight without blocking a graceful shutdown
// forever, for the coordinator-restart scenario (S5).
type CountingQC struct {
	FailMethods map[string]bool
	Gate        <-chan struct{}
	Delay       time.Duration

	calls int32
}

func (q *CountingQC) Compute(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
	atomic.AddInt32(&q.calls, 1)
	if q.Gate != nil {
		select {
		case <-q.Gate:
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
	}
	if q.Delay > 0 {
		select {
		case <-time.After(q.Delay):
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
	}

	spec, _ := input["qc_spec"].(map[string]any)
	method, _ := spec["method"].(string)
	if q.FailMethods[method] {
		return executor.Result{}, &executor.ExecError{Message: "qc executor reported failure for " + method}
	}
	return executor.Result{Output: map[string]any{"energy": -1.0, "method": method}}, nil
}

func (q *CountingQC) Calls() int32 { return atomic.LoadInt32(&q.calls) }

// CountingOptimizer always reports a successful fit and counts its
// invocations.
type CountingOptimizer struct {
	calls int32
}

func (o *CountingOptimizer) Optimize(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
	atomic.AddInt32(&o.calls, 1)
	return executor.Result{Output: map[string]any{"force_field": "final.offxml"}}, nil
}

func (o *CountingOptimizer) Calls() int32 { return atomic.LoadInt32(&o.calls) }

// Set bundles one of each stub, ready to hand to executor.Set.
func Set(frag *CountingFragmenter, qc *CountingQC, opt *CountingOptimizer) executor.Set {
	return executor.Set{Fragmenter: frag, QC: qc, Optimizer: opt}
}
