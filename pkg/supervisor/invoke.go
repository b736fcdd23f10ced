package supervisor

import (
	"context"

	"github.com/openforcefield/bespoke-executor/pkg/executor"
)

// fragmentInvoker/qcInvoker/optimizeInvoker adapt the three narrow
// executor.* interfaces to the single worker.Invoker call shape, so
// each Worker Pool can be wired without knowing which stage it runs.
func fragmentInvoker(f executor.Fragmenter) func(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
	return f.Fragment
}

func qcInvoker(e executor.QCEngine) func(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
	return e.Compute
}

func optimizeInvoker(o executor.Optimizer) func(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
	return o.Optimize
}
