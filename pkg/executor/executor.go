// Package executor defines the pluggable boundary to the external
// scientific tools: fragmentation, QC calculation, and parameter
// optimization are out of scope (spec.md §1) and live behind these
// narrow interfaces, mirroring the shape the teacher uses to wrap
// containerd behind pkg/runtime.
package executor

import (
	"context"
)

// Budget is the resource envelope a worker passes to its executor
// invocation (spec.md §4.4).
type Budget struct {
	Cores    int
	MemoryGiB int // GiB per core; 0 means best-effort
}

// Result is what a successful stage execution returns: a document to
// be cached and, for the final stage, surfaced to the client.
type Result struct {
	Output map[string]any
}

// ExecError represents a structured error document the external
// executor returned (a "reported failure", as opposed to the executor
// process crashing or timing out, which the worker surfaces itself).
type ExecError struct {
	Message string
	Detail  map[string]any
}

func (e *ExecError) Error() string { return e.Message }

// Fragmenter decomposes a parent molecule per a fragmenter spec.
type Fragmenter interface {
	Fragment(ctx context.Context, input map[string]any, budget Budget) (Result, error)
}

// QCEngine runs one quantum-chemical calculation against a fragment.
type QCEngine interface {
	Compute(ctx context.Context, input map[string]any, budget Budget) (Result, error)
}

// Optimizer fits force-field parameters against QC reference data.
type Optimizer interface {
	Optimize(ctx context.Context, input map[string]any, budget Budget) (Result, error)
}

// Set bundles the three pluggable executors a Supervisor wires to its
// worker pools.
type Set struct {
	Fragmenter Fragmenter
	QC         QCEngine
	Optimizer  Optimizer
}
