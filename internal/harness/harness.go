package harness

import (
	"context"
	"testing"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/client"
	"github.com/openforcefield/bespoke-executor/pkg/config"
	"github.com/openforcefield/bespoke-executor/pkg/executor"
	"github.com/openforcefield/bespoke-executor/pkg/supervisor"
	"github.com/openforcefield/bespoke-executor/pkg/types"
)

// Harness boots one Supervisor in-process against a temporary data
// directory and exposes it through the same pkg/client a real CLI
// invocation would use, so scenario tests exercise the HTTP surface
// end to end rather than calling internal packages directly.
type Harness struct {
	T   *testing.T
	Sup *supervisor.Supervisor
	C   *client.Client

	cfg config.Config
}

// Config returns a Default() config pointed at a fresh temp directory
// and bound to an ephemeral local port, with a short lease TTL so
// restart/cancellation scenarios don't need to wait out production
// defaults.
func Config(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.LeaseTTL = 300 * time.Millisecond
	cfg.ShutdownGrace = 2 * time.Second
	return cfg
}

// New starts a Supervisor with the given executors and returns a
// Harness wrapping it. Callers must call Stop when done (t.Cleanup is
// registered automatically as a backstop).
func New(t *testing.T, cfg config.Config, execs executor.Set) *Harness {
	t.Helper()
	sup := supervisor.New(cfg, execs)
	if err := sup.Start(); err != nil {
		t.Fatalf("start supervisor: %v", err)
	}
	h := &Harness{T: t, Sup: sup, C: client.New("http://" + sup.Addr()), cfg: cfg}
	t.Cleanup(func() { h.Stop() })
	return h
}

// Restart stops the current Supervisor (if still running) and starts
// a fresh one over the same data directory, simulating a coordinator
// process restart (spec.md §8 S5) while keeping persisted state.
func (h *Harness) Restart(execs executor.Set) {
	h.T.Helper()
	h.Stop()
	sup := supervisor.New(h.cfg, execs)
	if err := sup.Start(); err != nil {
		h.T.Fatalf("restart supervisor: %v", err)
	}
	h.Sup = sup
	h.C = client.New("http://" + sup.Addr())
}

// Stop shuts the Supervisor down; safe to call more than once.
func (h *Harness) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.Sup.Stop(ctx)
}

// SingleFragmentWorkflow builds a Workflow that fragments into exactly
// one piece and runs n QC specs against it, named qc-a, qc-b, ... (one
// letter per spec, in order) so tests can target individual tasks by
// method name for failure injection.
func SingleFragmentWorkflow(molecule string, n int) types.Workflow {
	specs := make([]types.QCSpec, n)
	for i := range specs {
		specs[i] = types.QCSpec{
			Method: qcMethodName(i), Basis: "def2-sv(p)", Program: "psi4", CalculationKind: "optimization",
		}
	}
	return types.Workflow{
		Name:     "harness",
		Molecule: molecule,
		Fragmenter: types.FragmenterSpec{
			Kind: "whole-molecule", QCSpecs: specs,
		},
		Optimizer: types.OptimizerSpec{
			InitialForceField: "openff-2.2.0", Targets: []string{"vdw"},
		},
	}
}

func qcMethodName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "qc-" + string(letters[i%len(letters)])
}

// WaitForStatus polls GET /submissions/{id} until it reaches one of
// the given terminal-or-not statuses, or the deadline passes.
func (h *Harness) WaitForStatus(id int64, timeout time.Duration, statuses ...string) *client.Submission {
	h.T.Helper()
	deadline := time.Now().Add(timeout)
	var last *client.Submission
	for time.Now().Before(deadline) {
		sub, err := h.C.Get(context.Background(), id)
		if err == nil {
			last = sub
			for _, want := range statuses {
				if sub.Status == want {
					return sub
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	h.T.Fatalf("submission %d did not reach %v within %v (last seen: %+v)", id, statuses, timeout, last)
	return nil
}
