package harness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestS1SingleBondSubmissionColdCache covers spec.md §8 S1: a
// submission with a single-fragment molecule and one QC spec should
// produce exactly one fragment, one QC task, and one optimization
// result, reaching success.
func TestS1SingleBondSubmissionColdCache(t *testing.T) {
	frag, qc, opt := &CountingFragmenter{}, &CountingQC{}, &CountingOptimizer{}
	h := New(t, Config(t), Set(frag, qc, opt))

	wf := SingleFragmentWorkflow("CC", 1)
	results, err := h.C.Submit(context.Background(), []any{wf})
	require.NoError(t, err)
	require.Len(t, results, 1)

	sub := h.WaitForStatus(results[0].ID, 5*time.Second, "success", "errored")
	require.Equal(t, "success", sub.Status)
	require.Len(t, sub.Stages, 3)
	require.Len(t, sub.Stages[0].Tasks, 1, "fragmentation stage materializes one task")
	require.Len(t, sub.Stages[1].Tasks, 1, "one fragment times one qc spec is one qc task")
	require.Len(t, sub.Stages[2].Tasks, 1)
	require.EqualValues(t, 1, frag.Calls())
	require.EqualValues(t, 1, qc.Calls())
	require.EqualValues(t, 1, opt.Calls())
}

// TestS2CacheWarmResubmission covers spec.md §8 S2: resubmitting the
// same workflow after it already succeeded should resolve every task
// from the cache, with no new executor invocation.
func TestS2CacheWarmResubmission(t *testing.T) {
	frag, qc, opt := &CountingFragmenter{}, &CountingQC{}, &CountingOptimizer{}
	h := New(t, Config(t), Set(frag, qc, opt))

	wf := SingleFragmentWorkflow("CCO", 1)
	first, err := h.C.Submit(context.Background(), []any{wf})
	require.NoError(t, err)
	h.WaitForStatus(first[0].ID, 5*time.Second, "success", "errored")

	fragCallsBefore, qcCallsBefore, optCallsBefore := frag.Calls(), qc.Calls(), opt.Calls()

	second, err := h.C.Submit(context.Background(), []any{wf})
	require.NoError(t, err)
	sub := h.WaitForStatus(second[0].ID, 5*time.Second, "success", "errored")
	require.Equal(t, "success", sub.Status)

	for _, stage := range sub.Stages {
		for _, task := range stage.Tasks {
			require.Equal(t, "cached", task.Status, "stage %s task %s should resolve from cache", stage.Name, task.ID)
		}
	}
	require.Equal(t, fragCallsBefore, frag.Calls(), "fragmenter must not run again on a cache hit")
	require.Equal(t, qcCallsBefore, qc.Calls(), "qc engine must not run again on a cache hit")
	require.Equal(t, optCallsBefore, opt.Calls(), "optimizer must not run again on a cache hit")
}

// TestS3QCFailureWithinTolerance covers spec.md §8 S3: a submission
// whose qc_failure_tolerance permits up to half of its QC tasks to
// fail should still reach success once within that tolerance.
func TestS3QCFailureWithinTolerance(t *testing.T) {
	frag, opt := &CountingFragmenter{}, &CountingOptimizer{}
	qc := &CountingQC{FailMethods: map[string]bool{"qc-a": true, "qc-b": true}}
	h := New(t, Config(t), Set(frag, qc, opt))

	wf := SingleFragmentWorkflow("c1ccccc1", 4)
	tolerance := 0.5
	wf.QCFailureTolerance = &tolerance

	results, err := h.C.Submit(context.Background(), []any{wf})
	require.NoError(t, err)

	sub := h.WaitForStatus(results[0].ID, 5*time.Second, "success", "errored")
	require.Equal(t, "success", sub.Status)

	qcStage := sub.Stages[1]
	require.Equal(t, "success", qcStage.Status)
	require.Len(t, qcStage.Tasks, 4)
	failed := 0
	for _, task := range qcStage.Tasks {
		if task.Status == "failed" {
			failed++
		}
	}
	require.Equal(t, 2, failed, "exactly the two injected failures should be recorded")
}

// TestS4Cancellation covers spec.md §8 S4: cancelling a submission
// with an in-flight QC task should move it to cancelled, never emit
// optimization tasks, and release the worker promptly.
func TestS4Cancellation(t *testing.T) {
	frag, opt := &CountingFragmenter{}, &CountingOptimizer{}
	gate := make(chan struct{}) // never closed: the QC task blocks until cancelled
	qc := &CountingQC{Gate: gate}
	h := New(t, Config(t), Set(frag, qc, opt))

	wf := SingleFragmentWorkflow("CC", 1)
	results, err := h.C.Submit(context.Background(), []any{wf})
	require.NoError(t, err)
	id := results[0].ID

	deadline := time.Now().Add(2 * time.Second)
	for qc.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.EqualValues(t, 1, qc.Calls(), "qc task must be in flight before cancelling")

	require.NoError(t, h.C.Cancel(context.Background(), id))

	sub := h.WaitForStatus(id, 5*time.Second, "cancelled")
	require.Equal(t, "cancelled", sub.Status)
	require.Len(t, sub.Stages[2].Tasks, 0, "optimization stage must never materialize after cancellation")
	require.EqualValues(t, 0, opt.Calls())
}

// TestS5CoordinatorRestart covers spec.md §8 S5: a coordinator
// restart while a QC task is in flight must resume the submission to
// success afterward rather than losing track of it.
func TestS5CoordinatorRestart(t *testing.T) {
	frag, opt := &CountingFragmenter{}, &CountingOptimizer{}
	qc := &CountingQC{Delay: 150 * time.Millisecond}
	cfg := Config(t)
	h := New(t, cfg, Set(frag, qc, opt))

	wf := SingleFragmentWorkflow("CCN", 1)
	results, err := h.C.Submit(context.Background(), []any{wf})
	require.NoError(t, err)
	id := results[0].ID

	deadline := time.Now().Add(2 * time.Second)
	for qc.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.EqualValues(t, 1, qc.Calls(), "qc task must be in flight before restart")

	h.Restart(Set(frag, qc, opt))

	sub := h.WaitForStatus(id, 5*time.Second, "success", "errored")
	require.Equal(t, "success", sub.Status, "submission must resume to completion after a restart")
}

// TestS6ConcurrentIdenticalSubmissions covers spec.md §8 S6: two
// identical submissions posted concurrently must share one
// fingerprint lease, so only one of them drives an actual executor
// invocation per stage; the other resolves via the cache wait path.
func TestS6ConcurrentIdenticalSubmissions(t *testing.T) {
	frag, qc, opt := &CountingFragmenter{}, &CountingQC{}, &CountingOptimizer{}
	h := New(t, Config(t), Set(frag, qc, opt))

	wf := SingleFragmentWorkflow("CCCC", 1)

	var wg sync.WaitGroup
	ids := make([]int64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := h.C.Submit(context.Background(), []any{wf})
			require.NoError(t, err)
			ids[i] = results[0].ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		sub := h.WaitForStatus(id, 5*time.Second, "success", "errored")
		require.Equal(t, "success", sub.Status)
	}

	require.EqualValues(t, 1, frag.Calls(), "only one submission should actually invoke the fragmenter")
	require.EqualValues(t, 1, qc.Calls(), "only one submission should actually invoke the qc engine")
	require.EqualValues(t, 1, opt.Calls(), "only one submission should actually invoke the optimizer")
}
