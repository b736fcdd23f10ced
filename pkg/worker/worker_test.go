package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/cache"
	"github.com/openforcefield/bespoke-executor/pkg/executor"
	"github.com/openforcefield/bespoke-executor/pkg/queue"
	"github.com/openforcefield/bespoke-executor/pkg/storage"
	"github.com/openforcefield/bespoke-executor/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	inputs   map[string]map[string]any
	fps      map[string]string
	outcomes []TaskOutcome
	done     chan TaskOutcome
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		inputs: make(map[string]map[string]any),
		fps:    make(map[string]string),
		done:   make(chan TaskOutcome, 16),
	}
}

func (f *fakeSource) put(taskID string, input map[string]any, fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs[taskID] = input
	f.fps[taskID] = fp
}

func (f *fakeSource) TaskInput(taskID string) (map[string]any, string, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.inputs[taskID]
	return in, f.fps[taskID], "method-x", ok
}

func (f *fakeSource) ReportOutcome(outcome TaskOutcome) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, outcome)
	f.mu.Unlock()
	f.done <- outcome
}

func newHarness(t *testing.T) (*queue.EmbeddedQueue, *cache.Manager, *fakeSource) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return queue.NewEmbeddedQueue(s), cache.NewManager(s), newFakeSource()
}

func TestWorkerSuccessPublishesAndAcks(t *testing.T) {
	q, c, src := newHarness(t)
	src.put("t1", map[string]any{"x": 1}, "fp1")
	_, err := c.Acquire("fp1", "t1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), &types.QueueItem{TaskID: "t1", RoutingKey: types.RoutingQC}))

	invoke := func(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
		return executor.Result{Output: map[string]any{"energy": -1.0}}, nil
	}
	w := New(Config{
		ID: "w1", RoutingKey: types.RoutingQC, Queue: q, Cache: c, Source: src,
		Invoke: invoke, LeaseTTL: 50 * time.Millisecond, Visibility: time.Second, RetryLimit: 2,
	})
	w.Start()
	defer w.Stop()

	select {
	case out := <-src.done:
		require.True(t, out.Succeeded)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not report an outcome")
	}

	entry, hit, err := c.Lookup("fp1")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, -1.0, entry.Value["energy"])

	depth, err := q.Depth(types.RoutingQC)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestWorkerReportedFailureAcksWithoutCaching(t *testing.T) {
	q, c, src := newHarness(t)
	src.put("t1", map[string]any{"x": 1}, "fp1")
	_, err := c.Acquire("fp1", "t1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), &types.QueueItem{TaskID: "t1", RoutingKey: types.RoutingQC}))

	invoke := func(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
		return executor.Result{}, &executor.ExecError{Message: "divergence"}
	}
	w := New(Config{
		ID: "w1", RoutingKey: types.RoutingQC, Queue: q, Cache: c, Source: src,
		Invoke: invoke, LeaseTTL: time.Minute, Visibility: time.Second, RetryLimit: 2,
	})
	w.Start()
	defer w.Stop()

	select {
	case out := <-src.done:
		require.False(t, out.Succeeded)
		require.Equal(t, "executor-error", out.ErrorCode)
		require.True(t, out.Retryable)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not report an outcome")
	}

	_, hit, err := c.Lookup("fp1")
	require.NoError(t, err)
	require.False(t, hit)

	depth, err := q.Depth(types.RoutingQC)
	require.NoError(t, err)
	require.Equal(t, 0, depth, "reported failures ack the queue item rather than requeue it")
}

func TestWorkerCrashNacksForRedelivery(t *testing.T) {
	q, c, src := newHarness(t)
	src.put("t1", map[string]any{"x": 1}, "fp1")
	_, err := c.Acquire("fp1", "t1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), &types.QueueItem{TaskID: "t1", RoutingKey: types.RoutingQC}))

	var calls int
	var mu sync.Mutex
	invoke := func(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return executor.Result{}, context.DeadlineExceeded
		}
		return executor.Result{Output: map[string]any{"ok": true}}, nil
	}
	w := New(Config{
		ID: "w1", RoutingKey: types.RoutingQC, Queue: q, Cache: c, Source: src,
		Invoke: invoke, LeaseTTL: time.Minute, Visibility: 10 * time.Millisecond, RetryLimit: 2,
	})
	w.Start()
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("worker never succeeded after a transient failure")
		default:
		}
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}
