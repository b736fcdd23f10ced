package queue

import (
	"context"
	"testing"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/storage"
	"github.com/openforcefield/bespoke-executor/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *EmbeddedQueue {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewEmbeddedQueue(s)
}

func TestEnqueueClaimAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &types.QueueItem{TaskID: "t1", RoutingKey: types.RoutingQC}))

	item, err := q.Claim(ctx, types.RoutingQC, time.Second)
	require.NoError(t, err)
	require.Equal(t, "t1", item.TaskID)
	require.Equal(t, 1, item.Attempt)

	require.NoError(t, q.Ack(ctx, types.RoutingQC, "t1"))

	depth, err := q.Depth(types.RoutingQC)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestFIFOPerRoutingKey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, &types.QueueItem{TaskID: id, RoutingKey: types.RoutingFragment}))
	}

	for _, want := range []string{"a", "b", "c"} {
		item, err := q.Claim(ctx, types.RoutingFragment, time.Second)
		require.NoError(t, err)
		require.Equal(t, want, item.TaskID)
		require.NoError(t, q.Ack(ctx, types.RoutingFragment, item.TaskID))
	}
}

func TestNackRequeuesUntilRetryLimit(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &types.QueueItem{TaskID: "t1", RoutingKey: types.RoutingQC}))

	item, err := q.Claim(ctx, types.RoutingQC, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, item.Attempt)

	deadLettered, err := q.Nack(ctx, types.RoutingQC, "t1", 2, "transient failure")
	require.NoError(t, err)
	require.False(t, deadLettered)

	item, err = q.Claim(ctx, types.RoutingQC, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, item.Attempt)

	deadLettered, err = q.Nack(ctx, types.RoutingQC, "t1", 2, "transient failure")
	require.NoError(t, err)
	require.False(t, deadLettered)

	item, err = q.Claim(ctx, types.RoutingQC, time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, item.Attempt)

	deadLettered, err = q.Nack(ctx, types.RoutingQC, "t1", 2, "transient failure")
	require.NoError(t, err)
	require.True(t, deadLettered, "third nack should exceed retry limit of 2 and dead-letter")

	depth, err := q.Depth(types.RoutingQC)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestClaimBlocksUntilEnqueue(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan *types.QueueItem, 1)
	go func() {
		item, err := q.Claim(ctx, types.RoutingOptimize, time.Second)
		if err == nil {
			done <- item
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), &types.QueueItem{TaskID: "late", RoutingKey: types.RoutingOptimize}))

	select {
	case item := <-done:
		require.Equal(t, "late", item.TaskID)
	case <-ctx.Done():
		t.Fatal("claim did not wake on enqueue")
	}
}
