package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/openforcefield/bespoke-executor/pkg/types"
)

// store is the subset of storage.Store the embedded queue needs; kept
// narrow so pkg/queue does not import pkg/storage's full surface.
type store interface {
	Put(key string, value []byte) error
	CompareAndSwap(key string, oldValue, newValue []byte) (bool, error)
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	ScanPrefix(prefix string) (map[string][]byte, error)
}

// EmbeddedQueue is the default Task Queue backend: a Result
// Store-backed FIFO log per routing key, with in-memory channels
// waking blocked long-polls. This is the "reasonable default backend"
// spec.md §4.5 calls for single-host deployments.
type EmbeddedQueue struct {
	store store

	mu      sync.Mutex
	wake    map[types.RoutingKey]chan struct{}
	pollInt time.Duration
}

// NewEmbeddedQueue creates an embedded queue over s.
func NewEmbeddedQueue(s store) *EmbeddedQueue {
	return &EmbeddedQueue{
		store:   s,
		wake:    make(map[types.RoutingKey]chan struct{}),
		pollInt: 250 * time.Millisecond,
	}
}

func (q *EmbeddedQueue) wakeChan(rk types.RoutingKey) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.wake[rk]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wake[rk] = ch
	}
	return ch
}

func (q *EmbeddedQueue) notify(rk types.RoutingKey) {
	ch := q.wakeChan(rk)
	select {
	case ch <- struct{}{}:
	default:
	}
}

func itemKey(rk types.RoutingKey, seq uint64) string {
	return fmt.Sprintf("queue/%s/%020d", rk, seq)
}

func itemPrefix(rk types.RoutingKey) string {
	return fmt.Sprintf("queue/%s/", rk)
}

func (q *EmbeddedQueue) nextSequence(rk types.RoutingKey) (uint64, error) {
	key := fmt.Sprintf("queue/_seq/%s", rk)
	for {
		cur, found, err := q.store.Get(key)
		if err != nil {
			return 0, err
		}
		var n uint64
		if found {
			n = binary.BigEndian.Uint64(cur)
		}
		next := n + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		var old []byte
		if found {
			old = cur
		}
		ok, err := q.store.CompareAndSwap(key, old, buf)
		if err != nil {
			return 0, err
		}
		if ok {
			return next, nil
		}
		// Lost the race against a concurrent enqueue; retry.
	}
}

// Enqueue implements Queue.
func (q *EmbeddedQueue) Enqueue(ctx context.Context, item *types.QueueItem) error {
	seq, err := q.nextSequence(item.RoutingKey)
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	item.Sequence = seq
	item.EnqueuedAt = time.Now().UTC()
	item.VisibilityDeadline = item.EnqueuedAt // immediately claimable

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.store.Put(itemKey(item.RoutingKey, seq), data); err != nil {
		return fmt.Errorf("persist queue item: %w", err)
	}
	q.notify(item.RoutingKey)
	return nil
}

// readyItems returns every item for rk whose visibility deadline has
// passed, sorted by sequence (strict FIFO), along with its storage key.
func (q *EmbeddedQueue) readyItems(rk types.RoutingKey) ([]string, []*types.QueueItem, error) {
	raw, err := q.store.ScanPrefix(itemPrefix(rk))
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(raw))
	items := make([]*types.QueueItem, 0, len(raw))
	now := time.Now().UTC()
	for k, v := range raw {
		var item types.QueueItem
		if err := json.Unmarshal(v, &item); err != nil {
			continue
		}
		if item.VisibilityDeadline.After(now) {
			continue
		}
		keys = append(keys, k)
		items = append(items, &item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	sort.Strings(keys) // key string embeds zero-padded sequence, so this matches item order
	return keys, items, nil
}

// Claim implements Queue.
func (q *EmbeddedQueue) Claim(ctx context.Context, rk types.RoutingKey, visibility time.Duration) (*types.QueueItem, error) {
	ticker := time.NewTicker(q.pollInt)
	defer ticker.Stop()
	wake := q.wakeChan(rk)

	for {
		_, items, err := q.readyItems(rk)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			claimed := items[0]
			claimed.Attempt++
			claimed.VisibilityDeadline = time.Now().UTC().Add(visibility)
			data, err := json.Marshal(claimed)
			if err != nil {
				return nil, err
			}
			if err := q.store.Put(itemKey(rk, claimed.Sequence), data); err != nil {
				return nil, err
			}
			return claimed, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (q *EmbeddedQueue) findBySeqOrTask(rk types.RoutingKey, taskID string) (string, *types.QueueItem, error) {
	raw, err := q.store.ScanPrefix(itemPrefix(rk))
	if err != nil {
		return "", nil, err
	}
	for k, v := range raw {
		var item types.QueueItem
		if err := json.Unmarshal(v, &item); err != nil {
			continue
		}
		if item.TaskID == taskID {
			return k, &item, nil
		}
	}
	return "", nil, nil
}

// Ack implements Queue.
func (q *EmbeddedQueue) Ack(ctx context.Context, rk types.RoutingKey, taskID string) error {
	key, item, err := q.findBySeqOrTask(rk, taskID)
	if err != nil {
		return err
	}
	if item == nil {
		return nil // already acked or never existed; ack is idempotent
	}
	return q.store.Delete(key)
}

// Nack implements Queue.
func (q *EmbeddedQueue) Nack(ctx context.Context, rk types.RoutingKey, taskID string, retryLimit int, reason string) (bool, error) {
	key, item, err := q.findBySeqOrTask(rk, taskID)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	if item.Attempt > retryLimit {
		deadKey := strings.Replace(key, "queue/", "deadletter/", 1)
		data, _ := json.Marshal(item)
		if err := q.store.Put(deadKey, data); err != nil {
			return false, err
		}
		if err := q.store.Delete(key); err != nil {
			return false, err
		}
		log.WithComponent("queue").Warn().
			Str("task_id", taskID).
			Str("routing_key", string(rk)).
			Str("reason", reason).
			Msg("task dead-lettered after exhausting retries")
		return true, nil
	}

	item.VisibilityDeadline = time.Now().UTC() // immediately claimable again
	data, err := json.Marshal(item)
	if err != nil {
		return false, err
	}
	if err := q.store.Put(key, data); err != nil {
		return false, err
	}
	q.notify(rk)
	return false, nil
}

// Depth implements Queue.
func (q *EmbeddedQueue) Depth(rk types.RoutingKey) (int, error) {
	raw, err := q.store.ScanPrefix(itemPrefix(rk))
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

// ReapExpired implements Queue. The embedded backend's visibility
// timeout is already self-healing (readyItems only returns entries
// whose deadline has passed), so ReapExpired here simply reports which
// in-flight items have gone stale; the coordinator's sweeper logs the
// reported ids and leaves the Task Records unchanged.
func (q *EmbeddedQueue) ReapExpired(ctx context.Context) ([]string, error) {
	var stale []string
	for _, rk := range []types.RoutingKey{types.RoutingFragment, types.RoutingQC, types.RoutingOptimize} {
		raw, err := q.store.ScanPrefix(itemPrefix(rk))
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		for _, v := range raw {
			var item types.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			if item.Attempt > 0 && !item.VisibilityDeadline.After(now) {
				stale = append(stale, item.TaskID)
			}
		}
	}
	return stale, nil
}
