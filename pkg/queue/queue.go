// Package queue implements the Task Queue (spec.md §4.5): FIFO per
// routing key, at-least-once delivery, visibility timeout, explicit
// ack/nack, bounded retries, dead-lettering after the limit.
package queue

import (
	"context"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/types"
)

// Queue is the contract every backend (embedded or networked)
// implements.
type Queue interface {
	// Enqueue durably appends item to the FIFO for its routing key.
	// A successful Enqueue survives a process restart.
	Enqueue(ctx context.Context, item *types.QueueItem) error

	// Claim blocks (long-polls) until an item is available for
	// routingKey or ctx is done, then marks it in-flight with the
	// given visibility timeout and returns it.
	Claim(ctx context.Context, routingKey types.RoutingKey, visibility time.Duration) (*types.QueueItem, error)

	// Ack permanently removes an item after successful processing.
	Ack(ctx context.Context, routingKey types.RoutingKey, taskID string) error

	// Nack returns an item to the queue for redelivery (transient
	// failure, crash, or cooperative cancellation). If the item's
	// attempt count exceeds retryLimit, it is dead-lettered instead
	// of requeued and deadLettered reports true.
	Nack(ctx context.Context, routingKey types.RoutingKey, taskID string, retryLimit int, reason string) (deadLettered bool, err error)

	// Depth reports the number of ready-or-in-flight items for a
	// routing key, used for metrics and tests.
	Depth(routingKey types.RoutingKey) (int, error)

	// ReapExpired scans all routing keys for claimed items whose
	// visibility deadline has passed without an ack and returns their
	// task ids. It does not change the items: an expired item is
	// already claimable again, and the next Claim increments its
	// attempt count.
	ReapExpired(ctx context.Context) ([]string, error)
}

// Backend names recognized by spec.md §6.2's Task Queue backend URL.
const (
	BackendEmbedded = "embedded"
)

// NetworkQueue is the extension point spec.md §4.5 reserves for a
// pluggable network backend so a Task Queue can be shared across
// hosts instead of living inside one process's Result Store. No
// implementation ships: cross-cluster consensus is out of scope (see
// Non-goals), so this interface only names the shape a future
// networked backend would have to satisfy to be a drop-in Queue.
//
// A NetworkQueue is itself a Queue; the extra methods below are what
// a networked implementation needs beyond the embedded one — a
// reachability check and a way to report which peer, if any, is
// acting as sequencer for a routing key.
type NetworkQueue interface {
	Queue

	// Dial establishes (or verifies) connectivity to the backend
	// before it is handed to a Worker Pool.
	Dial(ctx context.Context) error

	// Peers reports the addresses of other hosts sharing this queue,
	// for diagnostics and the health endpoint.
	Peers() []string
}
