package worker

import (
	"fmt"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/cache"
	"github.com/openforcefield/bespoke-executor/pkg/executor"
	"github.com/openforcefield/bespoke-executor/pkg/queue"
	"github.com/openforcefield/bespoke-executor/pkg/types"
)

// Pool is N identically-configured Workers consuming one routing key.
type Pool struct {
	routingKey types.RoutingKey
	workers    []*Worker
}

// PoolConfig configures one Worker Pool.
type PoolConfig struct {
	RoutingKey types.RoutingKey
	Count      int
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

// NewPool constructs a Pool of cfg.Count workers and starts them.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{routingKey: cfg.RoutingKey}
	for i := 0; i < cfg.Count; i++ {
		w := New(Config{
			ID:         fmt.Sprintf("%s-%d", cfg.RoutingKey, i),
			RoutingKey: cfg.RoutingKey,
			Queue:      cfg.Queue,
			Cache:      cfg.Cache,
			Source:     cfg.Source,
			Invoke:     cfg.Invoke,
			Budget:     cfg.Budget,
			LeaseTTL:   cfg.LeaseTTL,
			Heartbeat:  cfg.Heartbeat,
			Visibility: cfg.Visibility,
			RetryLimit: cfg.RetryLimit,
		})
		p.workers = append(p.workers, w)
		w.Start()
	}
	return p
}

// Cancel forwards cancellation to every worker in the pool; only the
// one actually holding the task id acts on it.
func (p *Pool) Cancel(taskID string) {
	for _, w := range p.workers {
		w.Cancel(taskID)
	}
}

// Stop gracefully stops every worker in the pool.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int { return len(p.workers) }
