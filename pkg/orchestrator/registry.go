package orchestrator

import (
	"sync"

	"github.com/openforcefield/bespoke-executor/pkg/worker"
)

// Registry holds one Orchestrator per submission created or resumed in
// this process (terminal ones are kept until Delete is called) and
// satisfies worker.TaskSource by routing a task id to its owning
// Orchestrator. This is the in-memory registry spec.md §4.1 calls for
// ("creates Orchestrators... accepts cancellation and forwards").
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[int64]*Orchestrator
	taskOwner     map[string]int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[int64]*Orchestrator),
		taskOwner:     make(map[string]int64),
	}
}

// Put registers o under its submission id and indexes its current
// tasks. Called both when a submission is first created and when one
// is resumed from storage at boot.
func (r *Registry) Put(o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := o.Submission()
	r.orchestrators[sub.ID] = o
	for _, stage := range sub.Stages {
		for _, t := range stage.Tasks {
			r.taskOwner[t.ID] = sub.ID
		}
	}
}

// Advance drives the Orchestrator for id through one advance event and
// refreshes the task-owner index to pick up any newly materialized
// tasks. Coordinator handlers call this after Put (first advance) and
// the Periodic Sweeper calls it to re-check stalled submissions.
func (r *Registry) Advance(id int64) error {
	o, ok := r.Get(id)
	if !ok {
		return nil
	}
	if err := o.Advance(); err != nil {
		return err
	}
	r.reindexTasksOf(o)
	return nil
}

// Cancel drives the Orchestrator for id through a cancel event and
// returns the task ids that were in flight, so the caller can forward
// cancellation to the Worker Pools.
func (r *Registry) Cancel(id int64) ([]string, error) {
	o, ok := r.Get(id)
	if !ok {
		return nil, nil
	}
	return o.Cancel()
}

// Get returns the Orchestrator for a submission id, if present.
func (r *Registry) Get(id int64) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orchestrators[id]
	return o, ok
}

// Delete drops a submission's Orchestrator and its task index entries
// from the registry. It does not touch the persisted record.
func (r *Registry) Delete(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orchestrators[id]; ok {
		for taskID := range o.taskByID {
			delete(r.taskOwner, taskID)
		}
	}
	delete(r.orchestrators, id)
}

// TaskInput implements worker.TaskSource by routing to the owning
// Orchestrator.
func (r *Registry) TaskInput(taskID string) (map[string]any, string, string, bool) {
	o, ok := r.ownerOf(taskID)
	if !ok {
		return nil, "", "", false
	}
	return o.TaskInput(taskID)
}

// ReportOutcome implements worker.TaskSource by routing to the owning
// Orchestrator. A task whose owning submission has since been deleted
// is silently dropped.
func (r *Registry) ReportOutcome(outcome worker.TaskOutcome) {
	o, ok := r.ownerOf(outcome.TaskID)
	if !ok {
		return
	}
	o.ReportOutcome(outcome)
	r.reindexTasksOf(o)
}

func (r *Registry) ownerOf(taskID string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.taskOwner[taskID]
	if !ok {
		return nil, false
	}
	o, ok := r.orchestrators[id]
	return o, ok
}

// reindexTasksOf refreshes the task-owner index after an Advance may
// have materialized new tasks on o (newly created task ids are not yet
// present in r.taskOwner).
func (r *Registry) reindexTasksOf(o *Orchestrator) {
	sub := o.Submission()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stage := range sub.Stages {
		for _, t := range stage.Tasks {
			r.taskOwner[t.ID] = sub.ID
		}
	}
}
