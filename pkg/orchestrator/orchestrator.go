// Package orchestrator implements the Stage Orchestrator (spec.md
// §4.2): one instance per submission, reacting to advance/cancel/
// restart events, materializing each stage's tasks against the Cache
// Manager and Task Queue, and deciding stage/submission outcomes.
//
// The reconciliation shape — "given the current persisted state,
// compute what should exist and converge toward it" — is grounded on
// the teacher's pkg/scheduler/scheduler.go (per-service scheduling
// cycle) and pkg/reconciler/reconciler.go (ticker-driven convergence
// loop), generalized from "N containers match desired state" to "the
// earliest non-terminal stage's tasks match the workflow's declared
// stage composition".
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openforcefield/bespoke-executor/pkg/bespokeerr"
	"github.com/openforcefield/bespoke-executor/pkg/cache"
	"github.com/openforcefield/bespoke-executor/pkg/fingerprint"
	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/openforcefield/bespoke-executor/pkg/metrics"
	"github.com/openforcefield/bespoke-executor/pkg/queue"
	"github.com/openforcefield/bespoke-executor/pkg/types"
	"github.com/openforcefield/bespoke-executor/pkg/worker"
)

// store is the narrow persistence surface an Orchestrator needs.
type store interface {
	PutSubmission(sub *types.Submission) error
}

// RetryLimits maps a routing key to its per-task retry cap
// (spec.md §6.2's per-routing-key retry limit: fragment 0, qc 2,
// optimize 0).
type RetryLimits func(routingKey types.RoutingKey) int

// Config configures an Orchestrator.
type Config struct {
	Store      store
	Queue      queue.Queue
	Cache      *cache.Manager
	LeaseTTL   time.Duration
	RetryLimit RetryLimits
}

// Orchestrator owns one submission's Stage Records end to end.
type Orchestrator struct {
	cfg Config

	mu  sync.Mutex
	sub *types.Submission

	// taskByID indexes every task currently on the submission for O(1)
	// lookup from TaskInput/ReportOutcome.
	taskByID map[string]*types.TaskRecord
}

// New constructs an Orchestrator around an existing (possibly freshly
// created, possibly resumed-from-storage) submission.
func New(sub *types.Submission, cfg Config) *Orchestrator {
	o := &Orchestrator{cfg: cfg, sub: sub, taskByID: make(map[string]*types.TaskRecord)}
	o.reindex()
	return o
}

func (o *Orchestrator) reindex() {
	o.taskByID = make(map[string]*types.TaskRecord)
	for _, stage := range o.sub.Stages {
		for _, t := range stage.Tasks {
			o.taskByID[t.ID] = t
		}
	}
}

// Submission returns a snapshot of the owned submission. Callers must
// not mutate the returned value.
func (o *Orchestrator) Submission() *types.Submission {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sub
}

// Restart re-drives Advance for a submission resumed at boot
// (spec.md §4.2: "restart, called at boot for non-terminal
// submissions").
func (o *Orchestrator) Restart() error {
	return o.Advance()
}

// Advance is spec.md §4.2's advance event: materialize the earliest
// non-terminal stage's tasks if missing, evaluate whether that stage
// (and, transitively, later ones) has reached a terminal status, and
// persist the result.
func (o *Orchestrator) Advance() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sub.Status.Terminal() {
		return nil
	}

	for _, stage := range o.sub.Stages {
		if stage.Status.Terminal() {
			continue
		}

		if len(stage.Tasks) == 0 {
			if err := o.materialize(stage); err != nil {
				o.failStage(stage, bespokeerr.Internal, err.Error())
				o.failSubmission(stage)
				break
			}
			stage.Status = types.StageRunning
			stage.MaterializedAt = time.Now().UTC()
			o.reindex()
			for _, t := range stage.Tasks {
				o.consultCacheUnlocked(t)
			}
		}

		if !allTerminal(stage.Tasks) {
			o.sub.Status = types.SubmissionRunning
			break
		}

		o.finalizeStage(stage)
		if stage.Status == types.StageErrored {
			o.failSubmission(stage)
			break
		}
		// Stage succeeded; loop continues to materialize the next stage.
	}

	if allStagesSuccess(o.sub.Stages) {
		o.sub.Status = types.SubmissionSuccess
		if last := lastStage(o.sub.Stages); last != nil {
			o.sub.Result = last.Result
		}
		metrics.SubmissionsTotal.WithLabelValues(string(types.SubmissionSuccess)).Inc()
	}

	o.sub.UpdatedAt = time.Now().UTC()
	return o.cfg.Store.PutSubmission(o.sub)
}

func (o *Orchestrator) failStage(stage *types.StageRecord, code bespokeerr.Code, msg string) {
	stage.Status = types.StageErrored
	stage.Error = msg
	stage.ErrorCode = string(code)
}

func (o *Orchestrator) failSubmission(stage *types.StageRecord) {
	o.sub.Status = types.SubmissionErrored
	o.sub.Error = stage.Error
	o.sub.ErrorCode = stage.ErrorCode
	for _, later := range o.sub.Stages {
		if later.Ordinal > stage.Ordinal && !later.Status.Terminal() {
			later.Status = types.StageSkipped
		}
	}
	metrics.SubmissionsTotal.WithLabelValues(string(types.SubmissionErrored)).Inc()
}

// Cancel implements spec.md §4.1's cooperative cancellation: marks the
// submission cancelled, skips any stage that hasn't reached a terminal
// status, and marks their non-terminal tasks failed with reason
// cancelled. It does not itself stop in-flight executors — the caller
// (pkg/coordinator) forwards cancellation to the Worker Pool
// separately, keyed by task id.
func (o *Orchestrator) Cancel() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sub.Status.Terminal() {
		// Idempotent: repeated DELETE on an already-cancelled submission
		// leaves status cancelled and returns the same response.
		return nil, nil
	}

	var inFlight []string
	for _, stage := range o.sub.Stages {
		if stage.Status.Terminal() {
			continue
		}
		for _, t := range stage.Tasks {
			if !t.Status.Terminal() {
				inFlight = append(inFlight, t.ID)
				t.Status = types.TaskFailed
				t.ErrorCode = string(bespokeerr.Cancelled)
				t.LastError = "submission cancelled"
				t.UpdatedAt = time.Now().UTC()
			}
		}
		stage.Status = types.StageSkipped
	}

	o.sub.Status = types.SubmissionCancelled
	o.sub.ErrorCode = string(bespokeerr.Cancelled)
	o.sub.UpdatedAt = time.Now().UTC()
	metrics.SubmissionsTotal.WithLabelValues(string(types.SubmissionCancelled)).Inc()
	return inFlight, o.cfg.Store.PutSubmission(o.sub)
}

// TaskInput implements worker.TaskSource. A worker calls it once it
// has claimed the task, so the task is marked in-flight here.
func (o *Orchestrator) TaskInput(taskID string) (map[string]any, string, string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.taskByID[taskID]
	if !ok || t.Status.Terminal() {
		return nil, "", "", false
	}
	t.Status = types.TaskInFlight
	t.UpdatedAt = time.Now().UTC()
	return t.Input, t.Fingerprint, string(t.RoutingKey), true
}

// ReportOutcome implements worker.TaskSource.
func (o *Orchestrator) ReportOutcome(outcome worker.TaskOutcome) {
	o.mu.Lock()
	t, ok := o.taskByID[outcome.TaskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	t.UpdatedAt = time.Now().UTC()

	switch {
	case outcome.Succeeded:
		t.Status = types.TaskSucceeded
		t.ResultRef = t.Fingerprint
	case outcome.Retryable && t.Attempt < o.cfg.RetryLimit(t.RoutingKey):
		t.Attempt++
		t.Status = types.TaskPending
		t.LastError = outcome.ErrorMessage
		t.ErrorCode = outcome.ErrorCode
		o.mu.Unlock()
		o.consultCacheLocked(t)
		o.mu.Lock()
	default:
		t.Status = types.TaskFailed
		t.LastError = outcome.ErrorMessage
		t.ErrorCode = outcome.ErrorCode
	}
	o.mu.Unlock()

	if err := o.Advance(); err != nil {
		log.WithSubmission(o.sub.ID).Error().Err(err).Msg("advance after task outcome failed")
	}
}

// consultCacheLocked acquires o.mu itself; call it from contexts where
// the lock is not already held (e.g. ReportOutcome's retry path, after
// releasing the lock to avoid calling back into locked code).
func (o *Orchestrator) consultCacheLocked(t *types.TaskRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consultCacheUnlocked(t)
}

// consultCacheUnlocked acquires or waits on the fingerprint lease for
// t and either marks it cached (a lease hit), enqueues it for a
// worker pool (a granted lease), or schedules it to be re-consulted
// once the current holder releases (held-by). Callers must hold o.mu.
func (o *Orchestrator) consultCacheUnlocked(t *types.TaskRecord) {
	out, err := o.cfg.Cache.Acquire(t.Fingerprint, t.ID, o.cfg.LeaseTTL)
	if err != nil {
		t.Status = types.TaskFailed
		t.ErrorCode = string(bespokeerr.Internal)
		t.LastError = err.Error()
		return
	}

	switch out.Status {
	case cache.AcquireHit:
		t.Status = types.TaskCached
		t.ResultRef = t.Fingerprint
	case cache.AcquireGranted:
		t.Status = types.TaskPending
		if err := o.cfg.Queue.Enqueue(context.Background(), &types.QueueItem{TaskID: t.ID, RoutingKey: t.RoutingKey}); err != nil {
			t.Status = types.TaskFailed
			t.ErrorCode = string(bespokeerr.QueueUnavailable)
			t.LastError = err.Error()
		}
	case cache.AcquireHeldBy:
		t.Status = types.TaskPending
		go o.waitThenAdvance(t.ID, t.Fingerprint)
	}
}

// waitThenAdvance blocks on the Cache Manager's waiter channel for a
// fingerprint this task didn't win the lease for, then either adopts
// the published value or re-attempts the acquire race.
func (o *Orchestrator) waitThenAdvance(taskID, fingerprintStr string) {
	cached, value := o.cfg.Cache.Wait(fingerprintStr)

	o.mu.Lock()
	t, ok := o.taskByID[taskID]
	if !ok || t.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	if cached && value != nil {
		t.Status = types.TaskCached
		t.ResultRef = fingerprintStr
		o.mu.Unlock()
	} else {
		o.mu.Unlock()
		o.consultCacheLocked(t)
	}

	if err := o.Advance(); err != nil {
		log.WithSubmission(o.sub.ID).Error().Err(err).Msg("advance after cache wait failed")
	}
}

func allTerminal(tasks []*types.TaskRecord) bool {
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func isTaskSuccess(status types.TaskStatus) bool {
	return status == types.TaskSucceeded || status == types.TaskCached
}

func allStagesSuccess(stages []*types.StageRecord) bool {
	for _, s := range stages {
		if s.Status != types.StageSuccess {
			return false
		}
	}
	return true
}

func lastStage(stages []*types.StageRecord) *types.StageRecord {
	if len(stages) == 0 {
		return nil
	}
	return stages[len(stages)-1]
}

// finalizeStage applies spec.md §4.2 step 4's stage acceptance rules
// now that every task in the stage has reached a terminal status.
func (o *Orchestrator) finalizeStage(stage *types.StageRecord) {
	defer o.observeStageDuration(stage)

	var failed []*types.TaskRecord
	for _, t := range stage.Tasks {
		if !isTaskSuccess(t.Status) {
			failed = append(failed, t)
		}
	}

	switch stage.Kind {
	case types.StageQCGeneration:
		tolerance := 0.0
		if o.sub.Workflow.QCFailureTolerance != nil {
			tolerance = *o.sub.Workflow.QCFailureTolerance
		}
		fraction := float64(len(failed)) / float64(len(stage.Tasks))
		if fraction <= tolerance {
			stage.Status = types.StageSuccess
			stage.Result = o.qcStageResult(stage)
			return
		}
	default: // fragmentation, optimization: single task must succeed
		if len(failed) == 0 {
			stage.Status = types.StageSuccess
			stage.Result = o.singleTaskResult(stage)
			return
		}
	}

	stage.Status = types.StageErrored
	first := failed[0]
	stage.Error = first.LastError
	stage.ErrorCode = first.ErrorCode
	if stage.ErrorCode == "" {
		stage.ErrorCode = string(bespokeerr.Internal)
	}
}

// observeStageDuration records the time from materialization to
// terminal status for one stage (spec.md §4.3's stage latency signal).
func (o *Orchestrator) observeStageDuration(stage *types.StageRecord) {
	if stage.MaterializedAt.IsZero() {
		return
	}
	metrics.StageDuration.WithLabelValues(string(stage.Kind)).Observe(time.Since(stage.MaterializedAt).Seconds())
}

func (o *Orchestrator) singleTaskResult(stage *types.StageRecord) map[string]any {
	if len(stage.Tasks) == 0 {
		return nil
	}
	entry, hit, err := o.cfg.Cache.Lookup(stage.Tasks[0].ResultRef)
	if err != nil || !hit {
		return nil
	}
	return entry.Value
}

func (o *Orchestrator) qcStageResult(stage *types.StageRecord) map[string]any {
	results := make([]any, 0, len(stage.Tasks))
	for _, t := range stage.Tasks {
		if !isTaskSuccess(t.Status) {
			continue
		}
		entry, hit, err := o.cfg.Cache.Lookup(t.ResultRef)
		if err != nil || !hit {
			continue
		}
		results = append(results, entry.Value)
	}
	return map[string]any{"qc_results": results}
}

// materialize builds the Task Records for stage, the first time
// Advance encounters it with no tasks yet.
func (o *Orchestrator) materialize(stage *types.StageRecord) error {
	switch stage.Kind {
	case types.StageFragmentation:
		return o.materializeFragmentation(stage)
	case types.StageQCGeneration:
		return o.materializeQC(stage)
	case types.StageOptimization:
		return o.materializeOptimization(stage)
	default:
		return fmt.Errorf("unknown stage kind %q", stage.Kind)
	}
}

func (o *Orchestrator) materializeFragmentation(stage *types.StageRecord) error {
	wf := o.sub.Workflow
	fragSpec := map[string]any{"kind": wf.Fragmenter.Kind, "parameters": wf.Fragmenter.Parameters}
	input := map[string]any{"molecule": wf.Molecule, "fragmenter": fragSpec}
	fp := fingerprint.Of(fingerprint.DefaultTolerance, "fragmentation", wf.Molecule, fragSpec)

	stage.Tasks = []*types.TaskRecord{o.newTask(stage, types.RoutingFragment, fp, input)}
	return nil
}

func (o *Orchestrator) materializeQC(stage *types.StageRecord) error {
	fragStage := o.sub.StageByOrdinal(stage.Ordinal - 1)
	if fragStage == nil || fragStage.Result == nil {
		return fmt.Errorf("qc stage materialized before fragmentation result is available")
	}
	rawFragments, _ := fragStage.Result["fragments"].([]any)

	wf := o.sub.Workflow
	var tasks []*types.TaskRecord
	for _, frag := range rawFragments {
		for _, qc := range wf.Fragmenter.QCSpecs {
			qcSpec := map[string]any{
				"method":             qc.Method,
				"basis":              qc.Basis,
				"program":            qc.Program,
				"calculation_kind":   qc.CalculationKind,
				"auxiliary_keywords": toAnySlice(qc.AuxiliaryKeywords),
			}
			input := map[string]any{"fragment": frag, "qc_spec": qcSpec}
			fp := fingerprint.Of(fingerprint.DefaultTolerance, "qc", frag, qcSpec)
			tasks = append(tasks, o.newTask(stage, types.RoutingQC, fp, input))
		}
	}
	if len(tasks) == 0 {
		return fmt.Errorf("fragmenter produced no fragments to compute QC data for")
	}
	stage.Tasks = tasks
	return nil
}

func (o *Orchestrator) materializeOptimization(stage *types.StageRecord) error {
	qcStage := o.sub.StageByOrdinal(stage.Ordinal - 1)
	if qcStage == nil || qcStage.Result == nil {
		return fmt.Errorf("optimization stage materialized before qc results are available")
	}
	qcResults, _ := qcStage.Result["qc_results"].([]any)

	wf := o.sub.Workflow
	optSpec := map[string]any{
		"initial_force_field": wf.Optimizer.InitialForceField,
		"hyperparameters":     wf.Optimizer.Hyperparameters,
		"targets":             toAnySlice(wf.Optimizer.Targets),
	}
	input := map[string]any{"qc_results": qcResults, "optimizer": optSpec}
	fp := fingerprint.Of(fingerprint.DefaultTolerance, "optimization", wf.Molecule, qcResults, optSpec)

	stage.Tasks = []*types.TaskRecord{o.newTask(stage, types.RoutingOptimize, fp, input)}
	return nil
}

func (o *Orchestrator) newTask(stage *types.StageRecord, rk types.RoutingKey, fp string, input map[string]any) *types.TaskRecord {
	now := time.Now().UTC()
	return &types.TaskRecord{
		ID:           uuid.NewString(),
		SubmissionID: o.sub.ID,
		StageOrdinal: stage.Ordinal,
		RoutingKey:   rk,
		Fingerprint:  fp,
		Input:        input,
		Status:       types.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
