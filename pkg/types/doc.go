/*
Package types defines the domain entities shared across the Bespoke
Executor: workflows, submissions, stage records, task records, and the
cache/lease/queue bookkeeping entities that back them.

# Core Types

Workflow: the typed document a submission carries (molecule, fragmenter
spec, optimizer spec, QC failure tolerance). Treated as opaque
scientific content by everything except the fields the Orchestrator
reads to materialize and fingerprint tasks.

Submission: one parameterization run, owning an ordered list of
StageRecords (fragmentation, qc-generation, optimization) and an
aggregate SubmissionStatus.

StageRecord / TaskRecord: a stage is one ordered step; a task is the
smallest unit of dispatchable work a Worker Pool claims, invokes an
executor for, and reports an outcome on.

# State Machine

Submissions and their tasks follow a state machine:

	waiting → running → success
	                  → errored
	                  → cancelled

	pending → in-flight → succeeded
	                    → failed
	pending → cached    (cache hit)
	pending → failed    (cancellation or enqueue error)

A retryable failure puts a task back to pending for a fresh attempt.

A SubmissionStatus or TaskStatus is terminal once it reaches success,
errored, or cancelled (submissions) or succeeded, cached, or failed
(tasks); terminal states are sticky and never transition further.

# Thread Safety

These types carry no synchronization of their own. pkg/orchestrator
owns all mutation of a Submission's tree behind its own mutex; callers
elsewhere must treat a *Submission returned from Orchestrator.Submission
as a read-only snapshot.
*/
package types
