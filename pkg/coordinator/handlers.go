package coordinator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/bespokeerr"
	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/openforcefield/bespoke-executor/pkg/metrics"
	"github.com/openforcefield/bespoke-executor/pkg/orchestrator"
	"github.com/openforcefield/bespoke-executor/pkg/types"
)

// withMetrics wraps a handler with the request counter/duration pair
// spec.md's expanded §4.1 calls for, keyed by a fixed route label
// (never the raw path, to keep cardinality bounded).
func (c *Coordinator) withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		timer.ObserveDuration(metrics.HTTPRequestDuration.WithLabelValues(route))
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		log.WithComponent("coordinator").Info().
			Str("method", r.Method).Str("route", route).Int("status", sw.status).Msg("request handled")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := bespokeerr.CodeOf(err)
	writeJSON(w, bespokeerr.HTTPStatus(code), map[string]any{
		"error": map[string]any{"code": code, "message": err.Error()},
	})
}

// handleHealth implements GET /health (spec.md §6.1): a pure liveness
// check, mirroring the teacher's healthHandler shape without a
// readiness distinction (this process has no cluster membership to
// report on).
func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version})
}

// submitRequest is the POST /submissions request body.
type submitRequest struct {
	Workflows []types.Workflow `json:"workflows"`
}

type submitResponseItem struct {
	ID   int64  `json:"id"`
	Self string `json:"self"`
}

// handleSubmissions implements POST /submissions and GET /submissions
// (spec.md §6.1).
func (c *Coordinator) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		c.createSubmissions(w, r)
	case http.MethodGet:
		c.listSubmissions(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Coordinator) createSubmissions(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bespokeerr.Wrap(bespokeerr.InvalidSchema, "malformed request body", err))
		return
	}
	if len(req.Workflows) == 0 {
		writeError(w, bespokeerr.New(bespokeerr.InvalidSchema, "workflows must contain at least one entry"))
		return
	}
	for i, wf := range req.Workflows {
		if err := validateWorkflow(wf); err != nil {
			writeError(w, bespokeerr.Wrap(bespokeerr.InvalidSchema, "workflow at index "+strconv.Itoa(i)+" is invalid", err))
			return
		}
	}

	items := make([]submitResponseItem, 0, len(req.Workflows))
	for _, wf := range req.Workflows {
		sub, err := c.newSubmission(wf)
		if err != nil {
			writeError(w, err)
			return
		}
		items = append(items, submitResponseItem{ID: sub.ID, Self: "/submissions/" + strconv.FormatInt(sub.ID, 10)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": items})
}

func validateWorkflow(wf types.Workflow) error {
	if wf.Molecule == "" {
		return bespokeerr.New(bespokeerr.InvalidSchema, "workflow.molecule is required")
	}
	if len(wf.Fragmenter.QCSpecs) == 0 {
		return bespokeerr.New(bespokeerr.InvalidSchema, "workflow.fragmenter.qc_specs must be non-empty")
	}
	if wf.Optimizer.InitialForceField == "" {
		return bespokeerr.New(bespokeerr.InvalidSchema, "workflow.optimizer.initial_force_field is required")
	}
	return nil
}

// newSubmission persists a fresh waiting submission (durability before
// response, per the expanded spec's API section), registers its
// Orchestrator, and drives the first advance event before returning.
func (c *Coordinator) newSubmission(wf types.Workflow) (*types.Submission, error) {
	id, err := c.cfg.Store.NextSubmissionID()
	if err != nil {
		return nil, bespokeerr.Wrap(bespokeerr.Internal, "allocate submission id", err)
	}
	now := time.Now().UTC()
	stages := make([]*types.StageRecord, 0, len(types.StageKinds()))
	for i, kind := range types.StageKinds() {
		stages = append(stages, &types.StageRecord{Ordinal: i, Kind: kind, Status: types.StagePending})
	}
	sub := &types.Submission{
		ID: id, Workflow: wf, Status: types.SubmissionWaiting, Stages: stages,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := c.cfg.Store.PutSubmission(sub); err != nil {
		return nil, bespokeerr.Wrap(bespokeerr.Internal, "persist submission", err)
	}

	o := orchestrator.New(sub, c.orchestratorConfig())
	c.registry.Put(o)
	if err := c.registry.Advance(sub.ID); err != nil {
		log.WithSubmission(sub.ID).Error().Err(err).Msg("initial advance failed")
	}
	return o.Submission(), nil
}

// handleSubmissionByID implements GET/DELETE /submissions/{id}
// (spec.md §6.1). The ServeMux route "/submissions/" catches any path
// under the prefix; the id is parsed here.
func (c *Coordinator) handleSubmissionByID(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/submissions/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, bespokeerr.New(bespokeerr.InvalidSchema, "submission id must be an integer"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		c.getSubmission(w, id)
	case http.MethodDelete:
		c.cancelSubmission(w, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Coordinator) getSubmission(w http.ResponseWriter, id int64) {
	o, ok := c.registry.Get(id)
	if ok {
		writeJSON(w, http.StatusOK, submissionView(o.Submission()))
		return
	}
	sub, err := c.cfg.Store.GetSubmission(id)
	if err != nil {
		writeError(w, bespokeerr.Wrap(bespokeerr.NotFound, "submission not found", err))
		return
	}
	writeJSON(w, http.StatusOK, submissionView(sub))
}

func (c *Coordinator) cancelSubmission(w http.ResponseWriter, id int64) {
	if _, ok := c.registry.Get(id); !ok {
		if _, err := c.cfg.Store.GetSubmission(id); err != nil {
			writeError(w, bespokeerr.Wrap(bespokeerr.NotFound, "submission not found", err))
			return
		}
	}

	inFlight, err := c.registry.Cancel(id)
	if err != nil {
		writeError(w, bespokeerr.Wrap(bespokeerr.Internal, "cancel submission", err))
		return
	}
	if o, ok := c.registry.Get(id); ok {
		for _, taskID := range inFlight {
			rk := routingKeyOfTask(o, taskID)
			if canceller, ok := c.cfg.Cancellers[rk]; ok {
				canceller.Cancel(taskID)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// routingKeyOfTask looks up a cancelled task's routing key from its
// submission's stage records, so cancellation can be forwarded to the
// right Worker Pool.
func routingKeyOfTask(o *orchestrator.Orchestrator, taskID string) types.RoutingKey {
	for _, stage := range o.Submission().Stages {
		for _, t := range stage.Tasks {
			if t.ID == taskID {
				return t.RoutingKey
			}
		}
	}
	return ""
}

func (c *Coordinator) listSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := types.SubmissionStatus(q.Get("status"))
	cursor := q.Get("cursor")
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, bespokeerr.New(bespokeerr.InvalidSchema, "limit must be an integer"))
			return
		}
		limit = n
	}

	subs, next, err := c.cfg.Store.ListSubmissions(status, cursor, limit)
	if err != nil {
		writeError(w, bespokeerr.Wrap(bespokeerr.Internal, "list submissions", err))
		return
	}
	views := make([]submissionSummary, 0, len(subs))
	for _, sub := range subs {
		if o, ok := c.registry.Get(sub.ID); ok {
			sub = o.Submission()
		}
		views = append(views, submissionSummaryView(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views, "next": next})
}

// stageView/taskView/submissionView shape the wire representation
// spec.md §6.1 specifies for GET /submissions/{id}.
type taskView struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type stageView struct {
	Name   string         `json:"name"`
	Status string         `json:"status"`
	Tasks  []taskView     `json:"tasks"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type submissionDetail struct {
	ID     int64          `json:"id"`
	Status string         `json:"status"`
	Stages []stageView    `json:"stages"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type submissionSummary struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func submissionView(sub *types.Submission) submissionDetail {
	stages := make([]stageView, 0, len(sub.Stages))
	for _, stage := range sub.Stages {
		tasks := make([]taskView, 0, len(stage.Tasks))
		for _, t := range stage.Tasks {
			tasks = append(tasks, taskView{ID: t.ID, Fingerprint: t.Fingerprint, Status: string(t.Status), Error: t.LastError})
		}
		stages = append(stages, stageView{
			Name: string(stage.Kind), Status: string(stage.Status), Tasks: tasks,
			Result: stage.Result, Error: stage.Error,
		})
	}
	return submissionDetail{
		ID: sub.ID, Status: string(sub.Status), Stages: stages,
		Result: sub.Result, Error: sub.Error,
	}
}

func submissionSummaryView(sub *types.Submission) submissionSummary {
	return submissionSummary{ID: sub.ID, Status: string(sub.Status)}
}
