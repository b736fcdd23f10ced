package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/config"
	"github.com/openforcefield/bespoke-executor/pkg/executor"
	"github.com/stretchr/testify/require"
)

// stubFragmenter/stubQC/stubOptimizer implement the executor.*
// interfaces with deterministic, instantaneous results, standing in
// for the real scientific tools (out of scope per spec.md §1).
type stubFragmenter struct{}

func (stubFragmenter) Fragment(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
	return executor.Result{Output: map[string]any{"fragments": []any{map[string]any{"id": "frag-0", "smiles": input["molecule"]}}}}, nil
}

type stubQC struct{}

func (stubQC) Compute(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
	return executor.Result{Output: map[string]any{"energy": -1.0}}, nil
}

type stubOptimizer struct{}

func (stubOptimizer) Optimize(ctx context.Context, input map[string]any, budget executor.Budget) (executor.Result, error) {
	return executor.Result{Output: map[string]any{"force_field": "final.offxml"}}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.LeaseTTL = 200 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	return cfg
}

func TestSupervisorStartStopIsIdempotent(t *testing.T) {
	sup := New(testConfig(t), executor.Set{Fragmenter: stubFragmenter{}, QC: stubQC{}, Optimizer: stubOptimizer{}})
	require.NoError(t, sup.Start())
	require.NotEmpty(t, sup.Addr())

	require.NoError(t, sup.Stop(context.Background()))
	require.NoError(t, sup.Stop(context.Background()), "a second Stop must be a no-op, not an error")
}

func TestSupervisorDrivesSubmissionToSuccess(t *testing.T) {
	sup := New(testConfig(t), executor.Set{Fragmenter: stubFragmenter{}, QC: stubQC{}, Optimizer: stubOptimizer{}})
	require.NoError(t, sup.Start())
	defer sup.Stop(context.Background())

	payload, err := json.Marshal(map[string]any{"workflows": []map[string]any{{
		"name":     "test",
		"molecule": "CCO",
		"fragmenter": map[string]any{
			"kind": "whole-molecule",
			"qc_specs": []map[string]any{
				{"method": "b3lyp", "basis": "def2-sv(p)", "program": "psi4", "calculation_kind": "optimization"},
			},
		},
		"optimizer": map[string]any{
			"initial_force_field": "openff-2.1.0",
			"targets":             []string{"vdw"},
		},
	}}})
	require.NoError(t, err)

	base := "http://" + sup.Addr()
	resp, err := http.Post(base+"/submissions", "application/json", bytes.NewBuffer(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created struct {
		Submissions []struct {
			ID int64 `json:"id"`
		} `json:"submissions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Len(t, created.Submissions, 1)
	id := created.Submissions[0].ID

	deadline := time.Now().Add(5 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		r, err := http.Get(fmt.Sprintf("%s/submissions/%d", base, id))
		require.NoError(t, err)
		var detail struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&detail))
		r.Body.Close()
		status = detail.Status
		if status == "success" || status == "errored" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, "success", status)
}
