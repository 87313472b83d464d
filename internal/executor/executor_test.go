package executor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/coworker/internal/plan"
	"github.com/antigravity-dev/coworker/internal/policy"
	"github.com/antigravity-dev/coworker/internal/registry"
)

func writePlan(t *testing.T, calls []plan.ToolCall, checkpoints []string) *plan.Plan {
	t.Helper()
	p := &plan.Plan{Version: plan.Version, ToolCalls: calls, Checkpoints: checkpoints}
	return p
}

func TestApplyPlanWritesNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	p := writePlan(t, []plan.ToolCall{
		{ID: "c1", Tool: "fs.apply_write_file", Args: map[string]any{"path": path, "content": "hi"}},
	}, nil)

	pol := policy.Policy{AllowedRoots: []string{dir}, MaxWriteBytes: 1000}
	runner := NewRunner(pol)

	results, err := runner.ApplyPlan(t.Context(), p, registry.Default, nil)
	require.NoError(t, err)
	require.Contains(t, results[0], "wrote:")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))
}

func TestApplyPlanRejectsOverwriteOnApplyWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("existing"), 0644))

	p := writePlan(t, []plan.ToolCall{
		{ID: "c1", Tool: "fs.apply_write_file", Args: map[string]any{"path": path, "content": "hi"}},
	}, nil)

	pol := policy.Policy{AllowedRoots: []string{dir}, MaxWriteBytes: 1000}
	runner := NewRunner(pol)

	_, err := runner.ApplyPlan(t.Context(), p, registry.Default, nil)
	require.Error(t, err)
	var valErr *PlanValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestApplyPlanRequiresApprovalWhenPolicyDemandsIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	p := writePlan(t, []plan.ToolCall{
		{ID: "c1", Tool: "fs.apply_write_file", Args: map[string]any{"path": path, "content": "hi"}},
	}, nil)

	pol := policy.Policy{AllowedRoots: []string{dir}, MaxWriteBytes: 1000, RequireApproval: true}
	runner := NewRunner(pol)

	_, err := runner.ApplyPlan(t.Context(), p, registry.Default, nil)
	require.Error(t, err)
	var apprErr *ApprovalError
	require.ErrorAs(t, err, &apprErr)
}

func TestApplyPlanWithStateStopsAtCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "a.txt")
	path2 := filepath.Join(dir, "b.txt")

	p := writePlan(t, []plan.ToolCall{
		{ID: "c1", Tool: "fs.apply_write_file", Args: map[string]any{"path": path1, "content": "one"}, Checkpoint: true},
		{ID: "c2", Tool: "fs.apply_write_file", Args: map[string]any{"path": path2, "content": "two"}},
	}, []string{"c1"})

	pol := policy.Policy{AllowedRoots: []string{dir}, MaxWriteBytes: 1000, RequireApproval: true}
	runner := NewRunner(pol)

	planHash, err := plan.Hash(p)
	require.NoError(t, err)
	approval := BuildApproval(planHash, "tester", "c1")

	results, state, err := runner.ApplyPlanWithState(t.Context(), p, registry.Default, &approval, nil, true)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Equal(t, []string{"c1"}, state.CompletedIDs)
	require.Contains(t, results[0], "wrote:")

	_, statErr := os.Stat(path2)
	require.Error(t, statErr)
}

func TestApplyPlanWithStateDoesNotPauseOnTerminalCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "a.txt")

	p := writePlan(t, []plan.ToolCall{
		{ID: "c1", Tool: "fs.apply_write_file", Args: map[string]any{"path": path1, "content": "one"}, Checkpoint: true},
	}, []string{"c1"})

	pol := policy.Policy{AllowedRoots: []string{dir}, MaxWriteBytes: 1000, RequireApproval: true}
	runner := NewRunner(pol)

	planHash, err := plan.Hash(p)
	require.NoError(t, err)
	approval := BuildApproval(planHash, "tester", "c1")

	results, state, err := runner.ApplyPlanWithState(t.Context(), p, registry.Default, &approval, nil, true)
	require.NoError(t, err)
	require.Nil(t, state)
	require.Contains(t, results[0], "wrote:")
}

func TestApplyPlanWithStateResumesFromPriorState(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "a.txt")
	path2 := filepath.Join(dir, "b.txt")

	p := writePlan(t, []plan.ToolCall{
		{ID: "c1", Tool: "fs.apply_write_file", Args: map[string]any{"path": path1, "content": "one"}},
		{ID: "c2", Tool: "fs.apply_write_file", Args: map[string]any{"path": path2, "content": "two"}},
	}, nil)

	pol := policy.Policy{AllowedRoots: []string{dir}, MaxWriteBytes: 1000}
	runner := NewRunner(pol)

	planHash, err := plan.Hash(p)
	require.NoError(t, err)
	resume := &RunState{PlanHash: planHash, CompletedIDs: []string{"c1"}}

	results, state, err := runner.ApplyPlanWithState(t.Context(), p, registry.Default, nil, resume, false)
	require.NoError(t, err)
	require.Nil(t, state)
	require.Len(t, results, 1)
	require.Contains(t, results[0], "wrote:")

	_, err1 := os.Stat(path1)
	require.Error(t, err1)
	_, err2 := os.Stat(path2)
	require.NoError(t, err2)
}

func TestApplyPlanWithStateRejectsMismatchedResumeHash(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "a.txt")

	p := writePlan(t, []plan.ToolCall{
		{ID: "c1", Tool: "fs.apply_write_file", Args: map[string]any{"path": path1, "content": "one"}},
	}, nil)

	pol := policy.Policy{AllowedRoots: []string{dir}, MaxWriteBytes: 1000}
	runner := NewRunner(pol)

	resume := &RunState{PlanHash: "sha256:deadbeef", CompletedIDs: nil}
	_, _, err := runner.ApplyPlanWithState(t.Context(), p, registry.Default, nil, resume, false)
	require.Error(t, err)
}

func TestPreviewPlanReturnsValidationError(t *testing.T) {
	p := writePlan(t, []plan.ToolCall{
		{ID: "c1", Tool: "fs.delete", Args: map[string]any{"path": "/tmp/a"}},
	}, nil)
	pol := policy.Policy{AllowedRoots: []string{"/tmp"}}

	_, err := PreviewPlan(p, pol, registry.Default, false)
	require.Error(t, err)
	var valErr *PlanValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestApprovalMatchesScopesToCheckpoint(t *testing.T) {
	approval := Approval{PlanHash: "sha256:abc", CheckpointID: "c1"}
	require.True(t, approval.Matches("sha256:abc", "c1"))
	require.False(t, approval.Matches("sha256:abc", "c2"))
	require.False(t, approval.Matches("sha256:abc", ""))
}

func TestApprovalMatchesPlanLevel(t *testing.T) {
	approval := Approval{PlanHash: "sha256:abc"}
	require.True(t, approval.Matches("sha256:abc", ""))
	require.False(t, approval.Matches("sha256:abc", "c1"))
}
