package bundle

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/coworker/internal/plan"
)

func samplePlan() *plan.Plan {
	return &plan.Plan{
		Version: plan.Version,
		ToolCalls: []plan.ToolCall{
			{ID: "c1", Tool: "fs.read_text", Args: map[string]any{"path": "/tmp/a.txt"}},
		},
	}
}

func TestInitTaskBundleCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "task-1")
	paths, err := InitTaskBundle(root, "tsk_1", samplePlan(), nil, nil)
	require.NoError(t, err)

	for _, p := range []string{paths.TaskPath, paths.PlanPath, paths.PreviewPath, paths.EventsPath} {
		_, statErr := os.Stat(p)
		require.NoError(t, statErr, p)
	}
	for _, dir := range []string{paths.ScratchDir, paths.StagingDir} {
		info, statErr := os.Stat(dir)
		require.NoError(t, statErr, dir)
		require.True(t, info.IsDir())
	}
}

func TestInitTaskBundleWritesQueuedSnapshot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "task-1")
	paths, err := InitTaskBundle(root, "tsk_1", samplePlan(), nil, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(paths.TaskPath)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, "tsk_1", snap.TaskID)
	require.Equal(t, "queued", snap.State)
	require.NotEmpty(t, snap.PlanHash)
}

func TestEnsureTaskBundleDoesNotReinitializeExisting(t *testing.T) {
	root := filepath.Join(t.TempDir(), "task-1")
	_, err := InitTaskBundle(root, "tsk_1", samplePlan(), nil, nil)
	require.NoError(t, err)

	paths := BundlePaths(root)
	require.NoError(t, UpdateTaskSnapshot(paths, "tsk_1", "sha256:custom", "running", nil, ""))

	_, err = EnsureTaskBundle(root, "tsk_1", samplePlan(), nil, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(paths.TaskPath)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, "running", snap.State)
	require.Equal(t, "sha256:custom", snap.PlanHash)
}

func TestAppendEventAppendsJSONLine(t *testing.T) {
	root := filepath.Join(t.TempDir(), "task-1")
	paths, err := InitTaskBundle(root, "tsk_1", samplePlan(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, AppendEvent(paths, map[string]any{"type": "task_created"}))
	require.NoError(t, AppendEvent(paths, map[string]any{"type": "task_started"}))

	f, err := os.Open(paths.EventsPath)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		lines = append(lines, event)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "task_created", lines[0]["type"])
	require.NotEmpty(t, lines[0]["ts"])
}

func TestAppendEventPreservesCallerSuppliedTimestamp(t *testing.T) {
	root := filepath.Join(t.TempDir(), "task-1")
	paths, err := InitTaskBundle(root, "tsk_1", samplePlan(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, AppendEvent(paths, map[string]any{"type": "x", "ts": "20260101T000000Z"}))

	data, err := os.ReadFile(paths.EventsPath)
	require.NoError(t, err)
	var event map[string]any
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &event))
	require.Equal(t, "20260101T000000Z", event["ts"])
}
