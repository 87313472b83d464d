package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/coworker/internal/clierr"
	"github.com/antigravity-dev/coworker/internal/service"
)

func writeTestPlan(t *testing.T, path string) {
	t.Helper()
	plan := map[string]any{
		"version": 1,
		"tool_calls": []map[string]any{
			{"id": "c1", "tool": "fs.read_text", "args": map[string]any{"path": "a.txt"}},
		},
	}
	data, err := json.Marshal(plan)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func runCmd(t *testing.T, stateDir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--state-dir", stateDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitListStatusLogsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.json")
	writeTestPlan(t, planPath)

	submitOut, err := runCmd(t, dir, "submit", planPath)
	require.NoError(t, err)
	taskID := firstLine(submitOut)
	require.NotEmpty(t, taskID)

	listOut, err := runCmd(t, dir, "list")
	require.NoError(t, err)
	require.Contains(t, listOut, taskID)
	require.Contains(t, listOut, "queued")

	statusOut, err := runCmd(t, dir, "status", taskID)
	require.NoError(t, err)
	require.Contains(t, statusOut, "state: queued")

	logsOut, err := runCmd(t, dir, "logs", taskID)
	require.NoError(t, err)
	require.Contains(t, logsOut, "task_created")
}

func TestStatusUnknownTaskExitsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := runCmd(t, dir, "status", "tsk_nope")
	require.Error(t, err)
	require.Equal(t, 2, clierr.ExitCode(err))
}

func TestApproveRecordsApprovalForTask(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.json")
	writeTestPlan(t, planPath)

	submitOut, err := runCmd(t, dir, "submit", planPath)
	require.NoError(t, err)
	taskID := firstLine(submitOut)

	out, err := runCmd(t, dir, "approve", taskID, "--by", "tester")
	require.NoError(t, err)
	require.Contains(t, out, "approved:")
}

func TestPrintPlistRendersServiceDescriptor(t *testing.T) {
	dir := t.TempDir()
	out, err := runCmd(t, dir, "print-plist", "--program", "/usr/local/bin/coworker-runtime", "--workers", "2")
	require.NoError(t, err)
	require.Contains(t, out, "<key>Label</key>")
	require.Contains(t, out, "coworker-runtime")
}

func TestLaunchdDescriptorWiredIntoPrintPlist(t *testing.T) {
	out, err := service.LaunchdDescriptor{}.Render(service.ProcessSpec{Program: "x"})
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

