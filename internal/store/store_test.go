package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := openTestStore(t)

	task, err := s.CreateTask(CreateTaskParams{
		PlanHash:   "sha256:abc",
		PlanPath:   "/tmp/plan.json",
		BundlePath: "/tmp/bundle",
	})
	require.NoError(t, err)
	require.Equal(t, "queued", task.State)
	require.NotEmpty(t, task.ID)

	fetched, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, task, fetched)
}

func TestGetTaskMissingReturnsError(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTask("tsk_does-not-exist")
	require.Error(t, err)
}

func TestClaimNextTaskClaimsOldestQueued(t *testing.T) {
	s := openTestStore(t)
	first, err := s.CreateTask(CreateTaskParams{PlanHash: "h1", PlanPath: "p1", BundlePath: "b1"})
	require.NoError(t, err)
	_, err = s.CreateTask(CreateTaskParams{PlanHash: "h2", PlanPath: "p2", BundlePath: "b2"})
	require.NoError(t, err)

	claimed, ok, err := s.ClaimNextTask("worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID, claimed.ID)
	require.Equal(t, "running", claimed.State)
	require.Equal(t, "worker-1", claimed.LockedBy)
}

func TestClaimNextTaskReturnsNotOKWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.ClaimNextTask("worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimTaskRejectsWrongExpectedState(t *testing.T) {
	s := openTestStore(t)
	task, err := s.CreateTask(CreateTaskParams{PlanHash: "h1", PlanPath: "p1", BundlePath: "b1"})
	require.NoError(t, err)

	ok, err := s.ClaimTask(task.ID, "running", "worker-1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.ClaimTask(task.ID, "queued", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpdateTaskStateSetNullClearsNextCheckpoint(t *testing.T) {
	s := openTestStore(t)
	task, err := s.CreateTask(CreateTaskParams{PlanHash: "h1", PlanPath: "p1", BundlePath: "b1"})
	require.NoError(t, err)

	updated, err := s.UpdateTaskState(task.ID, UpdateTaskStateParams{
		State:          "waiting_approval",
		NextCheckpoint: SetValue("c1"),
	})
	require.NoError(t, err)
	require.Equal(t, "c1", updated.NextCheckpoint)

	cleared, err := s.UpdateTaskState(task.ID, UpdateTaskStateParams{
		State:          "running",
		NextCheckpoint: SetNull(),
	})
	require.NoError(t, err)
	require.Empty(t, cleared.NextCheckpoint)
}

func TestUpdateTaskStateUnsetLeavesFieldUntouched(t *testing.T) {
	s := openTestStore(t)
	task, err := s.CreateTask(CreateTaskParams{PlanHash: "h1", PlanPath: "p1", BundlePath: "b1"})
	require.NoError(t, err)

	withCheckpoint, err := s.UpdateTaskState(task.ID, UpdateTaskStateParams{
		State:          "waiting_approval",
		NextCheckpoint: SetValue("c1"),
	})
	require.NoError(t, err)
	require.Equal(t, "c1", withCheckpoint.NextCheckpoint)

	unchanged, err := s.UpdateTaskState(task.ID, UpdateTaskStateParams{State: "running"})
	require.NoError(t, err)
	require.Equal(t, "c1", unchanged.NextCheckpoint)
}

func TestRecordAndLookupApproval(t *testing.T) {
	s := openTestStore(t)

	_, err := s.RecordApproval("sha256:abc", "alice", "")
	require.NoError(t, err)
	_, err = s.RecordApproval("sha256:abc", "alice", "c1")
	require.NoError(t, err)

	planLevel, ok, err := s.LatestApproval("sha256:abc", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, planLevel.CheckpointID)

	checkpointLevel, ok, err := s.LatestApproval("sha256:abc", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c1", checkpointLevel.CheckpointID)

	_, ok, err = s.LatestApproval("sha256:abc", "c2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLatestApprovalAnyIgnoresCheckpointScope(t *testing.T) {
	s := openTestStore(t)
	_, err := s.RecordApproval("sha256:abc", "alice", "c1")
	require.NoError(t, err)

	any, ok, err := s.LatestApprovalAny("sha256:abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c1", any.CheckpointID)
}

func TestCountTasksByState(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateTask(CreateTaskParams{PlanHash: "h1", PlanPath: "p1", BundlePath: "b1"})
	require.NoError(t, err)
	_, err = s.CreateTask(CreateTaskParams{PlanHash: "h2", PlanPath: "p2", BundlePath: "b2"})
	require.NoError(t, err)

	counts, err := s.CountTasksByState()
	require.NoError(t, err)
	require.Equal(t, 2, counts["queued"])
}

func TestSchemaVersionIsStamped(t *testing.T) {
	s := openTestStore(t)
	version, err := s.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, schemaVersion, version)
}
