package locks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireLocksGrantsDisjointPaths(t *testing.T) {
	root := t.TempDir()
	locksDir := filepath.Join(root, "locks")
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	require.NoError(t, os.MkdirAll(a, 0o755))
	require.NoError(t, os.MkdirAll(b, 0o755))

	handle, err := AcquireLocks([]string{a, b}, locksDir, "tsk_1", "worker-1")
	require.NoError(t, err)
	require.Len(t, handle.LockFiles, 2)
}

func TestAcquireLocksRejectsOverlapFromAnotherTask(t *testing.T) {
	root := t.TempDir()
	locksDir := filepath.Join(root, "locks")
	dir := filepath.Join(root, "shared")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	first, err := AcquireLocks([]string{dir}, locksDir, "tsk_1", "worker-1")
	require.NoError(t, err)
	require.NotEmpty(t, first.LockFiles)

	second, err := AcquireLocks([]string{dir}, locksDir, "tsk_2", "worker-2")
	require.NoError(t, err)
	require.Empty(t, second.LockFiles)
	require.Nil(t, second.Paths)
}

func TestAcquireLocksAllowsSameTaskToReacquire(t *testing.T) {
	root := t.TempDir()
	locksDir := filepath.Join(root, "locks")
	dir := filepath.Join(root, "shared")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	first, err := AcquireLocks([]string{dir}, locksDir, "tsk_1", "worker-1")
	require.NoError(t, err)
	require.NotEmpty(t, first.LockFiles)

	second, err := AcquireLocks([]string{dir}, locksDir, "tsk_1", "worker-1")
	require.NoError(t, err)
	require.NotEmpty(t, second.LockFiles)
}

func TestAcquireLocksRejectsDescendantOfLockedAncestor(t *testing.T) {
	root := t.TempDir()
	locksDir := filepath.Join(root, "locks")
	parent := filepath.Join(root, "parent")
	child := filepath.Join(parent, "child")
	require.NoError(t, os.MkdirAll(child, 0o755))

	_, err := AcquireLocks([]string{parent}, locksDir, "tsk_1", "worker-1")
	require.NoError(t, err)

	second, err := AcquireLocks([]string{child}, locksDir, "tsk_2", "worker-2")
	require.NoError(t, err)
	require.Empty(t, second.LockFiles)
}

func TestReleaseTaskLocksOnlyRemovesOwnedLocks(t *testing.T) {
	root := t.TempDir()
	locksDir := filepath.Join(root, "locks")
	a := filepath.Join(root, "a")
	require.NoError(t, os.MkdirAll(a, 0o755))

	handle, err := AcquireLocks([]string{a}, locksDir, "tsk_1", "worker-1")
	require.NoError(t, err)
	require.Len(t, handle.LockFiles, 1)

	ReleaseTaskLocks([]string{a}, locksDir, "tsk_2")
	_, statErr := os.Stat(handle.LockFiles[0])
	require.NoError(t, statErr, "lock owned by a different task should not be removed")

	ReleaseTaskLocks([]string{a}, locksDir, "tsk_1")
	_, statErr = os.Stat(handle.LockFiles[0])
	require.Error(t, statErr)
}

func TestHandleReleaseRemovesAllLockFiles(t *testing.T) {
	root := t.TempDir()
	locksDir := filepath.Join(root, "locks")
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	require.NoError(t, os.MkdirAll(a, 0o755))
	require.NoError(t, os.MkdirAll(b, 0o755))

	handle, err := AcquireLocks([]string{a, b}, locksDir, "tsk_1", "worker-1")
	require.NoError(t, err)
	handle.Release()

	for _, f := range handle.LockFiles {
		_, statErr := os.Stat(f)
		require.Error(t, statErr)
	}
}

func TestDedupePathsDropsDescendantOfKeptRoot(t *testing.T) {
	parent := "/tmp/a"
	child := "/tmp/a/b"
	deduped := dedupePaths([]string{child, parent})
	require.Equal(t, []string{parent}, deduped)
}
