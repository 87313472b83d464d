package fstools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, WriteFileAtomic(path, "hello"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestWriteFileAtomicLeavesNoTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, WriteFileAtomic(path, "hello"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "out.txt", entries[0].Name())
}

func TestListDirSortedAndCapped(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	names, err := ListDir(dir, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)
}

func TestReadTextTruncatesToMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	text, err := ReadText(path, 4)
	require.NoError(t, err)
	require.Equal(t, "0123", text)
}

func TestProposeWriteFileNoDiffWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("same"), 0644))

	diff, err := ProposeWriteFile(path, "same", 1000)
	require.NoError(t, err)
	require.Empty(t, diff)
}

func TestProposeWriteFileShowsDiffForNewContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	diff, err := ProposeWriteFile(path, "new content", 1000)
	require.NoError(t, err)
	require.Contains(t, diff, "+new content")
}

func TestMovePathCreatesDestDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	dst := filepath.Join(dir, "nested", "dst.txt")

	require.NoError(t, MovePath(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
	_, statErr := os.Stat(src)
	require.Error(t, statErr)
}
