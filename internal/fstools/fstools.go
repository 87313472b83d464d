// Package fstools implements the filesystem primitives a coworker plan
// may invoke: read, list, diff-preview, atomic write, move, rename.
package fstools

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// ReadText reads up to maxBytes of a file as UTF-8, replacing invalid
// sequences the way the Python original's errors="replace" does.
func ReadText(path string, maxBytes int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fstools: read_text: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return "", fmt.Errorf("fstools: read_text: %w", err)
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// ListDir returns up to maxEntries directory entry names, sorted.
func ListDir(path string, maxEntries int) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("fstools: list_dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if maxEntries > 0 && len(names) > maxEntries {
		names = names[:maxEntries]
	}
	return names, nil
}

// ProposeWriteFile renders a unified-diff-style preview of writing
// content to path without touching the filesystem, reading up to
// maxBytes of the existing file (if any) the same way ReadText does.
func ProposeWriteFile(path, content string, maxBytes int) (string, error) {
	var existing string
	if f, err := os.Open(path); err == nil {
		data, readErr := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
		f.Close()
		if readErr == nil {
			existing = strings.ToValidUTF8(string(data), "�")
		}
	}
	return UnifiedDiff(existing, content, path), nil
}

// UnifiedDiff renders a minimal unified-diff-style textual comparison
// between two strings, line by line. This is a deliberately simple
// longest-common-subsequence-free diff: it reports the whole old/new
// line blocks rather than minimal hunks, which is sufficient for a
// human approval preview and keeps the dependency surface on the
// standard library, matching the rest of this package.
func UnifiedDiff(oldText, newText, label string) string {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)
	if equalLines(oldLines, newLines) {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n", label)
	fmt.Fprintf(&b, "+++ %s\n", label)
	for _, l := range oldLines {
		fmt.Fprintf(&b, "-%s\n", l)
	}
	for _, l := range newLines {
		fmt.Fprintf(&b, "+%s\n", l)
	}
	return strings.TrimRight(b.String(), "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WriteFileAtomic writes content to path via a temp file in the same
// directory followed by an atomic rename, so a crash mid-write never
// leaves a partially written file visible at path. This is stricter
// than the Python reference implementation, which writes directly.
func WriteFileAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fstools: apply_write_file: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".coworker-write-*")
	if err != nil {
		return fmt.Errorf("fstools: apply_write_file: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("fstools: apply_write_file: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fstools: apply_write_file: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fstools: apply_write_file: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o666&^currentUmask()); err != nil {
		return fmt.Errorf("fstools: apply_write_file: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("fstools: apply_write_file: rename into place: %w", err)
	}
	return nil
}

// currentUmask reads the process umask without leaving it changed.
// unix.Umask has no read-only form; setting then immediately restoring
// the old value is the standard way to observe it.
func currentUmask() os.FileMode {
	old := unix.Umask(0)
	unix.Umask(old)
	return os.FileMode(old)
}

// MovePath moves src to dst, creating dst's parent directory if needed.
func MovePath(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("fstools: move: mkdir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("fstools: move: %w", err)
	}
	return nil
}

// RenamePath is an alias of MovePath, matching the tool registry's
// distinct fs.move/fs.rename names for a single underlying operation.
func RenamePath(src, dst string) error {
	return MovePath(src, dst)
}
