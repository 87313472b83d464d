// Package bundle manages a task's on-disk working directory: its
// plan, preview, resume state, and append-only event log.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antigravity-dev/coworker/internal/plan"
)

// Paths is the fixed layout of a task bundle directory.
type Paths struct {
	Root            string
	TaskPath        string
	PlanPath        string
	PreviewPath     string
	EventsPath      string
	ResumeStatePath string
	ScratchDir      string
	StagingDir      string
}

// BundlePaths computes the fixed layout rooted at root.
func BundlePaths(root string) Paths {
	return Paths{
		Root:            root,
		TaskPath:        filepath.Join(root, "task.json"),
		PlanPath:        filepath.Join(root, "plan.json"),
		PreviewPath:     filepath.Join(root, "preview.txt"),
		EventsPath:      filepath.Join(root, "events.jsonl"),
		ResumeStatePath: filepath.Join(root, "resume_state.json"),
		ScratchDir:      filepath.Join(root, "scratch"),
		StagingDir:      filepath.Join(root, "staging"),
	}
}

// Snapshot is the contents of task.json: the task's identity and
// current lifecycle state as last observed by the daemon.
type Snapshot struct {
	TaskID    string         `json:"task_id"`
	PlanHash  string         `json:"plan_hash"`
	State     string         `json:"state"`
	UpdatedAt string         `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// InitTaskBundle creates root and its scratch/staging subdirectories,
// writes the plan and its rendered preview, and stamps an initial
// queued snapshot.
func InitTaskBundle(root, taskID string, p *plan.Plan, previewLines []string, metadata map[string]any) (Paths, error) {
	paths := BundlePaths(root)

	for _, dir := range []string{paths.Root, paths.ScratchDir, paths.StagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("bundle: mkdir %s: %w", dir, err)
		}
	}

	planHash, err := plan.EnsureHash(p)
	if err != nil {
		return Paths{}, fmt.Errorf("bundle: %w", err)
	}
	if err := writePlan(paths.PlanPath, p); err != nil {
		return Paths{}, err
	}

	if previewLines == nil {
		previewLines = plan.BuildPreview(p)
	}
	if err := writeLines(paths.PreviewPath, previewLines); err != nil {
		return Paths{}, err
	}

	snapshot := buildSnapshot(taskID, planHash, "queued", metadata, "")
	if err := writeJSON(paths.TaskPath, snapshot); err != nil {
		return Paths{}, err
	}

	if _, err := os.Stat(paths.EventsPath); os.IsNotExist(err) {
		if err := os.WriteFile(paths.EventsPath, nil, 0o644); err != nil {
			return Paths{}, fmt.Errorf("bundle: create events log: %w", err)
		}
	}

	return paths, nil
}

// EnsureTaskBundle returns the bundle at root, initializing it via
// InitTaskBundle only if it does not already exist.
func EnsureTaskBundle(root, taskID string, p *plan.Plan, previewLines []string, metadata map[string]any) (Paths, error) {
	paths := BundlePaths(root)
	if _, err := os.Stat(paths.TaskPath); os.IsNotExist(err) {
		return InitTaskBundle(root, taskID, p, previewLines, metadata)
	}
	return paths, nil
}

// UpdateTaskSnapshot overwrites task.json with a fresh snapshot.
func UpdateTaskSnapshot(paths Paths, taskID, planHash, state string, metadata map[string]any, taskErr string) error {
	snapshot := buildSnapshot(taskID, planHash, state, metadata, taskErr)
	return writeJSON(paths.TaskPath, snapshot)
}

// AppendEvent appends one JSON-encoded event line, stamping a ts field
// if the caller didn't supply one.
func AppendEvent(paths Paths, event map[string]any) error {
	payload := make(map[string]any, len(event)+1)
	for k, v := range event {
		payload[k] = v
	}
	if _, ok := payload["ts"]; !ok {
		payload["ts"] = utcNow()
	}

	if err := os.MkdirAll(filepath.Dir(paths.EventsPath), 0o755); err != nil {
		return fmt.Errorf("bundle: append_event: %w", err)
	}
	f, err := os.OpenFile(paths.EventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bundle: append_event: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bundle: append_event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("bundle: append_event: %w", err)
	}
	return nil
}

func buildSnapshot(taskID, planHash, state string, metadata map[string]any, taskErr string) Snapshot {
	return Snapshot{
		TaskID:    taskID,
		PlanHash:  planHash,
		State:     state,
		UpdatedAt: utcNow(),
		Metadata:  metadata,
		Error:     taskErr,
	}
}

func writePlan(path string, p *plan.Plan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: encode plan: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("bundle: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("bundle: write plan: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("bundle: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("bundle: write %s: %w", path, err)
	}
	return nil
}

func writeLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("bundle: mkdir: %w", err)
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("bundle: write %s: %w", path, err)
	}
	return nil
}

func utcNow() string {
	return time.Now().UTC().Format("20060102T150405Z")
}
