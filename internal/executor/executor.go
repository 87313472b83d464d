// Package executor runs validated coworker plans against the
// filesystem, document, and web tools, pausing at checkpoints and
// resuming from durable run state.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/coworker/internal/doc"
	"github.com/antigravity-dev/coworker/internal/fstools"
	"github.com/antigravity-dev/coworker/internal/plan"
	"github.com/antigravity-dev/coworker/internal/policy"
	"github.com/antigravity-dev/coworker/internal/registry"
	"github.com/antigravity-dev/coworker/internal/webfetch"
)

// PlanValidationError reports a plan that failed policy validation or
// violated a v1 execution invariant (such as overwrite-on-write).
type PlanValidationError struct {
	Errors []string
}

func (e *PlanValidationError) Error() string {
	return strings.Join(e.Errors, "\n")
}

// ApprovalError reports a missing or mismatched approval for a plan
// or checkpoint that requires one.
type ApprovalError struct {
	Reason string
}

func (e *ApprovalError) Error() string { return e.Reason }

// Approval records a human sign-off on a plan hash, optionally scoped
// to one checkpoint.
type Approval struct {
	PlanHash     string `json:"plan_hash"`
	ApprovedAt   string `json:"approved_at"`
	ApprovedBy   string `json:"approved_by,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Matches reports whether this approval covers planHash, scoped to
// checkpointID when checkpointID is non-empty. A plan-level approval
// (empty CheckpointID) only matches a plan-level request.
func (a Approval) Matches(planHash, checkpointID string) bool {
	if a.PlanHash != planHash {
		return false
	}
	if checkpointID == "" {
		return a.CheckpointID == ""
	}
	return a.CheckpointID == checkpointID
}

// BuildApproval stamps a new approval for planHash, recording the
// current time and optional approver/checkpoint scope.
func BuildApproval(planHash, approvedBy, checkpointID string) Approval {
	return Approval{
		PlanHash:     planHash,
		ApprovedAt:   time.Now().UTC().Format("20060102T150405Z"),
		ApprovedBy:   approvedBy,
		CheckpointID: checkpointID,
	}
}

// RunState is the durable resume point for a paused execution: the
// plan it belongs to, which tool call IDs have already run, and which
// checkpoint execution will next pause at.
type RunState struct {
	PlanHash       string   `json:"plan_hash"`
	CompletedIDs   []string `json:"completed_ids"`
	NextCheckpoint string   `json:"next_checkpoint,omitempty"`
	UpdatedAt      string   `json:"updated_at"`
}

// BuildState constructs a RunState snapshot, stamping the current time.
func BuildState(planHash string, completedIDs []string, nextCheckpoint string) RunState {
	sorted := append([]string(nil), completedIDs...)
	sort.Strings(sorted)
	return RunState{
		PlanHash:       planHash,
		CompletedIDs:   sorted,
		NextCheckpoint: nextCheckpoint,
		UpdatedAt:      time.Now().UTC().Format("20060102T150405Z"),
	}
}

// Runner executes tool calls against the real filesystem, document,
// and web tool implementations, under a Policy's limits.
type Runner struct {
	Policy  policy.Policy
	Fetcher *webfetch.Fetcher
	OCR     doc.OCRPrompter
}

// NewRunner builds a Runner with a default web fetcher timeout.
func NewRunner(pol policy.Policy) *Runner {
	return &Runner{Policy: pol, Fetcher: webfetch.New(20 * time.Second)}
}

// PreviewPlan validates plan and renders its human-readable preview
// lines, optionally including unified diffs for proposed writes.
func PreviewPlan(p *plan.Plan, pol policy.Policy, reg *registry.Registry, includeDiffs bool) ([]string, error) {
	if errs := policy.Validate(p, pol, reg); len(errs) > 0 {
		return nil, &PlanValidationError{Errors: errs}
	}
	lines := plan.BuildPreview(p)
	if includeDiffs {
		lines = append(lines, collectDiffs(p, pol.MaxReadBytes)...)
	}
	return lines, nil
}

// ApplyPlan runs plan to completion in one pass (no checkpoint pause),
// matching the original's apply_plan convenience wrapper.
func (r *Runner) ApplyPlan(ctx context.Context, p *plan.Plan, reg *registry.Registry, approval *Approval) ([]string, error) {
	results, _, err := r.ApplyPlanWithState(ctx, p, reg, approval, nil, false)
	return results, err
}

// ApplyPlanWithState runs plan's tool calls in order, skipping any
// already recorded in resumeState.CompletedIDs, and — when
// stopAtCheckpoints is true — pausing after the first checkpoint call
// that is not also the plan's last tool call. It returns the results
// produced this pass and, if execution paused, the RunState to persist
// for resumption.
func (r *Runner) ApplyPlanWithState(
	ctx context.Context,
	p *plan.Plan,
	reg *registry.Registry,
	approval *Approval,
	resumeState *RunState,
	stopAtCheckpoints bool,
) ([]string, *RunState, error) {
	if errs := policy.Validate(p, r.Policy, reg); len(errs) > 0 {
		return nil, nil, &PlanValidationError{Errors: errs}
	}

	planHash, err := plan.Hash(p)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: %w", err)
	}

	completed := map[string]bool{}
	if resumeState != nil {
		if resumeState.PlanHash != planHash {
			return nil, nil, &PlanValidationError{Errors: []string{"Resume state does not match plan hash."}}
		}
		for _, id := range resumeState.CompletedIDs {
			completed[id] = true
		}
	}

	checkpointIDs := p.Checkpoints
	next := nextCheckpoint(checkpointIDs, completed)

	if r.Policy.RequireApproval {
		if approval == nil {
			return nil, nil, &ApprovalError{Reason: "Approval required but not provided."}
		}
		if stopAtCheckpoints && len(checkpointIDs) > 0 {
			if next != "" {
				if !approval.Matches(planHash, next) {
					return nil, nil, &ApprovalError{Reason: "Approval does not match checkpoint."}
				}
			} else if !approval.Matches(planHash, "") {
				return nil, nil, &ApprovalError{Reason: "Approval does not match plan hash."}
			}
		} else if !approval.Matches(planHash, "") {
			return nil, nil, &ApprovalError{Reason: "Approval does not match plan hash."}
		}
	}

	checkpointSet := map[string]bool{}
	for _, c := range checkpointIDs {
		checkpointSet[c] = true
	}

	var results []string
	for idx, call := range p.ToolCalls {
		if call.ID != "" && completed[call.ID] {
			continue
		}

		result, err := r.runCall(ctx, call)
		if err != nil {
			return results, nil, err
		}
		results = append(results, result...)

		if call.ID != "" {
			completed[call.ID] = true
		}

		if stopAtCheckpoints && call.ID != "" && checkpointSet[call.ID] {
			if idx == len(p.ToolCalls)-1 {
				continue
			}
			completedList := make([]string, 0, len(completed))
			for id := range completed {
				completedList = append(completedList, id)
			}
			state := BuildState(planHash, completedList, nextCheckpoint(checkpointIDs, completed))
			return results, &state, nil
		}
	}
	return results, nil, nil
}

func (r *Runner) runCall(ctx context.Context, call plan.ToolCall) ([]string, error) {
	switch call.Tool {
	case "fs.apply_write_file":
		path, err := resolveArgPath(call.Args, "path")
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); err == nil {
			return nil, &PlanValidationError{Errors: []string{"fs.apply_write_file cannot overwrite existing file in v1"}}
		}
		content, _ := call.Args["content"].(string)
		if err := fstools.WriteFileAtomic(path, content); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("wrote:%s", path)}, nil

	case "fs.move":
		return r.runMoveOrRename(call, "moved")

	case "fs.rename":
		return r.runMoveOrRename(call, "renamed")

	case "fs.propose_write_file":
		path, err := resolveArgPath(call.Args, "path")
		if err != nil {
			return nil, err
		}
		content, _ := call.Args["content"].(string)
		maxBytesForExistingRead := intArg(call.Args, "max_bytes_for_existing_read", r.Policy.MaxReadBytes)
		diff, err := fstools.ProposeWriteFile(path, content, maxBytesForExistingRead)
		if err != nil {
			return nil, err
		}
		if diff != "" {
			return []string{fmt.Sprintf("diff:%s", path)}, nil
		}
		return nil, nil

	case "fs.read_text":
		path, err := resolveArgPath(call.Args, "path")
		if err != nil {
			return nil, err
		}
		maxBytes := intArg(call.Args, "max_bytes", r.Policy.MaxReadBytes)
		content, err := fstools.ReadText(path, maxBytes)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("read:%s chars=%d", path, len(content))}, nil

	case "fs.list_dir":
		path, err := resolveArgPath(call.Args, "path")
		if err != nil {
			return nil, err
		}
		entries, err := fstools.ListDir(path, 0)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("list:%s entries=%d", path, len(entries))}, nil

	case "doc.extract_pdf_text":
		path, err := resolveArgPath(call.Args, "path")
		if err != nil {
			return nil, err
		}
		ocrMode, _ := call.Args["ocr_mode"].(string)
		if ocrMode == "" {
			ocrMode = "off"
		}
		maxChars := intArg(call.Args, "max_chars", r.Policy.MaxReadBytes)
		text, err := doc.ExtractPDFText(path, maxChars, ocrMode, r.OCR)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("extract_pdf:%s chars=%d", path, len(text))}, nil

	case "web.fetch":
		rawURL, _ := call.Args["url"].(string)
		allowlist := stringsFromAny(call.Args["allowlist"])
		maxBytes := intArg(call.Args, "max_bytes", r.Policy.MaxWebBytes)
		result, err := r.Fetcher.Fetch(ctx, rawURL, allowlist, maxBytes)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("web:%s bytes=%d type=%s", rawURL, len(result.Text), result.ContentType)}, nil

	default:
		return []string{fmt.Sprintf("skipped:%s", call.Tool)}, nil
	}
}

func (r *Runner) runMoveOrRename(call plan.ToolCall, verb string) ([]string, error) {
	src, err := resolveArgPath(call.Args, "path")
	if err != nil {
		return nil, err
	}
	dst, err := resolveArgPath(call.Args, "dst")
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dst); err == nil {
		return nil, &PlanValidationError{Errors: []string{fmt.Sprintf("%s cannot overwrite existing file in v1", call.Tool)}}
	}
	if err := fstools.MovePath(src, dst); err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("%s:%s->%s", verb, src, dst),
		fmt.Sprintf("rollback:%s->%s", dst, src),
	}, nil
}

func nextCheckpoint(checkpoints []string, completed map[string]bool) string {
	for _, c := range checkpoints {
		if !completed[c] {
			return c
		}
	}
	return ""
}

func collectDiffs(p *plan.Plan, maxBytes int) []string {
	var lines []string
	for _, call := range p.ToolCalls {
		if call.Tool != "fs.propose_write_file" {
			continue
		}
		path, err := resolveArgPath(call.Args, "path")
		if err != nil {
			continue
		}
		content, _ := call.Args["content"].(string)
		callMaxBytes := intArg(call.Args, "max_bytes_for_existing_read", maxBytes)
		diff, err := fstools.ProposeWriteFile(path, content, callMaxBytes)
		if err != nil || diff == "" {
			continue
		}
		lines = append(lines, "", fmt.Sprintf("Diff for %s:", path), diff)
	}
	return lines
}

func resolveArgPath(args map[string]any, key string) (string, error) {
	raw, ok := args[key].(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("executor: missing %q argument", key)
	}
	if strings.HasPrefix(raw, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			raw = filepath.Join(home, strings.TrimPrefix(raw, "~"))
		}
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("executor: resolve %q: %w", raw, err)
	}
	return abs, nil
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func stringsFromAny(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
