// Package daemon implements the worker loop that claims queued
// coworker tasks, acquires their path locks, runs them through the
// executor, and persists the resulting lifecycle transitions.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/coworker/internal/bundle"
	"github.com/antigravity-dev/coworker/internal/executor"
	"github.com/antigravity-dev/coworker/internal/locks"
	"github.com/antigravity-dev/coworker/internal/plan"
	"github.com/antigravity-dev/coworker/internal/policy"
	"github.com/antigravity-dev/coworker/internal/registry"
	"github.com/antigravity-dev/coworker/internal/store"
)

// Result reports the outcome of one RunOnce call: the task touched (if
// any) and a short human-readable message.
type Result struct {
	Task    *store.Task
	Message string
}

// Daemon claims and executes queued coworker tasks against a shared
// task store and path-lock directory.
type Daemon struct {
	Store     *store.Store
	Registry  *registry.Registry
	StateDir  string
	PollEvery time.Duration
	Logger    *slog.Logger

	configMu sync.RWMutex
	config   map[string]any
}

// New builds a Daemon rooted at stateDir (whose "locks" and "bundles"
// subdirectories hold lock files and task bundles respectively).
func New(st *store.Store, stateDir string, cfg map[string]any, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		Store:     st,
		Registry:  registry.Default,
		StateDir:  stateDir,
		config:    cfg,
		PollEvery: 2 * time.Second,
		Logger:    logger.With("component", "daemon"),
	}
}

// SetConfig atomically swaps the policy config map a running daemon
// consults on each task, so a config reload never races an in-flight Tick.
func (d *Daemon) SetConfig(cfg map[string]any) {
	d.configMu.Lock()
	defer d.configMu.Unlock()
	d.config = cfg
}

// getConfig returns the current policy config map under a shared lock.
func (d *Daemon) getConfig() map[string]any {
	d.configMu.RLock()
	defer d.configMu.RUnlock()
	return d.config
}

func (d *Daemon) locksDir() string { return filepath.Join(d.StateDir, "locks") }

// RunOnce claims and executes at most one task: the oldest queued
// task, or — if none is queued, or the queued task was deferred on
// busy locks — the most recently created waiting_approval task whose
// checkpoint now has a matching approval (candidates are scanned newest
// first).
func (d *Daemon) RunOnce(ctx context.Context, workerID string) (Result, error) {
	task, ok, err := d.Store.ClaimNextTask(workerID)
	if err != nil {
		return Result{}, fmt.Errorf("daemon: run_once: %w", err)
	}
	if !ok {
		return d.runWaitingOrIdle(ctx, workerID)
	}

	result, err := d.runClaimed(ctx, task, workerID)
	if err != nil {
		return result, err
	}
	if result.Message != "task deferred (locks busy)" {
		return result, nil
	}
	return d.runWaitingOrIdle(ctx, workerID)
}

func (d *Daemon) runWaitingOrIdle(ctx context.Context, workerID string) (Result, error) {
	waiting, ok, err := d.claimWaitingTask(workerID)
	if err != nil {
		return Result{}, fmt.Errorf("daemon: run_once: %w", err)
	}
	if !ok {
		return Result{Message: "no queued tasks"}, nil
	}
	return d.runClaimed(ctx, waiting, workerID)
}

// runClaimed drives a single already-claimed task through _run_task and
// translates its outcome (or an unexpected error) into a Result,
// matching run_once's outer try/except that marks a task failed rather
// than ever letting the daemon crash on it.
func (d *Daemon) runClaimed(ctx context.Context, task store.Task, workerID string) (Result, error) {
	processed, err := d.runTask(ctx, task, workerID)
	if err != nil {
		if _, failErr := d.Store.UpdateTaskState(task.ID, store.UpdateTaskStateParams{
			State:     "failed",
			Error:     store.SetValue(err.Error()),
			ClearLock: true,
		}); failErr != nil {
			d.Logger.Error("failed to record task failure", "task_id", task.ID, "error", failErr)
		}
		return Result{Task: &task, Message: fmt.Sprintf("task failed: %v", err)}, nil
	}
	latest, getErr := d.Store.GetTask(task.ID)
	if getErr != nil {
		return Result{}, fmt.Errorf("daemon: run_once: %w", getErr)
	}
	if processed {
		return Result{Task: &latest, Message: "task processed"}, nil
	}
	return Result{Task: &latest, Message: "task deferred (locks busy)"}, nil
}

// runTask implements _run_task: claim the task's path locks, validate
// its plan, resolve approval, drive the executor, and persist whatever
// lifecycle transition results. The returned bool is false only when
// the task's locks were busy and it was requeued for another worker to
// try later; true covers every other outcome, including failure and
// cancellation, since those are terminal handling of this claim.
func (d *Daemon) runTask(ctx context.Context, task store.Task, workerID string) (bool, error) {
	latest, err := d.Store.GetTask(task.ID)
	if err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	if latest.State == "canceled" {
		return true, d.emitCanceled(latest)
	}

	handle, locked, err := d.tryLockTask(latest, workerID)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}
	retainLock := false
	defer func() {
		if !retainLock {
			handle.Release()
		}
	}()

	p, err := d.loadPlanForTask(latest)
	if err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	planHash, err := plan.EnsureHash(p)
	if err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	if planHash != latest.PlanHash {
		return true, d.failTask(latest, p, "plan hash mismatch; refusing to execute")
	}

	selectedPaths := rawPathsFromMetadata(latest.Metadata["selected_paths"])
	extraRoots := rawPathsFromMetadata(latest.Metadata["allow_roots"])
	pol, err := policy.FromConfig(d.getConfig(), selectedPaths, extraRoots)
	if err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}

	bundlePaths, err := bundle.EnsureTaskBundle(latest.BundlePath, latest.ID, p, nil, latest.Metadata)
	if err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	if err := bundle.AppendEvent(bundlePaths, map[string]any{
		"task_id": latest.ID, "event": "task_claimed", "state": "running",
		"metadata": map[string]any{"worker_id": workerID},
	}); err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	if err := bundle.UpdateTaskSnapshot(bundlePaths, latest.ID, planHash, "running", latest.Metadata, ""); err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}

	resumeState, err := loadResumeState(bundlePaths)
	if err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	checkpointID := resolveCheckpointID(p.Checkpoints, resumeState)

	approval, hasApproval, err := d.resolveApproval(planHash, checkpointID)
	if err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	if pol.RequireApproval && !hasApproval {
		retainLock = true
		return true, d.waitForApproval(latest, bundlePaths, planHash, checkpointID)
	}

	runner := executor.NewRunner(pol)
	stopAtCheckpoints := len(p.Checkpoints) > 0 && pol.RequireApproval
	results, runState, err := runner.ApplyPlanWithState(ctx, p, d.Registry, approval, resumeState, stopAtCheckpoints)
	if err != nil {
		var approvalErr *executor.ApprovalError
		var validationErr *executor.PlanValidationError
		switch {
		case errors.As(err, &approvalErr):
			retainLock = true
			return true, d.waitForApproval(latest, bundlePaths, planHash, checkpointID)
		case errors.As(err, &validationErr):
			return true, d.failTask(latest, p, validationErr.Error())
		default:
			return false, fmt.Errorf("daemon: %w", err)
		}
	}
	if runState != nil {
		retainLock = true
	}

	if err := emitToolResults(bundlePaths, latest.ID, results); err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}

	if refreshed, err := d.Store.GetTask(latest.ID); err == nil && refreshed.State == "canceled" {
		retainLock = false
		return true, nil
	}

	if runState != nil {
		if err := writeResumeState(bundlePaths, *runState); err != nil {
			return false, fmt.Errorf("daemon: %w", err)
		}
		if _, err := d.Store.UpdateTaskState(latest.ID, store.UpdateTaskStateParams{
			State:          "waiting_approval",
			NextCheckpoint: store.SetValue(runState.NextCheckpoint),
			CurrentStep:    store.SetInt(len(runState.CompletedIDs)),
		}); err != nil {
			return false, fmt.Errorf("daemon: %w", err)
		}
		if err := bundle.AppendEvent(bundlePaths, map[string]any{
			"task_id": latest.ID, "event": "task_waiting_approval", "state": "waiting_approval",
			"checkpoint_id": runState.NextCheckpoint,
		}); err != nil {
			return false, fmt.Errorf("daemon: %w", err)
		}
		if err := bundle.UpdateTaskSnapshot(bundlePaths, latest.ID, planHash, "waiting_approval", latest.Metadata, ""); err != nil {
			return false, fmt.Errorf("daemon: %w", err)
		}
		return true, nil
	}

	if _, err := d.Store.UpdateTaskState(latest.ID, store.UpdateTaskStateParams{
		State:       "completed",
		CurrentStep: store.SetInt(len(p.ToolCalls)),
		ClearLock:   true,
	}); err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	if err := bundle.AppendEvent(bundlePaths, map[string]any{
		"task_id": latest.ID, "event": "task_completed", "state": "completed",
	}); err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	if err := bundle.UpdateTaskSnapshot(bundlePaths, latest.ID, planHash, "completed", latest.Metadata, ""); err != nil {
		return false, fmt.Errorf("daemon: %w", err)
	}
	retainLock = false
	return true, nil
}

func (d *Daemon) waitForApproval(task store.Task, bundlePaths bundle.Paths, planHash, checkpointID string) error {
	if _, err := d.Store.UpdateTaskState(task.ID, store.UpdateTaskStateParams{
		State:          "waiting_approval",
		NextCheckpoint: store.SetValue(checkpointID),
	}); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	if err := bundle.AppendEvent(bundlePaths, map[string]any{
		"task_id": task.ID, "event": "task_waiting_approval", "state": "waiting_approval",
		"checkpoint_id": checkpointID,
	}); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return bundle.UpdateTaskSnapshot(bundlePaths, task.ID, planHash, "waiting_approval", task.Metadata, "")
}

func (d *Daemon) failTask(task store.Task, p *plan.Plan, reason string) error {
	if _, err := d.Store.UpdateTaskState(task.ID, store.UpdateTaskStateParams{
		State:     "failed",
		Error:     store.SetValue(reason),
		ClearLock: true,
	}); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	bundlePaths, err := bundle.EnsureTaskBundle(task.BundlePath, task.ID, p, nil, task.Metadata)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	if err := bundle.AppendEvent(bundlePaths, map[string]any{
		"task_id": task.ID, "event": "task_failed", "state": "failed", "error": reason,
	}); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	planHash, _ := plan.Hash(p)
	return bundle.UpdateTaskSnapshot(bundlePaths, task.ID, planHash, "failed", task.Metadata, reason)
}

func (d *Daemon) emitCanceled(task store.Task) error {
	p, err := d.loadPlanForTask(task)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	bundlePaths, err := bundle.EnsureTaskBundle(task.BundlePath, task.ID, p, nil, task.Metadata)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	if err := bundle.AppendEvent(bundlePaths, map[string]any{
		"task_id": task.ID, "event": "task_canceled", "state": "canceled",
	}); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return bundle.UpdateTaskSnapshot(bundlePaths, task.ID, task.PlanHash, "canceled", task.Metadata, "")
}

// claimWaitingTask paginates through waiting_approval tasks looking for
// the first whose (plan_hash, next_checkpoint) now has a matching
// approval, atomically claiming it via a conditional state transition
// so a concurrent worker scanning the same page can't double-claim it.
func (d *Daemon) claimWaitingTask(workerID string) (store.Task, bool, error) {
	const pageSize = 50
	offset := 0
	for {
		candidates, err := d.Store.ListTasks("waiting_approval", pageSize, offset)
		if err != nil {
			return store.Task{}, false, fmt.Errorf("daemon: claim_waiting_task: %w", err)
		}
		if len(candidates) == 0 {
			return store.Task{}, false, nil
		}
		for _, candidate := range candidates {
			_, hasApproval, err := d.Store.LatestApproval(candidate.PlanHash, candidate.NextCheckpoint)
			if err != nil {
				return store.Task{}, false, fmt.Errorf("daemon: claim_waiting_task: %w", err)
			}
			if !hasApproval {
				continue
			}
			claimed, err := d.Store.ClaimTask(candidate.ID, "waiting_approval", workerID)
			if err != nil {
				return store.Task{}, false, fmt.Errorf("daemon: claim_waiting_task: %w", err)
			}
			if claimed {
				return d.Store.GetTask(candidate.ID)
			}
		}
		offset += len(candidates)
	}
}

// tryLockTask acquires path locks for task. Per §4.10's fallback: use
// metadata.selected_paths if present, else metadata.allow_roots, else
// the state directory itself so whole-store operations still serialize
// against each other. On busy locks the task is requeued and a
// task_lock_failed event recorded; the caller tries the next candidate.
func (d *Daemon) tryLockTask(task store.Task, workerID string) (locks.Handle, bool, error) {
	paths := rawPathsFromMetadata(task.Metadata["selected_paths"])
	if len(paths) == 0 {
		paths = rawPathsFromMetadata(task.Metadata["allow_roots"])
	}
	if len(paths) == 0 {
		paths = []string{d.StateDir}
	}

	handle, err := locks.AcquireLocks(paths, d.locksDir(), task.ID, workerID)
	if err != nil {
		return locks.Handle{}, false, fmt.Errorf("daemon: acquire_locks: %w", err)
	}
	if len(handle.LockFiles) > 0 {
		return handle, true, nil
	}

	if _, err := d.Store.UpdateTaskState(task.ID, store.UpdateTaskStateParams{State: "queued", ClearLock: true}); err != nil {
		return locks.Handle{}, false, fmt.Errorf("daemon: requeue after lock busy: %w", err)
	}
	p, err := d.loadPlanForTask(task)
	if err != nil {
		return locks.Handle{}, false, fmt.Errorf("daemon: %w", err)
	}
	bundlePaths, err := bundle.EnsureTaskBundle(task.BundlePath, task.ID, p, nil, task.Metadata)
	if err != nil {
		return locks.Handle{}, false, fmt.Errorf("daemon: %w", err)
	}
	if err := bundle.AppendEvent(bundlePaths, map[string]any{
		"task_id": task.ID, "event": "task_lock_failed", "state": "queued", "message": "path locks busy",
	}); err != nil {
		return locks.Handle{}, false, fmt.Errorf("daemon: %w", err)
	}
	return locks.Handle{}, false, nil
}

// Cancel moves task to canceled. A currently running task keeps its
// locks until the worker that owns it observes the cancellation; any
// other task has its locks released immediately.
func (d *Daemon) Cancel(taskID string) (store.Task, error) {
	task, err := d.Store.GetTask(taskID)
	if err != nil {
		return store.Task{}, fmt.Errorf("daemon: cancel: %w", err)
	}
	wasRunning := task.State == "running"

	params := store.UpdateTaskStateParams{State: "canceled"}
	if !wasRunning {
		params.ClearLock = true
	}
	updated, err := d.Store.UpdateTaskState(taskID, params)
	if err != nil {
		return store.Task{}, fmt.Errorf("daemon: cancel: %w", err)
	}

	if !wasRunning {
		paths := rawPathsFromMetadata(task.Metadata["selected_paths"])
		if len(paths) == 0 {
			paths = rawPathsFromMetadata(task.Metadata["allow_roots"])
		}
		if len(paths) == 0 {
			paths = []string{d.StateDir}
		}
		locks.ReleaseTaskLocks(paths, d.locksDir(), taskID)
	}
	return updated, nil
}

func (d *Daemon) loadPlanForTask(task store.Task) (*plan.Plan, error) {
	bundlePlanPath := filepath.Join(task.BundlePath, "plan.json")
	path := bundlePlanPath
	if _, err := os.Stat(bundlePlanPath); err != nil {
		path = task.PlanPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", path, err)
	}
	return plan.Parse(data)
}

func (d *Daemon) resolveApproval(planHash, checkpointID string) (*executor.Approval, bool, error) {
	approval, ok, err := d.Store.LatestApproval(planHash, checkpointID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &executor.Approval{
		PlanHash:     approval.PlanHash,
		ApprovedAt:   approval.ApprovedAt,
		ApprovedBy:   approval.ApprovedBy,
		CheckpointID: approval.CheckpointID,
	}, true, nil
}

// resolveCheckpointID picks up where a resumed run left off, else the
// plan's first checkpoint, else none.
func resolveCheckpointID(checkpoints []string, resumeState *executor.RunState) string {
	if resumeState != nil {
		return resumeState.NextCheckpoint
	}
	if len(checkpoints) > 0 {
		return checkpoints[0]
	}
	return ""
}

func loadResumeState(paths bundle.Paths) (*executor.RunState, error) {
	data, err := os.ReadFile(paths.ResumeStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load resume state: %w", err)
	}
	var state executor.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse resume state: %w", err)
	}
	return &state, nil
}

func writeResumeState(paths bundle.Paths, state executor.RunState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode resume state: %w", err)
	}
	if err := os.WriteFile(paths.ResumeStatePath, data, 0o644); err != nil {
		return fmt.Errorf("write resume state: %w", err)
	}
	return nil
}

func emitToolResults(paths bundle.Paths, taskID string, results []string) error {
	for _, result := range results {
		if err := bundle.AppendEvent(paths, map[string]any{
			"task_id": taskID, "event": "tool_call_finished", "state": "running", "message": result,
		}); err != nil {
			return err
		}
	}
	return nil
}

// rawPathsFromMetadata extracts a []string from a decoded-JSON metadata
// value, leaving each entry unresolved — locks.AcquireLocks and
// policy.FromConfig both expand "~" and resolve to an absolute path
// themselves.
func rawPathsFromMetadata(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Tick runs workers concurrent claim/execute iterations, each with a
// distinct worker id derived from idPrefix, implementing multi-worker
// mode as N claim-execute iterations per tick.
func (d *Daemon) Tick(ctx context.Context, idPrefix string, workers int) ([]Result, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]Result, workers)
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		i := i
		group.Go(func() error {
			result, err := d.RunOnce(gctx, fmt.Sprintf("%s-%d", idPrefix, i))
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("daemon: tick: %w", err)
	}
	return results, nil
}

// Run blocks until ctx is cancelled, ticking continuously: every
// iteration that finds no work at all across its workers sleeps
// PollEvery before trying again, otherwise it loops immediately.
func (d *Daemon) Run(ctx context.Context, idPrefix string, workers int) error {
	pollEvery := d.PollEvery
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	d.Logger.Info("daemon started", "workers", workers, "poll_every", pollEvery)

	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("daemon stopping")
			return nil
		default:
		}

		results, err := d.Tick(ctx, idPrefix, workers)
		if err != nil {
			d.Logger.Error("tick failed", "error", err)
		}

		foundWork := false
		for _, r := range results {
			if r.Task != nil {
				foundWork = true
			}
		}
		if foundWork {
			continue
		}

		select {
		case <-ctx.Done():
			d.Logger.Info("daemon stopping")
			return nil
		case <-time.After(pollEvery):
		}
	}
}

// StartJanitor runs sweep on schedule (robfig/cron v1 syntax: the first
// field is seconds, or a descriptor such as "@every 5m") until ctx is
// cancelled, clearing lock files left behind by tasks that are no
// longer queued, running or waiting on approval and logging stale
// waiting_approval tasks that have sat untouched past staleAfter.
func (d *Daemon) StartJanitor(ctx context.Context, schedule string, staleAfter time.Duration) (*cron.Cron, error) {
	c := cron.New()
	err := c.AddFunc(schedule, func() {
		orphaned, stale, err := d.sweep(staleAfter)
		if err != nil {
			d.Logger.Error("janitor sweep failed", "error", err)
			return
		}
		if orphaned > 0 || stale > 0 {
			d.Logger.Info("janitor sweep complete", "orphaned_locks", orphaned, "stale_waiting_approval", stale)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: janitor schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}

// sweep removes lock files owned by tasks that are no longer queued,
// running or waiting_approval, and counts (without mutating) waiting_approval
// tasks whose updated_at is older than staleAfter so an operator can
// notice a checkpoint nobody is approving.
func (d *Daemon) sweep(staleAfter time.Duration) (orphanedLocks int, staleWaiting int, err error) {
	active := map[string]bool{}
	for _, state := range []string{"queued", "running", "waiting_approval"} {
		tasks, err := d.Store.ListTasks(state, 10000, 0)
		if err != nil {
			return 0, 0, fmt.Errorf("daemon: sweep: %w", err)
		}
		for _, t := range tasks {
			active[t.ID] = true
		}
		if state == "waiting_approval" && staleAfter > 0 {
			cutoff := time.Now().UTC().Add(-staleAfter).Format("20060102T150405Z")
			for _, t := range tasks {
				if t.UpdatedAt < cutoff {
					staleWaiting++
				}
			}
		}
	}

	matches, globErr := filepath.Glob(filepath.Join(d.locksDir(), "lock-*.lock"))
	if globErr != nil {
		return 0, staleWaiting, fmt.Errorf("daemon: sweep: %w", globErr)
	}
	for _, lockFile := range matches {
		taskID := readLockTaskID(lockFile)
		if taskID != "" && active[taskID] {
			continue
		}
		if os.Remove(lockFile) == nil {
			orphanedLocks++
		}
	}
	return orphanedLocks, staleWaiting, nil
}

func readLockTaskID(lockFile string) string {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return ""
	}
	for _, line := range splitLines(string(data)) {
		const prefix = "task_id="
		if len(line) > len(prefix) && line[:len(prefix)] == prefix {
			return line[len(prefix):]
		}
	}
	return ""
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
