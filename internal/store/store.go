// Package store provides SQLite-backed persistence for coworker tasks
// and approvals.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for task and approval state.
type Store struct {
	db *sql.DB
}

// Task is a persisted unit of execution work: a plan bound to a
// bundle directory, its lifecycle state, and its resumption point.
type Task struct {
	ID             string
	State          string
	CreatedAt      string
	UpdatedAt      string
	PlanHash       string
	PlanPath       string
	BundlePath     string
	CurrentStep    int
	CheckpointID   string
	NextCheckpoint string
	LockedBy       string
	LockedAt       string
	Error          string
	Metadata       map[string]any
}

// Approval records a human sign-off on a plan hash, optionally scoped
// to a single checkpoint.
type Approval struct {
	ID           string
	PlanHash     string
	CheckpointID string
	ApprovedAt   string
	ApprovedBy   string
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	plan_hash TEXT NOT NULL,
	plan_path TEXT NOT NULL,
	bundle_path TEXT NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	checkpoint_id TEXT,
	next_checkpoint TEXT,
	locked_by TEXT,
	locked_at TEXT,
	error TEXT,
	metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS tasks_state_idx ON tasks(state);
CREATE INDEX IF NOT EXISTS tasks_plan_hash_idx ON tasks(plan_hash);
CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	plan_hash TEXT NOT NULL,
	checkpoint_id TEXT,
	approved_at TEXT NOT NULL,
	approved_by TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS approvals_lookup_idx ON approvals(plan_hash, checkpoint_id);
`

// schemaVersion is the migration version this schema corresponds to;
// bumped whenever _MIGRATIONS would gain a new entry in the Python
// original.
const schemaVersion = 1

// Open creates (if needed) and opens the SQLite database at dbPath,
// applying the schema and recording the current migration version.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies the schema and stamps schema_migrations, mirroring
// the Python original's apply_migrations guard against re-running an
// already-applied version.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`)
	var raw sql.NullInt64
	if err := row.Scan(&raw); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	current = int(raw.Int64)

	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, schemaVersion, utcNow()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func utcNow() string {
	return time.Now().UTC().Format("20060102T150405Z")
}

// CreateTaskParams are the fields a caller supplies when submitting a
// new task. An empty TaskID or State defaults to a fresh tsk_ id or
// queued; timestamps and resumption fields are assigned by CreateTask.
type CreateTaskParams struct {
	PlanHash   string
	PlanPath   string
	BundlePath string
	Metadata   map[string]any
	State      string
	TaskID     string
}

// CreateTask inserts a new task row and returns the stored record.
func (s *Store) CreateTask(params CreateTaskParams) (Task, error) {
	taskID := params.TaskID
	if taskID == "" {
		taskID = "tsk_" + uuid.New().String()
	}
	state := params.State
	if state == "" {
		state = "queued"
	}
	now := utcNow()

	var metadataJSON sql.NullString
	if len(params.Metadata) > 0 {
		raw, err := json.Marshal(params.Metadata)
		if err != nil {
			return Task{}, fmt.Errorf("store: encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (
			id, state, created_at, updated_at, plan_hash, plan_path, bundle_path,
			current_step, checkpoint_id, next_checkpoint, locked_by, locked_at, error,
			metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, NULL, NULL, NULL, ?)`,
		taskID, state, now, now, params.PlanHash, params.PlanPath, params.BundlePath, metadataJSON,
	)
	if err != nil {
		return Task{}, fmt.Errorf("store: create_task: %w", err)
	}
	return s.GetTask(taskID)
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(taskID string) (Task, error) {
	row := s.db.QueryRow(`SELECT id, state, created_at, updated_at, plan_hash, plan_path, bundle_path,
		current_step, checkpoint_id, next_checkpoint, locked_by, locked_at, error, metadata_json
		FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Task{}, fmt.Errorf("store: task not found: %s", taskID)
		}
		return Task{}, fmt.Errorf("store: get_task: %w", err)
	}
	return task, nil
}

// ListTasks returns up to limit tasks (newest first), optionally
// filtered to one state.
func (s *Store) ListTasks(state string, limit, offset int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if state != "" {
		rows, err = s.db.Query(`SELECT id, state, created_at, updated_at, plan_hash, plan_path, bundle_path,
			current_step, checkpoint_id, next_checkpoint, locked_by, locked_at, error, metadata_json
			FROM tasks WHERE state = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, state, limit, offset)
	} else {
		rows, err = s.db.Query(`SELECT id, state, created_at, updated_at, plan_hash, plan_path, bundle_path,
			current_step, checkpoint_id, next_checkpoint, locked_by, locked_at, error, metadata_json
			FROM tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list_tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list_tasks: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountTasksByState returns the number of tasks in each state.
func (s *Store) CountTasksByState() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM tasks GROUP BY state ORDER BY state`)
	if err != nil {
		return nil, fmt.Errorf("store: count_tasks_by_state: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("store: count_tasks_by_state: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// ClaimTask transitions a task from expectedState to "running" for
// workerID, returning false (not an error) if another worker already
// claimed it.
func (s *Store) ClaimTask(taskID, expectedState, workerID string) (bool, error) {
	now := utcNow()
	result, err := s.db.Exec(
		`UPDATE tasks SET state = 'running', locked_by = ?, locked_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		workerID, now, now, taskID, expectedState,
	)
	if err != nil {
		return false, fmt.Errorf("store: claim_task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim_task: %w", err)
	}
	return n == 1, nil
}

// ClaimNextTask atomically claims the oldest queued task for workerID.
// It pins a single connection and issues BEGIN IMMEDIATE directly
// (sql.DB.Begin only guarantees a deferred transaction, which would
// let two workers both pass the SELECT before either UPDATEs) so the
// write lock is held across the select-then-update and two workers
// can never claim the same task. It returns (Task{}, false, nil) when
// no queued task is available.
func (s *Store) ClaimNextTask(workerID string) (Task, bool, error) {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Task{}, false, fmt.Errorf("store: claim_next_task: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return Task{}, false, fmt.Errorf("store: claim_next_task: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, `ROLLBACK`)
		}
	}()

	row := conn.QueryRowContext(ctx, `SELECT id FROM tasks WHERE state = 'queued' ORDER BY updated_at ASC, created_at ASC LIMIT 1`)
	var taskID string
	if err := row.Scan(&taskID); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("store: claim_next_task: %w", err)
	}

	now := utcNow()
	result, err := conn.ExecContext(ctx,
		`UPDATE tasks SET state = 'running', locked_by = ?, locked_at = ?, updated_at = ?
		 WHERE id = ? AND state = 'queued'`,
		workerID, now, now, taskID,
	)
	if err != nil {
		return Task{}, false, fmt.Errorf("store: claim_next_task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("store: claim_next_task: %w", err)
	}
	if n == 0 {
		return Task{}, false, nil
	}

	taskRow := conn.QueryRowContext(ctx, `SELECT id, state, created_at, updated_at, plan_hash, plan_path, bundle_path,
		current_step, checkpoint_id, next_checkpoint, locked_by, locked_at, error, metadata_json
		FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(taskRow)
	if err != nil {
		return Task{}, false, fmt.Errorf("store: claim_next_task: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return Task{}, false, fmt.Errorf("store: claim_next_task: %w", err)
	}
	committed = true
	return task, true, nil
}

// OptionalString is a tri-state field update: Unset leaves the column
// untouched, SetNull clears it to NULL, and SetValue(s) assigns s.
// This replicates the Python original's _UNSET sentinel for
// next_checkpoint, where "not provided" and "explicitly cleared" are
// distinct update intents that a plain *string can't express cleanly
// alongside a non-pointer zero value.
type OptionalString struct {
	set   bool
	valid bool
	value string
}

// Unset leaves a field untouched by UpdateTaskState.
func Unset() OptionalString { return OptionalString{} }

// SetNull clears a field to NULL.
func SetNull() OptionalString { return OptionalString{set: true, valid: false} }

// SetValue assigns a field to value.
func SetValue(value string) OptionalString { return OptionalString{set: true, valid: true, value: value} }

// OptionalInt is OptionalString's counterpart for current_step, an
// INTEGER column; the Python original's update_task_state takes
// current_step: Optional[int], and a tri-state sentinel over an int
// deserves its own type rather than smuggling a number through
// OptionalString's string payload.
type OptionalInt struct {
	set   bool
	value int
}

// UnsetInt leaves current_step untouched by UpdateTaskState.
func UnsetInt() OptionalInt { return OptionalInt{} }

// SetInt assigns current_step to value.
func SetInt(value int) OptionalInt { return OptionalInt{set: true, value: value} }

// UpdateTaskStateParams are the optional fields UpdateTaskState may
// change; State is always written, the rest only when set.
type UpdateTaskStateParams struct {
	State          string
	Error          OptionalString
	CheckpointID   OptionalString
	NextCheckpoint OptionalString
	CurrentStep    OptionalInt
	LockedBy       OptionalString
	LockedAt       OptionalString
	ClearLock      bool
}

// UpdateTaskState applies a partial update to a task's lifecycle
// fields and returns the updated record.
func (s *Store) UpdateTaskState(taskID string, params UpdateTaskStateParams) (Task, error) {
	fields := []string{"state = ?", "updated_at = ?"}
	values := []any{params.State, utcNow()}

	appendOptional := func(column string, opt OptionalString) {
		if !opt.set {
			return
		}
		fields = append(fields, column+" = ?")
		if opt.valid {
			values = append(values, opt.value)
		} else {
			values = append(values, nil)
		}
	}

	appendOptional("error", params.Error)
	appendOptional("checkpoint_id", params.CheckpointID)
	appendOptional("next_checkpoint", params.NextCheckpoint)

	if params.CurrentStep.set {
		fields = append(fields, "current_step = ?")
		values = append(values, params.CurrentStep.value)
	}

	if params.ClearLock {
		fields = append(fields, "locked_by = NULL", "locked_at = NULL")
	} else {
		appendOptional("locked_by", params.LockedBy)
		appendOptional("locked_at", params.LockedAt)
	}

	values = append(values, taskID)
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(fields, ", "))
	if _, err := s.db.Exec(query, values...); err != nil {
		return Task{}, fmt.Errorf("store: update_task_state: %w", err)
	}
	return s.GetTask(taskID)
}

// RecordApproval inserts a new approval for planHash, optionally
// scoped to checkpointID.
func (s *Store) RecordApproval(planHash, approvedBy, checkpointID string) (Approval, error) {
	approvalID := "apr_" + uuid.New().String()
	now := utcNow()

	var checkpoint sql.NullString
	if checkpointID != "" {
		checkpoint = sql.NullString{String: checkpointID, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO approvals (id, plan_hash, checkpoint_id, approved_at, approved_by) VALUES (?, ?, ?, ?, ?)`,
		approvalID, planHash, checkpoint, now, approvedBy,
	)
	if err != nil {
		return Approval{}, fmt.Errorf("store: record_approval: %w", err)
	}

	row := s.db.QueryRow(`SELECT id, plan_hash, checkpoint_id, approved_at, approved_by FROM approvals WHERE id = ?`, approvalID)
	return scanApproval(row)
}

// LatestApproval returns the most recent approval for planHash scoped
// exactly to checkpointID (empty string means plan-level, matching
// NULL checkpoint_id), or ok=false if none exists.
func (s *Store) LatestApproval(planHash, checkpointID string) (Approval, bool, error) {
	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRow(
			`SELECT id, plan_hash, checkpoint_id, approved_at, approved_by FROM approvals
			 WHERE plan_hash = ? AND checkpoint_id IS NULL
			 ORDER BY approved_at DESC LIMIT 1`, planHash)
	} else {
		row = s.db.QueryRow(
			`SELECT id, plan_hash, checkpoint_id, approved_at, approved_by FROM approvals
			 WHERE plan_hash = ? AND checkpoint_id = ?
			 ORDER BY approved_at DESC LIMIT 1`, planHash, checkpointID)
	}
	approval, err := scanApproval(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Approval{}, false, nil
		}
		return Approval{}, false, fmt.Errorf("store: latest_approval: %w", err)
	}
	return approval, true, nil
}

// LatestApprovalAny returns the most recent approval for planHash
// regardless of checkpoint scope, or ok=false if none exists.
func (s *Store) LatestApprovalAny(planHash string) (Approval, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, plan_hash, checkpoint_id, approved_at, approved_by FROM approvals
		 WHERE plan_hash = ? ORDER BY approved_at DESC LIMIT 1`, planHash)
	approval, err := scanApproval(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Approval{}, false, nil
		}
		return Approval{}, false, fmt.Errorf("store: latest_approval_any: %w", err)
	}
	return approval, true, nil
}

// SchemaVersion reports the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	var raw sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("store: schema_version: %w", err)
	}
	return int(raw.Int64), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var t Task
	var checkpointID, nextCheckpoint, lockedBy, lockedAt, taskErr, metadataJSON sql.NullString
	err := row.Scan(
		&t.ID, &t.State, &t.CreatedAt, &t.UpdatedAt, &t.PlanHash, &t.PlanPath, &t.BundlePath,
		&t.CurrentStep, &checkpointID, &nextCheckpoint, &lockedBy, &lockedAt, &taskErr, &metadataJSON,
	)
	if err != nil {
		return Task{}, err
	}
	t.CheckpointID = checkpointID.String
	t.NextCheckpoint = nextCheckpoint.String
	t.LockedBy = lockedBy.String
	t.LockedAt = lockedAt.String
	t.Error = taskErr.String
	t.Metadata = parseMetadata(metadataJSON)
	return t, nil
}

func parseMetadata(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return map[string]any{}
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw.String), &parsed); err != nil {
		return map[string]any{}
	}
	return parsed
}

func scanApproval(row scanner) (Approval, error) {
	var a Approval
	var checkpointID sql.NullString
	if err := row.Scan(&a.ID, &a.PlanHash, &checkpointID, &a.ApprovedAt, &a.ApprovedBy); err != nil {
		return Approval{}, err
	}
	a.CheckpointID = checkpointID.String
	return a, nil
}
