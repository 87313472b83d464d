// Command coworker-runtime is the daemon-backed CLI: submit tasks to
// the durable queue, inspect and approve them, and run the worker
// loop that claims and executes them.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/antigravity-dev/coworker/internal/bundle"
	"github.com/antigravity-dev/coworker/internal/clierr"
	"github.com/antigravity-dev/coworker/internal/config"
	"github.com/antigravity-dev/coworker/internal/daemon"
	"github.com/antigravity-dev/coworker/internal/health"
	"github.com/antigravity-dev/coworker/internal/plan"
	"github.com/antigravity-dev/coworker/internal/service"
	"github.com/antigravity-dev/coworker/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(clierr.ExitCode(err))
	}
}

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// runtimeContext is the config + store pair every subcommand but
// print-plist needs; loaded once from --config/--state-dir/env.
type runtimeContext struct {
	cfg        *config.Config
	stateDir   string
	configPath string
}

func loadRuntimeContext(configPath string, stateDirFlag string) (*runtimeContext, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if stateDirFlag != "" {
		cfg.Runtime.StateDir = config.ExpandHome(stateDirFlag)
	}
	if err := os.MkdirAll(cfg.Runtime.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("coworker-runtime: create state dir %s: %w", cfg.Runtime.StateDir, err)
	}
	return &runtimeContext{cfg: cfg, stateDir: cfg.Runtime.StateDir, configPath: configPath}, nil
}

// validateRuntimeConfigReload rejects a SIGHUP-triggered reload that
// changes a field the running daemon cannot safely pick up live: the
// state directory and lock file are read once at startup to open the
// task store and acquire the daemon's single-instance lock.
func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	oldStateDir := strings.TrimSpace(oldCfg.Runtime.StateDir)
	newStateDir := strings.TrimSpace(newCfg.Runtime.StateDir)
	if oldStateDir != newStateDir {
		return fmt.Errorf("runtime.state_dir changed (%q -> %q) and requires restart", oldStateDir, newStateDir)
	}
	oldLockFile := strings.TrimSpace(oldCfg.Runtime.LockFile)
	newLockFile := strings.TrimSpace(newCfg.Runtime.LockFile)
	if oldLockFile != newLockFile {
		return fmt.Errorf("runtime.lock_file changed (%q -> %q) and requires restart", oldLockFile, newLockFile)
	}
	return nil
}

func (rc *runtimeContext) dbPath() string     { return filepath.Join(rc.stateDir, "tasks.db") }
func (rc *runtimeContext) bundlesDir() string { return filepath.Join(rc.stateDir, "bundles") }

func (rc *runtimeContext) openStore() (*store.Store, error) {
	return store.Open(rc.dbPath())
}

func utcNow() string {
	return time.Now().UTC().Format("20060102T150405Z")
}

func newRootCmd() *cobra.Command {
	var configPath, stateDir string

	root := &cobra.Command{
		Use:           "coworker-runtime",
		Short:         "Submit, inspect, and run coworker tasks against the durable queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "runtime config file (TOML)")
	root.PersistentFlags().StringVar(&stateDir, "state-dir", "", "override runtime.state_dir")

	loadCtx := func() (*runtimeContext, error) {
		return loadRuntimeContext(configPath, stateDir)
	}

	root.AddCommand(
		newSubmitCmd(loadCtx),
		newListCmd(loadCtx),
		newStatusCmd(loadCtx),
		newLogsCmd(loadCtx),
		newApproveCmd(loadCtx),
		newCancelCmd(loadCtx),
		newDaemonCmd(loadCtx),
		newPrintPlistCmd(),
	)
	return root
}

func newSubmitCmd(loadCtx func() (*runtimeContext, error)) *cobra.Command {
	var selected, allow string

	cmd := &cobra.Command{
		Use:   "submit <plan.json>",
		Short: "Submit a plan as a new queued task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadCtx()
			if err != nil {
				return err
			}
			planPath := args[0]
			data, err := os.ReadFile(planPath)
			if err != nil {
				return fmt.Errorf("coworker-runtime: read plan %s: %w", planPath, err)
			}
			p, err := plan.Parse(data)
			if err != nil {
				return err
			}
			plan.EnsureFields(p)
			hash, err := plan.EnsureHash(p)
			if err != nil {
				return err
			}

			metadata := map[string]any{}
			if paths := splitCSV(selected); len(paths) > 0 {
				metadata["selected_paths"] = paths
			}
			if roots := splitCSV(allow); len(roots) > 0 {
				metadata["allow_roots"] = roots
			}

			st, err := rc.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			taskID := "tsk_" + uuid.New().String()
			bundleRoot := filepath.Join(rc.bundlesDir(), taskID)
			paths, err := bundle.InitTaskBundle(bundleRoot, taskID, p, plan.BuildPreview(p), metadata)
			if err != nil {
				return err
			}

			task, err := st.CreateTask(store.CreateTaskParams{
				TaskID:     taskID,
				PlanHash:   hash,
				PlanPath:   planPath,
				BundlePath: bundleRoot,
				Metadata:   metadata,
			})
			if err != nil {
				return err
			}

			if err := bundle.AppendEvent(paths, map[string]any{
				"ts":      utcNow(),
				"task_id": taskID,
				"event":   "task_created",
				"state":   task.State,
			}); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&selected, "selected-paths", "", "comma-separated paths this task is allowed to touch")
	cmd.Flags().StringVar(&allow, "allow-roots", "", "comma-separated extra allowed roots")
	return cmd
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newListCmd(loadCtx func() (*runtimeContext, error)) *cobra.Command {
	var state string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadCtx()
			if err != nil {
				return err
			}
			st, err := rc.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.ListTasks(state, limit, offset)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, t := range tasks {
				created, parseErr := time.Parse("20060102T150405Z", t.CreatedAt)
				age := t.CreatedAt
				if parseErr == nil {
					age = humanize.Time(created)
				}
				fmt.Fprintf(w, "%s\t%-16s\t%s\t%s\n", t.ID, t.State, age, t.PlanHash)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func getTaskOrNotFound(st *store.Store, taskID string) (store.Task, error) {
	task, err := st.GetTask(taskID)
	if err != nil {
		return store.Task{}, &clierr.NotFound{Err: err}
	}
	return task, nil
}

func newStatusCmd(loadCtx func() (*runtimeContext, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadCtx()
			if err != nil {
				return err
			}
			st, err := rc.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			task, err := getTaskOrNotFound(st, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "id: %s\n", task.ID)
			fmt.Fprintf(w, "state: %s\n", task.State)
			fmt.Fprintf(w, "plan_hash: %s\n", task.PlanHash)
			fmt.Fprintf(w, "current_step: %d\n", task.CurrentStep)
			if task.NextCheckpoint != "" {
				fmt.Fprintf(w, "next_checkpoint: %s\n", task.NextCheckpoint)
			}
			if task.LockedBy != "" {
				fmt.Fprintf(w, "locked_by: %s (since %s)\n", task.LockedBy, task.LockedAt)
			}
			if task.Error != "" {
				fmt.Fprintf(w, "error: %s\n", task.Error)
			}
			fmt.Fprintf(w, "created_at: %s\n", task.CreatedAt)
			fmt.Fprintf(w, "updated_at: %s\n", task.UpdatedAt)
			fmt.Fprintf(w, "bundle_path: %s\n", task.BundlePath)
			return nil
		},
	}
	return cmd
}

func newLogsCmd(loadCtx func() (*runtimeContext, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Print a task's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadCtx()
			if err != nil {
				return err
			}
			st, err := rc.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			task, err := getTaskOrNotFound(st, args[0])
			if err != nil {
				return err
			}

			eventsPath := bundle.BundlePaths(task.BundlePath).EventsPath
			f, err := os.Open(eventsPath)
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return fmt.Errorf("coworker-runtime: read events %s: %w", eventsPath, err)
			}
			defer f.Close()

			useColor := isatty.IsTerminal(os.Stdout.Fd())
			w := cmd.OutOrStdout()
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := scanner.Text()
				if !useColor {
					fmt.Fprintln(w, line)
					continue
				}
				printColoredEventLine(w, line)
			}
			return scanner.Err()
		},
	}
	return cmd
}

func printColoredEventLine(w interface{ Write([]byte) (int, error) }, line string) {
	var event map[string]any
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		fmt.Fprintln(w, line)
		return
	}
	switch event["event"] {
	case "task_failed", "task_lock_failed":
		color.New(color.FgRed).Fprintln(w, line)
	case "task_completed":
		color.New(color.FgGreen).Fprintln(w, line)
	case "task_waiting_approval", "task_canceled":
		color.New(color.FgYellow).Fprintln(w, line)
	default:
		fmt.Fprintln(w, line)
	}
}

func newApproveCmd(loadCtx func() (*runtimeContext, error)) *cobra.Command {
	var checkpoint, by string

	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Record an approval for a task's plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadCtx()
			if err != nil {
				return err
			}
			st, err := rc.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			task, err := getTaskOrNotFound(st, args[0])
			if err != nil {
				return err
			}
			approval, err := st.RecordApproval(task.PlanHash, by, checkpoint)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved: %s (plan_hash=%s checkpoint=%q)\n", approval.ID, approval.PlanHash, approval.CheckpointID)
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint id this approval is scoped to (default: plan-level)")
	cmd.Flags().StringVar(&by, "by", "", "approver name")
	return cmd
}

func newCancelCmd(loadCtx func() (*runtimeContext, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task, releasing its path locks if it is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadCtx()
			if err != nil {
				return err
			}
			st, err := rc.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := getTaskOrNotFound(st, args[0]); err != nil {
				return err
			}

			d := daemon.New(st, rc.stateDir, rc.cfg.ToPolicyMap(), slog.Default())
			task, err := d.Cancel(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled: %s (state=%s)\n", task.ID, task.State)
			return nil
		},
	}
	return cmd
}

func newDaemonCmd(loadCtx func() (*runtimeContext, error)) *cobra.Command {
	var workers int
	var pollSeconds float64
	var workerID string
	var once bool
	var dev bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the worker loop that claims and executes queued tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadCtx()
			if err != nil {
				return err
			}
			if !rc.cfg.Runtime.Enabled {
				if v, ok := os.LookupEnv("COWORKER_RUNTIME_ENABLED"); !ok || v == "" {
					return fmt.Errorf("coworker-runtime: runtime.enabled is false (set COWORKER_RUNTIME_ENABLED=1 or runtime.enabled=true)")
				}
			}

			logger := configureLogger(rc.cfg.Logging.Level, dev)
			slog.SetDefault(logger)

			lockFile, err := health.AcquireFlock(rc.cfg.Runtime.LockFile)
			if err != nil {
				return err
			}
			defer health.ReleaseFlock(lockFile)

			st, err := rc.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cfgManager := config.NewManager(rc.cfg)

			d := daemon.New(st, rc.stateDir, cfgManager.Get().ToPolicyMap(), logger)
			if pollSeconds > 0 {
				d.PollEvery = time.Duration(pollSeconds * float64(time.Second))
			} else {
				d.PollEvery = rc.cfg.Runtime.PollInterval.Duration
			}
			if workers <= 0 {
				workers = rc.cfg.Runtime.Workers
			}
			if workerID == "" {
				workerID = "worker"
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				for sig := range sigCh {
					switch sig {
					case syscall.SIGHUP:
						if rc.configPath == "" {
							logger.Warn("ignoring SIGHUP: no --config file to reload from")
							continue
						}
						updated, err := config.Reload(rc.configPath)
						if err != nil {
							logger.Error("config reload failed", "error", err)
							continue
						}
						if err := validateRuntimeConfigReload(cfgManager.Get(), updated); err != nil {
							logger.Error("config reload rejected", "error", err)
							continue
						}
						cfgManager.Set(updated)
						d.SetConfig(updated.ToPolicyMap())
						logger.Info("config reloaded", "path", rc.configPath)
					case syscall.SIGINT, syscall.SIGTERM:
						cancel()
						return
					}
				}
			}()

			cronRunner, err := d.StartJanitor(ctx, rc.cfg.Runtime.JanitorSchedule, rc.cfg.Runtime.StaleApprovalAfter.Duration)
			if err != nil {
				return err
			}
			defer cronRunner.Stop()

			if once {
				logger.Info("running single tick (--once)")
				results, err := d.Tick(ctx, workerID, workers)
				if err != nil {
					return err
				}
				for _, r := range results {
					logger.Info("tick result", "message", r.Message)
				}
				return nil
			}

			return d.Run(ctx, workerID, workers)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent workers per tick (default: runtime.workers)")
	cmd.Flags().Float64Var(&pollSeconds, "poll-seconds", 0, "seconds to sleep between empty ticks (default: runtime.poll_interval)")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker id prefix")
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick then exit")
	cmd.Flags().BoolVar(&dev, "dev", false, "use text log format (default is JSON)")
	return cmd
}

func newPrintPlistCmd() *cobra.Command {
	var program, stateDir, workerID string
	var workers int
	var pollSeconds float64

	cmd := &cobra.Command{
		Use:   "print-plist",
		Short: "Render a macOS launchd plist for running the daemon as a service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if program == "" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("coworker-runtime: resolve program path: %w", err)
				}
				program = exe
			}
			out, err := service.LaunchdDescriptor{}.Render(service.ProcessSpec{
				Program:     program,
				StateDir:    stateDir,
				Workers:     workers,
				PollSeconds: pollSeconds,
				WorkerID:    workerID,
				RunAtLoad:   true,
				KeepAlive:   true,
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&program, "program", "", "path to the coworker-runtime binary (default: current executable)")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "runtime.state_dir override to pass to the service")
	cmd.Flags().IntVar(&workers, "workers", 0, "workers flag to pass to the service")
	cmd.Flags().Float64Var(&pollSeconds, "poll-seconds", 0, "poll-seconds flag to pass to the service")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker-id flag to pass to the service")
	return cmd
}
