// Command coworker is the one-shot CLI over a plan file: build,
// preview, checkpoint-inspect, approve, and apply a single plan
// without a running daemon or task store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/antigravity-dev/coworker/internal/clierr"
	"github.com/antigravity-dev/coworker/internal/config"
	"github.com/antigravity-dev/coworker/internal/executor"
	"github.com/antigravity-dev/coworker/internal/plan"
	"github.com/antigravity-dev/coworker/internal/policy"
	"github.com/antigravity-dev/coworker/internal/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(clierr.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coworker",
		Short:         "Build, preview, and apply coworker task plans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newPlanCmd(),
		newSummarizeCmd(),
		newPreviewCmd(),
		newCheckpointsCmd(),
		newApproveCmd(),
		newApplyCmd(),
	)
	return root
}

func loadPlanFile(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("coworker: read plan %s: %w", path, err)
	}
	return plan.Parse(data)
}

func writePlanFile(path string, p *plan.Plan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("coworker: encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("coworker: write plan %s: %w", path, err)
	}
	return nil
}

func loadPolicyFromFlags(configPath string, selectedPaths, allowRoots []string) (policy.Policy, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return policy.Policy{}, err
		}
		cfg = loaded
	}
	return policy.FromConfig(cfg.ToPolicyMap(), selectedPaths, allowRoots)
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

// newPlanCmd parses, validates, derives auto-checkpoints, and
// canonicalizes a plan document.
func newPlanCmd() *cobra.Command {
	var out string
	var every int

	cmd := &cobra.Command{
		Use:   "plan <plan.json>",
		Short: "Validate a plan file and stamp its canonical hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			plan.EnsureFields(p)
			if every > 0 && len(p.Checkpoints) == 0 {
				p.Checkpoints = plan.AutoCheckpoints(p.ToolCalls, every)
			}
			hash, err := plan.EnsureHash(p)
			if err != nil {
				return err
			}

			dest := out
			if dest == "" {
				dest = args[0]
			}
			if err := writePlanFile(dest, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan_hash: %s\nwrote: %s\n", hash, dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (default: overwrite input)")
	cmd.Flags().IntVar(&every, "every", 0, "derive checkpoints every N write calls if none are set")
	return cmd
}

// newSummarizeCmd formats a plan plus the most recent bundle snapshot
// into a short human summary. No new durable state: a thin formatter
// over plan.BuildPreview and the bundle's task.json.
func newSummarizeCmd() *cobra.Command {
	var bundleDir string

	cmd := &cobra.Command{
		Use:   "summarize <plan.json>",
		Short: "Summarize a plan and its most recent execution result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%d tool call(s), plan_hash=%s\n", len(p.ToolCalls), p.PlanHash)
			for _, line := range plan.BuildPreview(p) {
				fmt.Fprintln(w, line)
			}

			if bundleDir == "" {
				return nil
			}
			snapshotPath := filepath.Join(bundleDir, "task.json")
			data, err := os.ReadFile(snapshotPath)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(w, "\nno execution snapshot yet")
					return nil
				}
				return fmt.Errorf("coworker: read snapshot %s: %w", snapshotPath, err)
			}
			var snapshot map[string]any
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return fmt.Errorf("coworker: parse snapshot %s: %w", snapshotPath, err)
			}
			fmt.Fprintf(w, "\nlast known state: %v (updated_at=%v)\n", snapshot["state"], snapshot["updated_at"])
			if errMsg, ok := snapshot["error"]; ok && errMsg != "" {
				fmt.Fprintf(w, "last error: %v\n", errMsg)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bundleDir, "bundle", "", "task bundle directory to pull the last execution result from")
	return cmd
}

// newPreviewCmd validates the plan and renders preview_plan's
// human-readable lines, optionally with unified diffs for proposed
// writes, colorized when stdout is a terminal.
func newPreviewCmd() *cobra.Command {
	var configPath string
	var selected, allow string
	var diffs bool

	cmd := &cobra.Command{
		Use:   "preview <plan.json>",
		Short: "Render a plan's preview lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			pol, err := loadPolicyFromFlags(configPath, splitCSV(selected), splitCSV(allow))
			if err != nil {
				return err
			}
			lines, err := executor.PreviewPlan(p, pol, registry.Default, diffs)
			if err != nil {
				return err
			}

			useColor := isatty.IsTerminal(os.Stdout.Fd())
			w := cmd.OutOrStdout()
			for _, line := range lines {
				if useColor && strings.HasPrefix(line, "+") {
					color.New(color.FgGreen).Fprintln(w, line)
				} else if useColor && strings.HasPrefix(line, "-") {
					color.New(color.FgRed).Fprintln(w, line)
				} else {
					fmt.Fprintln(w, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "runtime config file (TOML)")
	cmd.Flags().StringVar(&selected, "selected-paths", "", "comma-separated paths this plan is allowed to touch")
	cmd.Flags().StringVar(&allow, "allow-roots", "", "comma-separated extra allowed roots")
	cmd.Flags().BoolVar(&diffs, "diffs", false, "include unified diffs for proposed writes")
	return cmd
}

// newCheckpointsCmd lists a plan's checkpoint ids, deriving them from
// --every when the plan has none of its own.
func newCheckpointsCmd() *cobra.Command {
	var every int

	cmd := &cobra.Command{
		Use:   "checkpoints <plan.json>",
		Short: "List a plan's checkpoint tool-call ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			checkpoints := p.Checkpoints
			if len(checkpoints) == 0 && every > 0 {
				checkpoints = plan.AutoCheckpoints(p.ToolCalls, every)
			}
			w := cmd.OutOrStdout()
			if len(checkpoints) == 0 {
				fmt.Fprintln(w, "(no checkpoints)")
				return nil
			}
			for _, id := range checkpoints {
				fmt.Fprintln(w, id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&every, "every", 0, "derive checkpoints every N write calls if the plan has none")
	return cmd
}

// newApproveCmd records a human sign-off as a standalone approval
// JSON document (no task store involved in one-shot mode).
func newApproveCmd() *cobra.Command {
	var checkpoint, by, out string

	cmd := &cobra.Command{
		Use:   "approve <plan.json>",
		Short: "Record an approval for a plan, optionally scoped to a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			hash, err := plan.EnsureHash(p)
			if err != nil {
				return err
			}
			approval := executor.BuildApproval(hash, by, checkpoint)

			dest := out
			if dest == "" {
				dest = args[0] + ".approval.json"
			}
			data, err := json.MarshalIndent(approval, "", "  ")
			if err != nil {
				return fmt.Errorf("coworker: encode approval: %w", err)
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return fmt.Errorf("coworker: write approval %s: %w", dest, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved: %s\n", dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint id this approval is scoped to (default: plan-level)")
	cmd.Flags().StringVar(&by, "by", "", "approver name")
	cmd.Flags().StringVar(&out, "out", "", "output path (default: <plan>.approval.json)")
	return cmd
}

// newApplyCmd runs a plan to completion in one pass (no checkpoint
// pausing), matching executor.ApplyPlan's convenience wrapper.
func newApplyCmd() *cobra.Command {
	var configPath, approvalPath, selected, allow string

	cmd := &cobra.Command{
		Use:   "apply <plan.json>",
		Short: "Apply a plan's tool calls to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			pol, err := loadPolicyFromFlags(configPath, splitCSV(selected), splitCSV(allow))
			if err != nil {
				return err
			}

			var approval *executor.Approval
			if approvalPath != "" {
				data, err := os.ReadFile(approvalPath)
				if err != nil {
					return fmt.Errorf("coworker: read approval %s: %w", approvalPath, err)
				}
				var a executor.Approval
				if err := json.Unmarshal(data, &a); err != nil {
					return fmt.Errorf("coworker: parse approval %s: %w", approvalPath, err)
				}
				approval = &a
			}

			runner := executor.NewRunner(pol)
			results, err := runner.ApplyPlan(context.Background(), p, registry.Default, approval)
			w := cmd.OutOrStdout()
			for _, line := range results {
				fmt.Fprintln(w, line)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "runtime config file (TOML)")
	cmd.Flags().StringVar(&approvalPath, "approval", "", "approval JSON file produced by 'coworker approve'")
	cmd.Flags().StringVar(&selected, "selected-paths", "", "comma-separated paths this plan is allowed to touch")
	cmd.Flags().StringVar(&allow, "allow-roots", "", "comma-separated extra allowed roots")
	return cmd
}
