// Package cli: plan.go implements the "worktree-registry plan" command.
//
// plan classifies every active and locked worktree against trunk, proposes
// a merge order (oldest unique work first) and forecasts which pairs of
// worktrees touch the same files.
package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/merge"
	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
)

type planFlags struct {
	watch bool
}

// NewPlanCommand creates the "plan" cobra command.
func NewPlanCommand() *cobra.Command {
	flags := &planFlags{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Propose a merge order for all worktrees",
		Long: `Propose the order in which worktree branches should be merged into trunk.

Each branch is classified as clean, needs_rebase, conflicts or diverged.
The branch whose oldest unmerged commit is earliest goes first. Pairs of
worktrees that changed the same files are listed as likely conflicts.

With --watch the plan is recomputed whenever the registry changes.

Examples:
  worktree-registry plan
  worktree-registry plan --json
  worktree-registry plan --watch`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runPlan(ctx, cmd.OutOrStdout(), c, flags)
			})
		},
	}

	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "Recompute whenever the registry changes")

	return cmd
}

func runPlan(ctx context.Context, w io.Writer, c *coordinator.Coordinator, flags *planFlags) error {
	plan, err := c.Plan(ctx)
	if err != nil {
		return err
	}
	if err := printPlan(w, plan); err != nil {
		return err
	}
	if !flags.watch {
		return nil
	}

	err = c.Watch(ctx, func(d *registry.Document) {
		if c.CheckPlan(ctx, plan) == nil && !hasUnplannedEntries(plan, d) {
			return
		}
		next, perr := c.Plan(ctx)
		if perr != nil {
			printError("failed to recompute plan", perr)
			return
		}
		plan = next
		if !IsJSONOutput() {
			fmt.Fprintf(w, "\n%s\n", dim(fmt.Sprintf("--- registry version %d ---", d.Version)))
		}
		_ = printPlan(w, plan)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// hasUnplannedEntries reports whether d holds an active or locked entry
// that plan did not read.
func hasUnplannedEntries(plan *merge.Plan, d *registry.Document) bool {
	for e := range d.Query(registry.WithStatus(model.StatusActive, model.StatusLocked)) {
		if _, ok := plan.Revisions[e.ID]; !ok {
			return true
		}
	}
	return false
}

// printPlan outputs the plan:
//
//	#  WORKTREE          STATUS        AHEAD  BEHIND  FILES
//	1  bugfix-login      clean         2      0
//	2  feature-auth      needs_rebase  5      3
func printPlan(w io.Writer, plan *merge.Plan) error {
	if IsJSONOutput() {
		return printJSON(w, plan)
	}

	fmt.Fprintf(w, "Merge plan onto %s (registry version %d)\n\n", bold(plan.Trunk), plan.Version)
	if len(plan.Steps) == 0 {
		fmt.Fprintln(w, "Nothing to merge.")
	} else {
		fmt.Fprintf(w, "%-3s %-24s %-13s %-6s %-7s %s\n", "#", "WORKTREE", "STATUS", "AHEAD", "BEHIND", "CONFLICTING FILES")
		for _, s := range plan.Steps {
			r := s.Record
			fmt.Fprintf(w, "%-3d %-24s %s%-6d %-7d %s\n",
				s.Position,
				s.WorktreeID,
				pad(r.Status.String(), mergeText(r.Status), 13),
				r.CommitsAhead,
				r.CommitsBehind,
				strings.Join(r.ConflictingFiles, ","),
			)
		}
	}

	if len(plan.Matrix.Pairs) > 0 {
		fmt.Fprintln(w, "\nOverlapping changes:")
		for _, p := range plan.Matrix.Pairs {
			fmt.Fprintf(w, "  %s %s %s: %s\n", p.A, dim("<->"), p.B, strings.Join(p.Files, ", "))
		}
	}
	if len(plan.Idle) > 0 {
		fmt.Fprintf(w, "\nNo unmerged commits: %s\n", strings.Join(plan.Idle, ", "))
	}
	for _, id := range slices.Sorted(maps.Keys(plan.Errors)) {
		fmt.Fprintf(w, "%s %s: %s\n", red("skipped:"), id, plan.Errors[id])
	}
	return nil
}
