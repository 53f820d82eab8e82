// Package cli: cleanup.go implements the "worktree-registry cleanup" command.
//
// cleanup finds stale entries and acts on them: entries whose directory
// is gone, or whose removal grace period expired, are deleted with their
// ports; other stale entries are marked pending_removal.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/staleness"
)

type cleanupFlags struct {
	dryRun          bool
	removeWorktrees bool
}

// NewCleanupCommand creates the "cleanup" cobra command.
func NewCleanupCommand() *cobra.Command {
	flags := &cleanupFlags{}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove or retire stale worktree entries",
		Long: `Scan the registry for stale entries and clean them up.

An entry is stale when its directory is missing, its removal grace period
has expired, its branch no longer exists, or it has seen no commit for the
configured idle period. Locked entries are never touched.

Examples:
  worktree-registry cleanup --dry-run
  worktree-registry cleanup --remove-worktrees`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runCleanup(ctx, cmd.OutOrStdout(), c, flags)
			})
		},
	}

	cmd.Flags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "Only report stale entries")
	cmd.Flags().BoolVar(&flags.removeWorktrees, "remove-worktrees", false, "Also remove the Git worktrees of deleted entries")

	return cmd
}

func runCleanup(ctx context.Context, w io.Writer, c *coordinator.Coordinator, flags *cleanupFlags) error {
	res, err := c.Cleanup(ctx, coordinator.CleanupOptions{
		DryRun:          flags.dryRun,
		RemoveCheckouts: flags.removeWorktrees,
	})
	if res == nil {
		return err
	}
	// partial outcomes are printed even when the sweep was interrupted
	if perr := printCleanup(w, res, flags.dryRun); perr != nil && err == nil {
		err = perr
	}
	return err
}

func printCleanup(w io.Writer, res *coordinator.CleanupResult, dryRun bool) error {
	if IsJSONOutput() {
		return printJSON(w, res)
	}
	if len(res.Report.Findings) == 0 {
		fmt.Fprintln(w, "No stale worktrees.")
	}

	if dryRun {
		for _, f := range res.Report.Findings {
			fmt.Fprintf(w, "%s%s %s\n", pad(f.Entry.ID, bold(f.Entry.ID), 24), pad(string(f.Reason), yellow(f.Reason), 18), dim(f.Detail))
		}
	} else {
		for _, o := range res.Outcomes {
			fmt.Fprintf(w, "%s%s %s\n", pad(o.Entry.ID, bold(o.Entry.ID), 24), pad(string(o.Reason), yellow(o.Reason), 18), actionText(o))
		}
	}

	for id, msg := range res.Report.Unchecked {
		fmt.Fprintf(w, "%s %s: %s\n", red("unchecked:"), id, msg)
	}
	return nil
}

func actionText(o staleness.Outcome) string {
	switch o.Action {
	case staleness.ActionDeleted:
		return red(string(o.Action))
	case staleness.ActionMarked:
		return yellow(string(o.Action))
	case staleness.ActionSkipped:
		return dim(fmt.Sprintf("%s (%s)", o.Action, o.Error))
	default:
		return dim(string(o.Action))
	}
}
