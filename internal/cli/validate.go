// Package cli: validate.go implements the "worktree-registry validate" command.
//
// Without an argument, validate checks the registry document against its
// invariants and compares it with the git worktrees on disk. With a
// worktree id, it checks whether that worktree is ready for its next merge
// step.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/merge"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// NewValidateCommand creates the "validate" cobra command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [id]",
		Short: "Check registry consistency or a worktree's merge readiness",
		Long: `Check the registry, or one worktree's merge readiness.

Without an id, the registry document is validated and compared with
"git worktree list": unregistered worktrees and entries whose directory is
gone are reported. Exits 2 when anything is wrong.

With an id, three checks run: the working tree is clean, the branch matches
its remote, and a trial rebase onto trunk applies. Exits 10 when any check
fails.

Examples:
  worktree-registry validate
  worktree-registry validate feature-auth --json`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				if len(args) == 1 {
					return runValidateEntry(ctx, cmd.OutOrStdout(), c, args[0])
				}
				return runValidateRegistry(ctx, cmd.OutOrStdout(), c)
			})
		},
	}
}

func runValidateRegistry(ctx context.Context, w io.Writer, c *coordinator.Coordinator) error {
	r, err := c.CheckRegistry(ctx)
	if err != nil {
		return err
	}
	if err := printRegistryReport(w, r); err != nil {
		return err
	}
	if !r.OK() {
		return model.NewCLIError(model.ExitValidation, "registry is inconsistent")
	}
	return nil
}

func printRegistryReport(w io.Writer, r *coordinator.RegistryReport) error {
	if IsJSONOutput() {
		return printJSON(w, r)
	}
	if r.OK() {
		fmt.Fprintf(w, "%s registry version %d is consistent\n", green("OK"), r.Version)
		return nil
	}
	for _, p := range r.Problems {
		fmt.Fprintf(w, "%s %s\n", red("problem:"), p)
	}
	for _, id := range r.Missing {
		fmt.Fprintf(w, "%s %s: directory does not exist\n", yellow("missing:"), id)
	}
	for _, dir := range r.Untracked {
		fmt.Fprintf(w, "%s %s: git worktree has no registry entry\n", yellow("untracked:"), dir)
	}
	return nil
}

func runValidateEntry(ctx context.Context, w io.Writer, c *coordinator.Coordinator, id string) error {
	r, err := c.Readiness(ctx, id)
	if err != nil {
		return err
	}
	if err := printReadiness(w, r); err != nil {
		return err
	}
	if !r.Ready {
		return model.NewCLIError(model.ExitNotReady, fmt.Sprintf("worktree %q is not ready to merge", id))
	}
	return nil
}

func printReadiness(w io.Writer, r *merge.Readiness) error {
	if IsJSONOutput() {
		return printJSON(w, r)
	}
	for _, ch := range r.Checks {
		mark := green("ok  ")
		if !ch.OK {
			mark = red("FAIL")
		}
		if ch.Detail != "" {
			fmt.Fprintf(w, "%s %-24s %s\n", mark, ch.Name, dim(ch.Detail))
		} else {
			fmt.Fprintf(w, "%s %s\n", mark, ch.Name)
		}
	}
	if r.Ready {
		fmt.Fprintf(w, "%s is ready to merge\n", bold(r.WorktreeID))
	}
	return nil
}
