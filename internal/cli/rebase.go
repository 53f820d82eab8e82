// Package cli: rebase.go implements the "worktree-registry rebase" command.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// NewRebaseCommand creates the "rebase" cobra command.
func NewRebaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebase <id>",
		Short: "Rebase a worktree onto trunk",
		Long: `Rebase a worktree's branch onto the configured trunk.

The working tree must be clean. If the rebase stops on conflicts it is
aborted, the conflicting files are listed, and the command exits 10.

Examples:
  worktree-registry rebase feature-auth`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runRebase(ctx, cmd.OutOrStdout(), c, args[0])
			})
		},
	}
}

func runRebase(ctx context.Context, w io.Writer, c *coordinator.Coordinator, id string) error {
	res, err := c.Rebase(ctx, id)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		if err := printJSON(w, res); err != nil {
			return err
		}
	} else if res.Rebased {
		fmt.Fprintf(w, "%s %s onto %s\n", green("Rebased"), bold(id), c.Config().Merge.Trunk)
	} else {
		fmt.Fprintf(w, "%s rebase of %s stopped on conflicts and was aborted:\n", red("Failed:"), bold(id))
		for _, f := range res.Conflicts {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
	if !res.Rebased {
		return model.NewCLIError(model.ExitNotReady, fmt.Sprintf("rebase of %q has conflicts", id))
	}
	return nil
}
