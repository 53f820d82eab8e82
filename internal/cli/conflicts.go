// Package cli: conflicts.go implements the "worktree-registry conflicts" command.
//
// conflicts compares the registry's allocations with what is actually
// listening on the host and reports three kinds of disagreement:
// registry_conflict (one port recorded twice), system_conflict (a foreign
// process holds an allocated port) and allocation_mismatch (the recorded
// owner is no longer serving it).
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/port"
)

type conflictsFlags struct {
	fix bool
}

// NewConflictsCommand creates the "conflicts" cobra command.
func NewConflictsCommand() *cobra.Command {
	flags := &conflictsFlags{}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Detect port conflicts between the registry and the host",
		Long: `Detect port conflicts between the registry and the host.

With --fix, duplicate registry records are reduced to the earliest one and
mismatched allocations are marked not_running. System conflicts always need
an operator. Exits 3 while conflicts remain.

Examples:
  worktree-registry conflicts
  worktree-registry conflicts --fix`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runConflicts(ctx, cmd.OutOrStdout(), c, flags)
			})
		},
	}

	cmd.Flags().BoolVar(&flags.fix, "fix", false, "Apply automatic remediations")

	return cmd
}

func runConflicts(ctx context.Context, w io.Writer, c *coordinator.Coordinator, flags *conflictsFlags) error {
	r, err := c.Conflicts(ctx, flags.fix)
	if err != nil {
		return err
	}
	if err := printConflicts(w, r); err != nil {
		return err
	}

	remaining := len(r.Conflicts)
	if r.Remediation != nil {
		remaining -= len(r.Remediation.Applied)
	}
	if remaining > 0 {
		return model.NewCLIError(model.ExitConflict, fmt.Sprintf("%d port conflict(s) need attention", remaining))
	}
	return nil
}

func printConflicts(w io.Writer, r *coordinator.ConflictReport) error {
	if IsJSONOutput() {
		return printJSON(w, r)
	}
	if len(r.Conflicts) == 0 {
		fmt.Fprintln(w, "No port conflicts.")
		return nil
	}
	for _, cf := range r.Conflicts {
		fmt.Fprintf(w, "%s%-6d %s\n", pad(string(cf.Class), classText(cf.Class), 20), cf.Port, cf.Detail)
	}
	if r.Remediation != nil {
		fmt.Fprintf(w, "\n%s %d, %s %d\n",
			green("fixed:"), len(r.Remediation.Applied),
			yellow("left for the operator:"), len(r.Remediation.Skipped))
	}
	return nil
}

func classText(c port.Class) string {
	switch c {
	case port.SystemConflict:
		return red(string(c))
	default:
		return yellow(string(c))
	}
}
