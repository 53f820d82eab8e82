// Package cli: list.go implements the "worktree-registry list" command.
//
// The list command displays registered worktrees with their status and
// port allocations, as a text table or JSON array depending on --json.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// status filters entries by lifecycle state; repeatable.
	status []string

	// purpose filters entries by purpose.
	purpose string
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered worktrees",
		Long: `List registered worktrees and their ports.

Each worktree is shown with its id, branch, status, age and allocated ports.

Examples:
  worktree-registry list
  worktree-registry list --status active,locked
  worktree-registry list --purpose review --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runList(ctx, cmd.OutOrStdout(), c, flags)
			})
		},
	}

	cmd.Flags().StringSliceVar(&flags.status, "status", nil,
		"Filter by status: active, locked, pending_removal (default: all)")
	cmd.Flags().StringVar(&flags.purpose, "purpose", "", "Filter by purpose")

	return cmd
}

func runList(ctx context.Context, w io.Writer, c *coordinator.Coordinator, flags *listFlags) error {
	filter, err := flags.filter()
	if err != nil {
		return err
	}
	views, err := c.List(ctx, filter)
	if err != nil {
		return err
	}
	VerboseLog("Found %d entries", len(views))

	if IsJSONOutput() {
		return printJSON(w, map[string]any{"worktrees": views})
	}
	printListText(w, views, c.Store().Now())
	return nil
}

func (f *listFlags) filter() (coordinator.ListFilter, error) {
	var filter coordinator.ListFilter
	for _, s := range splitValues(f.status) {
		st, err := model.ParseEntryStatus(s)
		if err != nil {
			return filter, model.WrapCLIError(model.ExitValidation, "invalid --status value", err)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if f.purpose != "" {
		p, err := model.ParsePurpose(f.purpose)
		if err != nil {
			return filter, model.WrapCLIError(model.ExitValidation, "invalid --purpose value", err)
		}
		filter.Purpose = p
	}
	return filter, nil
}

// printListText outputs entries as an aligned table:
//
//	ID                BRANCH            STATUS   AGE  PORTS
//	feature-auth      feature/auth      active   3d   web=8000,api=8100
//	bugfix-login      bugfix/login      locked   2h   -
func printListText(w io.Writer, views []coordinator.EntryView, now time.Time) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No worktrees registered.")
		return
	}

	fmt.Fprintf(w, "%-24s %-24s %-16s %-6s %s\n", "ID", "BRANCH", "STATUS", "AGE", "PORTS")
	for _, v := range views {
		fmt.Fprintf(w, "%s%s%s%-6s %s\n",
			pad(v.ID, v.ID, 24),
			pad(v.Branch, v.Branch, 24),
			pad(v.Status.String(), statusText(v.Status), 16),
			age(now, v.CreatedAt),
			FormatPortsList(v.Allocations),
		)
	}
}
