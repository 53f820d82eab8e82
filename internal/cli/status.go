// Package cli: status.go implements the "worktree-registry status" command.
//
// status prints counts per lifecycle state, the usage of every service
// range, and one line per entry. With --watch it reprints whenever the
// registry file changes until interrupted.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
)

type statusFlags struct {
	watch bool
}

// NewStatusCommand creates the "status" cobra command.
func NewStatusCommand() *cobra.Command {
	flags := &statusFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a summary of the registry",
		Long: `Show entry counts, port range usage and every registered worktree.

Containers labelled with a worktree id are listed when Docker is reachable.

Examples:
  worktree-registry status
  worktree-registry status --watch`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runStatus(ctx, cmd.OutOrStdout(), c, flags)
			})
		},
	}

	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "Reprint whenever the registry changes")

	return cmd
}

func runStatus(ctx context.Context, w io.Writer, c *coordinator.Coordinator, flags *statusFlags) error {
	report, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if err := printStatus(w, report, c.Store().Now()); err != nil {
		return err
	}
	if !flags.watch {
		return nil
	}

	err = c.Watch(ctx, func(d *registry.Document) {
		if !IsJSONOutput() {
			fmt.Fprintf(w, "\n%s\n", dim(fmt.Sprintf("--- registry version %d ---", d.Version)))
		}
		_ = printStatus(w, c.StatusOf(ctx, d), c.Store().Now())
	})
	if ctx.Err() != nil {
		// interrupted watch is a normal exit
		return nil
	}
	return err
}

func printStatus(w io.Writer, r *coordinator.StatusReport, now time.Time) error {
	if IsJSONOutput() {
		return printJSON(w, r)
	}

	fmt.Fprintf(w, "Registry version %d: %d active, %d locked, %d pending removal\n",
		r.Version,
		r.Counts[model.StatusActive],
		r.Counts[model.StatusLocked],
		r.Counts[model.StatusPendingRemoval])

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-10s %-13s %s\n", "SERVICE", "RANGE", "USED")
	for _, s := range r.Services {
		used := fmt.Sprintf("%d/%d", s.Allocated, s.Capacity)
		if s.Allocated >= s.Capacity {
			used = red(used)
		}
		fmt.Fprintf(w, "%-10s %-13s %s\n", s.Service, s.Range, used)
	}

	fmt.Fprintln(w)
	printListText(w, r.Entries, now)

	if len(r.Containers) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Containers:")
		for _, v := range r.Entries {
			for _, ct := range r.Containers[v.ID] {
				fmt.Fprintf(w, "  %-24s %-24s %s\n", v.ID, ct.Name, ct.State)
			}
		}
	}
	return nil
}
