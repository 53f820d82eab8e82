// Package cli: health.go implements the "worktree-registry health" command.
//
// Every allocated port is probed in tiers: is anything listening, is it
// the recorded process, does it answer HTTP (web and api only). The
// outcome is recorded on the allocation.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/health"
)

type healthFlags struct {
	watch    bool
	interval time.Duration
}

// NewHealthCommand creates the "health" cobra command.
func NewHealthCommand() *cobra.Command {
	flags := &healthFlags{}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every allocated port",
		Long: `Probe every allocated port and record its health.

With --watch the sweep repeats every --interval (default: health.interval
from the configuration) until interrupted.

Examples:
  worktree-registry health
  worktree-registry health --watch --interval 10s`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runHealth(ctx, cmd.OutOrStdout(), c, flags)
			})
		},
	}

	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "Repeat the sweep until interrupted")
	cmd.Flags().DurationVar(&flags.interval, "interval", 0, "Time between sweeps with --watch")

	return cmd
}

func runHealth(ctx context.Context, w io.Writer, c *coordinator.Coordinator, flags *healthFlags) error {
	if !flags.watch {
		results, err := c.Health(ctx)
		if err != nil {
			return err
		}
		return printHealth(w, results)
	}

	err := c.WatchHealth(ctx, flags.interval, func(results []health.Result, err error) {
		if err != nil {
			printError("health sweep failed", err)
			return
		}
		if !IsJSONOutput() {
			fmt.Fprintf(w, "\n%s\n", dim(c.Store().Now().Local().Format(time.TimeOnly)))
		}
		_ = printHealth(w, results)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printHealth(w io.Writer, results []health.Result) error {
	if IsJSONOutput() {
		return printJSON(w, map[string]any{"results": results})
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "No ports allocated.")
		return nil
	}
	fmt.Fprintf(w, "%-6s %-10s %-24s %-12s %s\n", "PORT", "SERVICE", "WORKTREE", "STATUS", "DETAIL")
	for _, r := range results {
		fmt.Fprintf(w, "%-6d %-10s %-24s %s%s\n",
			r.Port, r.Service, r.WorktreeID,
			pad(r.Status.String(), healthText(r.Status), 12),
			dim(r.Detail))
	}
	return nil
}
