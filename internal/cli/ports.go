// Package cli: ports.go implements the "worktree-registry ports" command
// group: allocate, release and free.
package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// NewPortsCommand creates the "ports" cobra command and its subcommands.
func NewPortsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Allocate, release and count service ports",
		Long: `Manage port allocations directly.

Ports are normally allocated by create and released by remove; these
subcommands adjust an existing worktree.

Examples:
  worktree-registry ports allocate feature-auth api
  worktree-registry ports release 8101
  worktree-registry ports free`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "allocate <id> <service>",
			Short: "Reserve the lowest free port of a service for a worktree",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
					return runAllocate(ctx, cmd.OutOrStdout(), c, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "release <port>",
			Short: "Release a port",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
					return runRelease(ctx, cmd.OutOrStdout(), c, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "free",
			Short: "Count the free ports of every service range",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
					return runFree(ctx, cmd.OutOrStdout(), c)
				})
			},
		},
	)
	return cmd
}

func runAllocate(ctx context.Context, w io.Writer, c *coordinator.Coordinator, id, svcArg string) error {
	svc, err := model.ParseService(svcArg)
	if err != nil {
		return model.WrapCLIError(model.ExitValidation, "invalid service", err)
	}
	a, err := c.AllocatePort(ctx, id, svc)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(w, a)
	}
	fmt.Fprintf(w, "%s %s\n", green("Allocated"), a.String())
	return nil
}

func runRelease(ctx context.Context, w io.Writer, c *coordinator.Coordinator, arg string) error {
	p, err := strconv.Atoi(arg)
	if err != nil || p < 1 || p > 65535 {
		return model.NewCLIError(model.ExitValidation, fmt.Sprintf("invalid port %q", arg))
	}
	released, err := c.ReleasePort(ctx, p)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(w, map[string]any{"port": p, "released": released})
	}
	if released {
		fmt.Fprintf(w, "%s port %d\n", green("Released"), p)
	} else {
		fmt.Fprintf(w, "Port %d was not allocated\n", p)
	}
	return nil
}

func runFree(ctx context.Context, w io.Writer, c *coordinator.Coordinator) error {
	free, err := c.FreePorts(ctx)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(w, free)
	}
	ranges := c.Store().Ranges()
	fmt.Fprintf(w, "%-10s %-13s %s\n", "SERVICE", "RANGE", "FREE")
	for _, svc := range model.Services {
		n, ok := free[svc]
		if !ok {
			continue
		}
		count := strconv.Itoa(n)
		if n == 0 {
			count = red(count)
		}
		fmt.Fprintf(w, "%-10s %-13s %s\n", svc, ranges[svc], count)
	}
	return nil
}
