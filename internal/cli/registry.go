// Package cli: registry.go implements the "worktree-registry registry"
// command group for inspecting and restoring registry backups.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// NewRegistryCommand creates the "registry" cobra command.
func NewRegistryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and restore registry backups",
		Long: `Every registry write keeps the previous document as a backup generation.

Examples:
  worktree-registry registry backups
  worktree-registry registry restore registry-20261019T101500.000000000Z-v42.json`,
	}

	var yes bool
	restore := &cobra.Command{
		Use:   "restore <backup>",
		Short: "Replace the registry with a backup generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runRestore(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), c, args[0], yes)
			})
		},
	}
	restore.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "backups",
			Short: "List retained backup generations, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCoordinator(cmd, func(_ context.Context, c *coordinator.Coordinator) error {
					return runBackups(cmd.OutOrStdout(), c)
				})
			},
		},
		restore,
	)
	return cmd
}

func runBackups(w io.Writer, c *coordinator.Coordinator) error {
	backups, err := c.Backups()
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(w, map[string]any{"backups": backups})
	}
	if len(backups) == 0 {
		fmt.Fprintln(w, "No backups.")
		return nil
	}
	now := c.Store().Now()
	fmt.Fprintf(w, "%-8s %-6s %s\n", "VERSION", "AGE", "NAME")
	for _, b := range backups {
		fmt.Fprintf(w, "%-8d %-6s %s\n", b.Version, age(now, b.TakenAt), b.Name)
	}
	return nil
}

func runRestore(ctx context.Context, in io.Reader, w io.Writer, c *coordinator.Coordinator, name string, yes bool) error {
	if !yes && !IsJSONOutput() {
		fmt.Fprintf(w, "Replace %s with backup %s? [y/N] ", c.Store().Path(), name)
		ok, err := readYes(in)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !ok {
			return model.NewCLIError(model.ExitUserCancelled, "operation cancelled by user")
		}
	}
	doc, err := c.RestoreBackup(ctx, name)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(w, map[string]any{"restored": name, "version": doc.Version, "worktrees": len(doc.Worktrees)})
	}
	fmt.Fprintf(w, "%s registry from %s (version %d, %d worktrees)\n", green("Restored"), name, doc.Version, len(doc.Worktrees))
	return nil
}
