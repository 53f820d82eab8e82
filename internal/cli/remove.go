// Package cli: remove.go implements the "worktree-registry remove" command.
//
// A hard remove deletes the Git worktree, the registry entry and every
// port it holds. A soft remove (--soft) only marks the entry
// pending_removal; the next cleanup deletes it once the grace period has
// passed, and restore-entry brings it back before that.
//
// By default a hard remove prompts for confirmation. --yes skips the
// prompt; --force also skips it and removes locked entries and dirty
// checkouts.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// removeFlags holds the flag values for the remove command.
type removeFlags struct {
	force        bool
	yes          bool
	soft         bool
	keepWorktree bool
}

// NewRemoveCommand creates the "remove" cobra command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a worktree and release its ports",
		Long: `Remove a worktree, its registry entry and its port allocations.

Use --soft to mark the entry pending_removal instead; cleanup deletes it
after the grace period. Locked entries need --force.

Examples:
  worktree-registry remove feature-auth
  worktree-registry remove --soft experiment-cache
  worktree-registry remove --keep-worktree --yes bugfix-login`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runRemove(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), c, args[0], flags)
			})
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove locked entries and dirty checkouts without confirmation")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&flags.soft, "soft", false, "Mark pending_removal instead of deleting")
	cmd.Flags().BoolVar(&flags.keepWorktree, "keep-worktree", false, "Keep the Git worktree directory")

	return cmd
}

func runRemove(ctx context.Context, in io.Reader, w io.Writer, c *coordinator.Coordinator, id string, flags *removeFlags) error {
	if !flags.soft && !flags.force && !flags.yes && !IsJSONOutput() {
		snap, err := c.Store().Snapshot(ctx)
		if err != nil {
			return err
		}
		e := snap.Entry(id)
		if e == nil {
			return &model.NotFoundError{Kind: "worktree", Key: id}
		}
		confirmed, err := promptConfirmation(in, w, e, c.AbsPath(e.Path), flags.keepWorktree)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitUserCancelled, "operation cancelled by user")
		}
	}

	res, err := c.Remove(ctx, id, coordinator.RemoveOptions{
		Soft:         flags.soft,
		Force:        flags.force,
		KeepCheckout: flags.keepWorktree,
	})
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(w, res)
	}
	if flags.soft {
		fmt.Fprintf(w, "Marked %s as %s\n", bold(id), statusText(res.Status))
		return nil
	}
	fmt.Fprintf(w, "%s worktree %s\n", green("Removed"), bold(id))
	if len(res.ReleasedPorts) > 0 {
		fmt.Fprintf(w, "  Released ports: %s\n", joinInts(res.ReleasedPorts))
	}
	return nil
}

// promptConfirmation asks the user to confirm a hard remove.
// It reads a single line and accepts "y" or "yes".
func promptConfirmation(in io.Reader, w io.Writer, e *model.WorktreeEntry, dir string, keepWorktree bool) (bool, error) {
	fmt.Fprintf(w, "About to remove worktree %q:\n", e.ID)
	fmt.Fprintf(w, "  - registry entry and %d port(s) will be released\n", len(e.Ports))
	if !keepWorktree {
		fmt.Fprintf(w, "  - Git worktree at %s will be removed\n", dir)
	}
	fmt.Fprint(w, "\nContinue? [y/N] ")
	return readYes(in)
}

// readYes reads one line and reports whether it is "y" or "yes". A closed
// input counts as "no".
func readYes(in io.Reader) (bool, error) {
	if in == nil {
		in = os.Stdin
	}
	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
	return false, scanner.Err()
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}
