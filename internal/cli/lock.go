// Package cli: lock.go implements the status transition commands "lock",
// "unlock" and "restore-entry".
//
// A locked worktree is exempt from cleanup and cannot be removed without
// --force. restore-entry returns a pending_removal entry to active before
// its grace period runs out.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

type transitionFunc func(*coordinator.Coordinator, context.Context, string) (*model.WorktreeEntry, error)

// NewLockCommand creates the "lock" cobra command.
func NewLockCommand() *cobra.Command {
	return newTransitionCommand(
		"lock <id>",
		"Protect a worktree from cleanup and removal",
		`Mark an active worktree as locked.

Locked worktrees are skipped by cleanup and need --force to be removed.
Locking an already locked worktree is a no-op.

Examples:
  worktree-registry lock feature-auth`,
		(*coordinator.Coordinator).Lock,
	)
}

// NewUnlockCommand creates the "unlock" cobra command.
func NewUnlockCommand() *cobra.Command {
	return newTransitionCommand(
		"unlock <id>",
		"Return a locked worktree to active",
		`Return a locked worktree to active.

Examples:
  worktree-registry unlock feature-auth`,
		(*coordinator.Coordinator).Unlock,
	)
}

// NewRestoreEntryCommand creates the "restore-entry" cobra command.
func NewRestoreEntryCommand() *cobra.Command {
	return newTransitionCommand(
		"restore-entry <id>",
		"Cancel a pending removal",
		`Return a pending_removal worktree to active, keeping its ports.

Examples:
  worktree-registry restore-entry experiment-cache`,
		(*coordinator.Coordinator).RestoreEntry,
	)
}

func newTransitionCommand(use, short, long string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				e, err := fn(c, ctx, args[0])
				if err != nil {
					return err
				}
				return printTransition(cmd.OutOrStdout(), e)
			})
		},
	}
}

func printTransition(w io.Writer, e *model.WorktreeEntry) error {
	if IsJSONOutput() {
		return printJSON(w, e)
	}
	fmt.Fprintf(w, "%s is now %s\n", bold(e.ID), statusText(e.Status))
	return nil
}
