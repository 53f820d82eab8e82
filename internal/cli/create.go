// Package cli: create.go implements the "worktree-registry create" command.
//
// The create command checks out a new Git worktree next to the trunk
// checkout, registers it and reserves one port per requested service.
// If registration fails after the checkout, the checkout is removed again.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// createFlags holds the flag values for the create command.
// These are bound to cobra flags in NewCreateCommand.
type createFlags struct {
	branch     string   // --branch: branch to check out (default: <purpose>/<name>)
	base       string   // --base: start point for a new branch
	path       string   // --path: worktree path relative to the trunk's parent
	services   []string // --services: services that need a port
	ref        string   // --ref: issue or pull request reference
	notes      string   // --notes: free text
	noCheckout bool     // --no-checkout: register only
}

// NewCreateCommand creates the "create" cobra command.
func NewCreateCommand() *cobra.Command {
	flags := &createFlags{}

	cmd := &cobra.Command{
		Use:   "create <purpose> <name>",
		Short: "Create and register a new worktree",
		Long: `Create a Git worktree for a new line of work and register it.

The worktree id is <purpose>-<name>. Purpose is one of review, feature,
bugfix, test, hotfix or experiment. Each service listed with --services gets
the lowest free port of its configured range.

Examples:
  worktree-registry create feature auth --services web,api
  worktree-registry create bugfix login-redirect --base release/1.4
  worktree-registry create review pr-142 --branch pr/142 --ref GH-142`,

		Args: cobra.ExactArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runCreate(ctx, cmd.OutOrStdout(), c, args[0], args[1], flags)
			})
		},
	}

	cmd.Flags().StringVar(&flags.branch, "branch", "", "Branch to check out (default: <purpose>/<name>)")
	cmd.Flags().StringVar(&flags.base, "base", "", "Start point when the branch does not exist (default: HEAD)")
	cmd.Flags().StringVar(&flags.path, "path", "", "Worktree path relative to the trunk's parent (default: <repo>-<id>)")
	cmd.Flags().StringSliceVarP(&flags.services, "services", "s", nil, "Services to reserve ports for (e.g. web,api)")
	cmd.Flags().StringVar(&flags.ref, "ref", "", "Issue or pull request reference")
	cmd.Flags().StringVar(&flags.notes, "notes", "", "Free-form notes")
	cmd.Flags().BoolVar(&flags.noCheckout, "no-checkout", false, "Register without running git")

	return cmd
}

func runCreate(ctx context.Context, w io.Writer, c *coordinator.Coordinator, purposeArg, name string, flags *createFlags) error {
	purpose, err := model.ParsePurpose(purposeArg)
	if err != nil {
		return model.WrapCLIError(model.ExitValidation, "invalid purpose", err)
	}
	services, err := parseServices(flags.services)
	if err != nil {
		return err
	}

	VerboseLog("Creating %s-%s with services %v", purpose, name, services)
	res, err := c.Create(ctx, coordinator.CreateRequest{
		Purpose:    purpose,
		Name:       name,
		Branch:     flags.branch,
		Base:       flags.base,
		Path:       flags.path,
		Services:   services,
		Metadata:   model.Metadata{ExternalRef: flags.ref, Notes: flags.notes},
		NoCheckout: flags.noCheckout,
	})
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(w, res)
	}
	fmt.Fprintf(w, "%s worktree %s\n", green("Created"), bold(res.Entry.ID))
	fmt.Fprintf(w, "  Path:   %s\n", res.Dir)
	fmt.Fprintf(w, "  Branch: %s\n", res.Entry.Branch)
	fmt.Fprintf(w, "  Ports:  %s\n", FormatPortsList(res.Allocations))
	return nil
}
