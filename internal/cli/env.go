// Package cli: env.go implements the "worktree-registry env" command.
//
// env prints the environment a worktree's services should be started
// with, e.g. `eval "$(worktree-registry env feature-auth --export)"`.
// With --labels it prints the Docker labels that attribute containers to
// the worktree instead, one per line, for `docker run --label-file`.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/docker"
)

type envFlags struct {
	export bool
	labels bool
}

// NewEnvCommand creates the "env" cobra command.
func NewEnvCommand() *cobra.Command {
	flags := &envFlags{}

	cmd := &cobra.Command{
		Use:   "env <id>",
		Short: "Print a worktree's environment variables",
		Long: `Print WORKTREE_ID, WORKTREE_BRANCH and one <SERVICE>_PORT variable per
allocated port.

Examples:
  eval "$(worktree-registry env feature-auth --export)"
  worktree-registry env feature-auth --labels > labels.txt
  docker run --label-file labels.txt ...`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runEnv(ctx, cmd.OutOrStdout(), c, args[0], flags)
			})
		},
	}

	cmd.Flags().BoolVar(&flags.export, "export", false, "Prefix each line with export")
	cmd.Flags().BoolVar(&flags.labels, "labels", false, "Print Docker labels instead of variables")

	return cmd
}

func runEnv(ctx context.Context, w io.Writer, c *coordinator.Coordinator, id string, flags *envFlags) error {
	env, err := c.Env(ctx, id)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(w, env)
	}

	if flags.labels {
		for _, line := range docker.FormatLabels(env.Labels) {
			fmt.Fprintln(w, line)
		}
		return nil
	}
	prefix := ""
	if flags.export {
		prefix = "export "
	}
	for _, v := range env.Vars {
		fmt.Fprintf(w, "%s%s=%s\n", prefix, v.Name, shellQuote(v.Value))
	}
	return nil
}

// shellQuote single-quotes s when it contains anything beyond a safe
// character set.
func shellQuote(s string) string {
	safe := s != ""
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' || r == '/') {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, `'\''`...)
			continue
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
