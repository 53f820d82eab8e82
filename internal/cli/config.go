// Package cli: config.go implements the "worktree-registry config" command
// group: init writes the defaults to a file, show prints the resolved
// configuration.
package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/config"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// NewConfigCommand creates the "config" cobra command.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or show the configuration",
		Long: `Settings are read from built-in defaults, then
<repo>/.worktree-registry/config.yaml (or config.jsonc), then WTREG_*
environment variables.

Examples:
  worktree-registry config init
  worktree-registry config show --json`,
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRepo(cmd.Context())
			if err != nil {
				return err
			}
			return runConfigInit(cmd.OutOrStdout(), root, force)
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	cmd.AddCommand(
		initCmd,
		&cobra.Command{
			Use:   "show",
			Short: "Print the resolved configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, cfg, err := loadConfig(cmd.Context())
				if err != nil {
					return err
				}
				return runConfigShow(cmd.OutOrStdout(), cfg)
			},
		},
	)
	return cmd
}

func runConfigInit(w io.Writer, root string, force bool) error {
	path := configFlag
	if path == "" {
		path = filepath.Join(root, config.DefaultDir, "config.yaml")
	}
	if err := config.WriteDefault(path, force); err != nil {
		return model.WrapCLIError(model.ExitValidation, "failed to write configuration", err)
	}
	if IsJSONOutput() {
		return printJSON(w, map[string]string{"path": path})
	}
	fmt.Fprintf(w, "%s %s\n", green("Wrote"), path)
	return nil
}

func runConfigShow(w io.Writer, cfg *config.Config) error {
	if IsJSONOutput() {
		return printJSON(w, cfg.Tree())
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	if cfg.Source != "" {
		fmt.Fprintf(w, "# %s\n", cfg.Source)
	}
	_, err = w.Write(data)
	return err
}
