// Package cli implements the cobra-based CLI commands for worktree-registry.
//
// Each subcommand is defined in its own file within this package and maps
// onto one coordinator operation. This file defines the root command that
// serves as the parent for all subcommands and handles global flags, error
// formatting and exit codes.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-registry/internal/config"
	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/telemetry"
	"github.com/shinji-kodama/worktree-registry/internal/worktree"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	// When true, all output uses structured JSON format for machine consumption.
	jsonOutput bool

	// verbose lowers the log level to Debug.
	verbose bool

	// repoFlag points at any directory inside the repository. Defaults to
	// the working directory.
	repoFlag string

	// configFlag names an explicit config file.
	configFlag string
)

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
//
// The root command itself does not perform any action. It only provides
// help text and global flags; functionality lives in the subcommands.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "worktree-registry",
		Short: "Registry of Git worktrees, their ports and their merge readiness",
		Long: `worktree-registry tracks every isolated Git worktree of a repository in a
shared registry, reserves conflict-free TCP ports for each one, finds
worktrees that have gone stale, and proposes a merge order for their branches.

The registry lives in <repo>/.worktree-registry/registry.json and is safe to
use from several terminals or agents at once.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		// We handle error output ourselves for cleaner UX.
		SilenceUsage: true,

		// SilenceErrors prevents cobra from printing errors automatically.
		// We format errors ourselves (text or JSON based on --json flag).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	// PersistentFlags are inherited by all subcommands.
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "Repository to operate on (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: <repo>/.worktree-registry/config.yaml)")

	rootCmd.AddCommand(
		NewCreateCommand(),
		NewRemoveCommand(),
		NewListCommand(),
		NewStatusCommand(),
		NewValidateCommand(),
		NewCleanupCommand(),
		NewPlanCommand(),
		NewRebaseCommand(),
		NewLockCommand(),
		NewUnlockCommand(),
		NewRestoreEntryCommand(),
		NewPortsCommand(),
		NewConflictsCommand(),
		NewHealthCommand(),
		NewEnvCommand(),
		NewRegistryCommand(),
		NewConfigCommand(),
	)

	return rootCmd
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// Interrupts cancel the command's context; sweeps and watchers stop
// cleanly. Errors are translated into exit codes by model.ExitCodeFor.
func Execute(rootCmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := telemetry.Init(ctx); err != nil {
		VerboseLog("telemetry disabled: %v", err)
	}

	err := rootCmd.ExecuteContext(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	telemetry.Shutdown(shutdownCtx)
	cancel()
	stop()

	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		os.Exit(int(model.ExitUserCancelled))
	}

	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		printError(cliErr.Message, cliErr.Err)
	} else {
		printError(err.Error(), nil)
	}
	os.Exit(int(model.ExitCodeFor(err)))
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]any{
			"error": map[string]any{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]any); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		// stderr even in JSON mode: stdout is reserved for successful output.
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}
	if underlying != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
func VerboseLog(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// newLogger returns the structured logger handed to every component:
// text on stderr, Info level, Debug with --verbose.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if jsonOutput && !verbose {
		// keep stderr quiet for scripts unless asked
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// resolveRepo returns the trunk checkout of the repository selected by
// --repo or the working directory.
func resolveRepo(ctx context.Context) (string, error) {
	dir := repoFlag
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", model.WrapCLIError(model.ExitGeneralError, "failed to get current directory", err)
		}
		dir = cwd
	}
	root, err := worktree.MainRepoRoot(ctx, dir)
	if err != nil {
		return "", model.WrapCLIError(model.ExitGitError, "not inside a Git repository", err)
	}
	VerboseLog("Repository: %s", root)
	return root, nil
}

// loadConfig resolves the repository and its configuration.
func loadConfig(ctx context.Context) (string, *config.Config, error) {
	root, err := resolveRepo(ctx)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(root, configFlag)
	if err != nil {
		return "", nil, err
	}
	if cfg.Source != "" {
		VerboseLog("Config: %s", cfg.Source)
	}
	return root, cfg, nil
}

// openCoordinator builds the coordinator for the selected repository.
// Callers must Close it.
func openCoordinator(ctx context.Context) (*coordinator.Coordinator, error) {
	root, cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return coordinator.Open(ctx, root, cfg, newLogger(os.Stderr))
}

// withCoordinator opens a coordinator, runs fn and closes it.
func withCoordinator(cmd *cobra.Command, fn func(context.Context, *coordinator.Coordinator) error) error {
	ctx := cmd.Context()
	c, err := openCoordinator(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}
