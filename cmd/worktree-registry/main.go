// Package main is the entry point for the worktree-registry CLI.
//
// This binary tracks the Git worktrees of a repository, the ports they
// hold and their merge readiness. It delegates all functionality to the
// internal/cli package, which defines cobra commands.
//
// Build-time variables (version, commit, date) are injected via ldflags
// by GoReleaser during the release process.
package main

import (
	"github.com/shinji-kodama/worktree-registry/internal/cli"
)

// version, commit, and date are set by GoReleaser at build time
// via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand()
	cli.Execute(rootCmd)
}
