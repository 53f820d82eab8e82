// Package model defines the domain types and value objects for the
// worktree-registry CLI.
//
// This package contains pure data structures with no external dependencies.
// WorktreeEntry and PortAllocation are the persisted records of the registry
// document; MergeRecord is derived by the merge planner and never stored.
//
// The package also defines the error taxonomy shared by every component
// (ValidationError, ConflictError, ResourceExhaustedError, NotFoundError,
// BusyError, CorruptionError), the exit codes (ExitCode) and the CLIError
// type that carries an exit code to the process boundary.
package model
