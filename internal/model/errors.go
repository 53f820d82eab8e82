package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for errors.Is matching. Every typed error below reports
// itself as one of these, so callers can branch on the class without
// caring about the concrete type.
var (
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotFound          = errors.New("not found")
	ErrBusy              = errors.New("registry busy")
	ErrCorrupt           = errors.New("registry document corrupt")
)

// ValidationError reports one or more invariant violations on input.
// Nothing is written when it is returned.
type ValidationError struct {
	Problems []string
}

// NewValidationError builds a ValidationError from formatted problems.
func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "validation failed: " + e.Problems[0]
	}
	return fmt.Sprintf("validation failed: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictKind distinguishes the sources of a ConflictError.
type ConflictKind string

const (
	// ConflictVersion is an optimistic-concurrency version mismatch.
	ConflictVersion ConflictKind = "version"

	// ConflictStalePlan means an entry referenced by a plan or finding was
	// mutated after the plan was computed.
	ConflictStalePlan ConflictKind = "stale_plan"

	// ConflictPort means a port-conflict class was detected for an operation.
	ConflictPort ConflictKind = "port"
)

// ConflictError carries enough detail for the caller to re-read and retry,
// or to remediate.
type ConflictError struct {
	Kind     ConflictKind
	Expected int64
	Actual   int64
	Detail   string
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictVersion:
		return fmt.Sprintf("conflict: registry version changed (read %d, now %d); re-read and retry", e.Expected, e.Actual)
	case ConflictStalePlan:
		return fmt.Sprintf("conflict: %s (revision %d, now %d); recompute before acting", e.Detail, e.Expected, e.Actual)
	default:
		return "conflict: " + e.Detail
	}
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ResourceExhaustedError is returned when every port of a service range is
// occupied, either by a registry record or by an unrelated process.
type ResourceExhaustedError struct {
	Service Service
	Range   PortRange
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("no free %s port in range %s", e.Service, e.Range)
}

// Is reports whether target is ErrResourceExhausted.
func (e *ResourceExhaustedError) Is(target error) bool {
	return target == ErrResourceExhausted
}

// NotFoundError reports a missing entry. Release and Delete treat a missing
// target as a no-op; Update reports it.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// BusyError is returned when the registry lock could not be acquired within
// the bounded retry window.
type BusyError struct {
	LockPath string
	Waited   time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("registry busy: lock %s still held after %s; try again", e.LockPath, e.Waited.Round(time.Millisecond))
}

// Is reports whether target is ErrBusy.
func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// CorruptionError reports a malformed registry document. It is fatal and
// is never repaired automatically; Backup points at the newest
// last-known-good generation, if any.
type CorruptionError struct {
	Path   string
	Backup string
	Err    error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("registry document %s is corrupt: %v", e.Path, e.Err)
	if e.Backup != "" {
		msg += fmt.Sprintf(" (last known good backup: %s; restore with `worktree-registry registry restore %s`)", e.Backup, e.Backup)
	} else {
		msg += " (no backup available)"
	}
	return msg
}

// Unwrap returns the decode error.
func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrCorrupt.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupt
}

// ExitCode defines standard CLI exit codes. These codes allow scripts and
// agents to determine the outcome of a command without parsing output.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitValidation indicates an invariant violation on input.
	ExitValidation ExitCode = 2

	// ExitConflict indicates a version mismatch or a port conflict.
	ExitConflict ExitCode = 3

	// ExitPortAllocationFailed indicates a service range is exhausted.
	ExitPortAllocationFailed ExitCode = 4

	// ExitGitError indicates a Git operation failed.
	ExitGitError ExitCode = 5

	// ExitEntryNotFound indicates the specified worktree does not exist.
	ExitEntryNotFound ExitCode = 6

	// ExitUserCancelled indicates the user cancelled an interactive prompt.
	ExitUserCancelled ExitCode = 7

	// ExitBusy indicates the registry lock could not be acquired in time.
	ExitBusy ExitCode = 8

	// ExitRegistryCorrupt indicates the registry document is malformed.
	ExitRegistryCorrupt ExitCode = 9

	// ExitNotReady indicates merge readiness validation failed.
	ExitNotReady ExitCode = 10
)

// ExitCodeFor maps an error from any component to the exit code the CLI
// should return. CLIError codes win; otherwise the taxonomy decides.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return ExitValidation
	case errors.Is(err, ErrConflict):
		return ExitConflict
	case errors.Is(err, ErrResourceExhausted):
		return ExitPortAllocationFailed
	case errors.Is(err, ErrNotFound):
		return ExitEntryNotFound
	case errors.Is(err, ErrBusy):
		return ExitBusy
	case errors.Is(err, ErrCorrupt):
		return ExitRegistryCorrupt
	default:
		return ExitGeneralError
	}
}

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
