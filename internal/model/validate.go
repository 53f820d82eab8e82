package model

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// idRegex validates worktree IDs: "<purpose>-<identifier>" where the
// identifier is lowercase alphanumeric with inner hyphens.
var idRegex = regexp.MustCompile(`^(review|feature|bugfix|test|hotfix|experiment)-[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateID checks that id follows the "purpose-identifier" convention
// and that its prefix agrees with purpose.
func ValidateID(id string, purpose Purpose) error {
	if id == "" {
		return fmt.Errorf("worktree id must not be empty")
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("invalid worktree id %q: must be <purpose>-<identifier> using lowercase letters, digits and hyphens", id)
	}
	if purpose != "" && !strings.HasPrefix(id, string(purpose)+"-") {
		return fmt.Errorf("worktree id %q does not match purpose %q", id, purpose)
	}
	return nil
}

// ValidatePath checks a worktree path. Paths are relative to the directory
// containing the trunk checkout; trunkDir is the trunk checkout's own name
// within that directory (e.g. "myrepo"). A path equal to or nested inside
// trunkDir is rejected.
func ValidatePath(path, trunkDir string) error {
	if path == "" {
		return fmt.Errorf("worktree path must not be empty")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("worktree path %q must be relative", path)
	}
	clean := filepath.Clean(path)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("worktree path %q escapes the worktree base directory", path)
	}
	if trunkDir != "" {
		first, _, _ := strings.Cut(filepath.ToSlash(clean), "/")
		if first == trunkDir {
			return fmt.Errorf("worktree path %q is nested inside the trunk checkout %q", path, trunkDir)
		}
	}
	return nil
}

// branchBadRegex matches characters git refuses in branch names.
var branchBadRegex = regexp.MustCompile(`[\s~^:?*\[\\]|\.\.|@\{|//`)

// ValidateBranch performs the syntactic subset of git check-ref-format
// that matters for registry records.
func ValidateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch must not be empty")
	}
	if branchBadRegex.MatchString(branch) ||
		strings.HasPrefix(branch, "-") || strings.HasPrefix(branch, "/") ||
		strings.HasSuffix(branch, "/") || strings.HasSuffix(branch, ".lock") ||
		strings.HasSuffix(branch, ".") {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	return nil
}

// EntryProblems returns every structural problem of a single entry:
// required fields, enum values and naming conventions. It does not check
// cross-entry uniqueness; that is the registry document's job.
func EntryProblems(e *WorktreeEntry, trunkDir string) []string {
	var problems []string
	if !e.Purpose.IsValid() {
		problems = append(problems, fmt.Sprintf("entry %q: invalid purpose %q", e.ID, e.Purpose))
	}
	if err := ValidateID(e.ID, e.Purpose); err != nil {
		problems = append(problems, err.Error())
	}
	if err := ValidatePath(e.Path, trunkDir); err != nil {
		problems = append(problems, fmt.Sprintf("entry %q: %v", e.ID, err))
	}
	if err := ValidateBranch(e.Branch); err != nil {
		problems = append(problems, fmt.Sprintf("entry %q: %v", e.ID, err))
	}
	if !e.Status.IsValid() {
		problems = append(problems, fmt.Sprintf("entry %q: invalid status %q", e.ID, e.Status))
	}
	if e.CreatedAt.IsZero() {
		problems = append(problems, fmt.Sprintf("entry %q: created_at must be set", e.ID))
	}
	return problems
}
