// Package worktree is the git-backed implementation of the VCS oracle and
// workspace operations used by worktree-registry.
//
// All Git operations are performed via os/exec calls to the git binary,
// rather than using a Git library like go-git. This approach:
//   - Avoids CGO dependencies (libgit2)
//   - Uses the exact same Git behavior the user sees in their terminal
//   - Requires Git >= 2.31 (rev-parse --path-format)
//
// Manager answers the read-only questions the registry asks (branch
// existence, ahead/behind counts, changed files, trial rebases) and
// performs the mutating worktree operations behind create, remove and
// rebase. Trial rebases run in a throwaway detached worktree, so the
// caller's checkouts are never touched.
package worktree
