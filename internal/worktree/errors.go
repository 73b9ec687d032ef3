// Package worktree manages per-task Git worktrees: one checkout per task,
// carved from a single project repository, tracked in the database so the
// mapping survives restarts. Locking is cooperative; callers that respect
// Lock/Unlock never share a checkout.
package worktree

import "errors"

var (
	// ErrWorktreeExists is returned when a task already has a worktree.
	ErrWorktreeExists = errors.New("worktree already exists for task")

	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrWorktreeLocked is returned when the worktree is held by another run.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
