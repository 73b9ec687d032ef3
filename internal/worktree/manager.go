package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
)

// Manager handles Git worktree operations for one project repository.
type Manager struct {
	config Config
	store  *Store
	logger *logger.Logger

	// gitMu serializes worktree mutations. git worktree add/remove touch
	// shared metadata under .git/worktrees in the parent repository.
	gitMu sync.Mutex
}

// NewManager creates a worktree manager and ensures the base directory exists.
func NewManager(cfg Config, store *Store, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config: cfg,
		store:  store,
		logger: log.WithFields(zap.String("component", "worktree-manager")),
	}, nil
}

// Create makes a new worktree for a task on the given branch. It fails with
// ErrWorktreeExists when the task already has one; Ensure is the forgiving
// variant executors use.
func (m *Manager) Create(ctx context.Context, taskID, branch string) (*Worktree, error) {
	if taskID == "" || branch == "" {
		return nil, fmt.Errorf("task ID and branch are required")
	}
	if _, err := m.store.Get(ctx, taskID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, taskID)
	} else if !errors.Is(err, ErrWorktreeNotFound) {
		return nil, err
	}

	if !isGitRepo(m.config.RepoPath) {
		return nil, ErrRepoNotGit
	}
	if !m.branchExists(ctx, m.config.BaseBranch) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, m.config.BaseBranch)
	}

	m.gitMu.Lock()
	defer m.gitMu.Unlock()
	return m.createWorktree(ctx, taskID, branch)
}

func (m *Manager) createWorktree(ctx context.Context, taskID, branch string) (*Worktree, error) {
	path, err := m.config.WorktreePath(taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree path: %w", err)
	}

	out, err := m.git(ctx, m.config.RepoPath, "worktree", "add", "-b", branch, path, m.config.BaseBranch)
	if err != nil {
		if !strings.Contains(out, "already exists") {
			return nil, err
		}
		// The branch survived an earlier checkout; reattach it instead of
		// failing, so retried transitions keep their commits.
		if _, err := m.git(ctx, m.config.RepoPath, "worktree", "add", path, branch); err != nil {
			return nil, err
		}
	}

	wt := &Worktree{TaskID: taskID, Path: path, Branch: branch}
	if err := m.store.Create(ctx, wt); err != nil {
		if cleanupErr := m.removeWorktreeDir(ctx, path); cleanupErr != nil {
			m.logger.Warn("failed to clean up worktree after persist failure", zap.Error(cleanupErr))
		}
		return nil, fmt.Errorf("failed to persist worktree: %w", err)
	}

	m.logger.Info("created worktree",
		zap.String("task_id", taskID),
		zap.String("path", path),
		zap.String("branch", branch))
	return wt, nil
}

// Ensure returns the task's worktree on the given branch, creating, repairing
// or re-branching the checkout as needed. A task keeps one checkout across
// modes; only the branch changes between runs.
func (m *Manager) Ensure(ctx context.Context, taskID, branch string) (*Worktree, error) {
	existing, err := m.store.Get(ctx, taskID)
	if errors.Is(err, ErrWorktreeNotFound) {
		wt, createErr := m.Create(ctx, taskID, branch)
		if errors.Is(createErr, ErrWorktreeExists) {
			// Lost a create race; the winner's worktree serves.
			return m.store.Get(ctx, taskID)
		}
		return wt, createErr
	}
	if err != nil {
		return nil, err
	}

	if !m.IsValid(existing.Path) {
		m.logger.Warn("worktree directory invalid, recreating",
			zap.String("task_id", taskID),
			zap.String("path", existing.Path))
		return m.recreate(ctx, existing, branch)
	}

	if existing.Branch != branch {
		if err := m.switchBranch(ctx, existing, branch); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// switchBranch moves a live checkout onto another branch, creating it off
// HEAD when it does not exist yet. Callers rebase onto origin afterwards, so
// the start point washes out.
func (m *Manager) switchBranch(ctx context.Context, wt *Worktree, branch string) error {
	out, err := m.git(ctx, wt.Path, "checkout", branch)
	if err != nil {
		if !strings.Contains(out, "did not match") {
			return err
		}
		if _, err := m.git(ctx, wt.Path, "checkout", "-b", branch); err != nil {
			return err
		}
	}

	wt.Branch = branch
	if err := m.store.Update(ctx, wt); err != nil {
		return fmt.Errorf("failed to update worktree record: %w", err)
	}

	m.logger.Info("switched worktree branch",
		zap.String("task_id", wt.TaskID),
		zap.String("branch", branch))
	return nil
}

// recreate rebuilds a checkout whose directory went missing or got corrupted.
func (m *Manager) recreate(ctx context.Context, wt *Worktree, branch string) (*Worktree, error) {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	if wt.Path != "" {
		if err := os.RemoveAll(wt.Path); err != nil {
			m.logger.Debug("failed to remove stale worktree path", zap.Error(err))
		}
	}
	if _, err := m.git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
		m.logger.Debug("git worktree prune failed", zap.Error(err))
	}

	path, err := m.config.WorktreePath(wt.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree path: %w", err)
	}

	// Reattach the branch if it survived; otherwise start it fresh from base.
	out, err := m.git(ctx, m.config.RepoPath, "worktree", "add", path, branch)
	if err != nil {
		if !strings.Contains(out, "invalid reference") {
			return nil, err
		}
		if _, err := m.git(ctx, m.config.RepoPath, "worktree", "add", "-b", branch, path, m.config.BaseBranch); err != nil {
			return nil, err
		}
	}

	wt.Path = path
	wt.Branch = branch
	if err := m.store.Update(ctx, wt); err != nil {
		return nil, fmt.Errorf("failed to update worktree record: %w", err)
	}

	m.logger.Info("recreated worktree",
		zap.String("task_id", wt.TaskID),
		zap.String("path", path),
		zap.String("branch", branch))
	return wt, nil
}

// Get returns the worktree for a task.
func (m *Manager) Get(ctx context.Context, taskID string) (*Worktree, error) {
	return m.store.Get(ctx, taskID)
}

// List returns all tracked worktrees.
func (m *Manager) List(ctx context.Context) ([]*Worktree, error) {
	return m.store.List(ctx)
}

// Lock marks the worktree as held. Locks are advisory: they serialize agent
// runs but nothing stops an operator's shell.
func (m *Manager) Lock(ctx context.Context, taskID string) error {
	return m.store.TryLock(ctx, taskID)
}

// Unlock releases the lock. A missing worktree is fine: deletion cascades
// race the unlock on run teardown.
func (m *Manager) Unlock(ctx context.Context, taskID string) error {
	err := m.store.Unlock(ctx, taskID)
	if errors.Is(err, ErrWorktreeNotFound) {
		return nil
	}
	return err
}

// Delete removes the checkout directory and the record. Deleting a missing
// worktree is a no-op.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	wt, err := m.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrWorktreeNotFound) {
			return nil
		}
		return err
	}

	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	if err := m.removeWorktreeDir(ctx, wt.Path); err != nil {
		m.logger.Warn("failed to remove worktree directory",
			zap.String("path", wt.Path),
			zap.Error(err))
	}
	if err := m.store.Delete(ctx, taskID); err != nil && !errors.Is(err, ErrWorktreeNotFound) {
		return err
	}

	m.logger.Info("removed worktree",
		zap.String("task_id", taskID),
		zap.String("path", wt.Path))
	return nil
}

// Cleanup removes checkout directories that have no record, then prunes
// git's worktree metadata. Crash debris from deleted tasks goes away here.
func (m *Manager) Cleanup(ctx context.Context) error {
	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return fmt.Errorf("failed to expand base path: %w", err)
	}

	worktrees, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(worktrees))
	for _, wt := range worktrees {
		known[wt.TaskID] = true
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worktree directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || known[entry.Name()] {
			continue
		}
		path := filepath.Join(basePath, entry.Name())
		m.logger.Info("cleaning up orphaned worktree",
			zap.String("task_id", entry.Name()),
			zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("failed to remove orphaned worktree",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		if _, err := m.git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// IsValid reports whether a checkout directory is usable. A worktree has a
// .git file (not a directory) pointing back at the parent repository.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// git runs a git command and returns its combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, strings.Join(args, " "), out)
	}
	return out, nil
}

// removeWorktreeDir removes a checkout via git, falling back to a plain
// directory removal plus prune when git refuses.
func (m *Manager) removeWorktreeDir(ctx context.Context, path string) error {
	if out, err := m.git(ctx, m.config.RepoPath, "worktree", "remove", "--force", path); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", out),
			zap.Error(err))
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		if _, err := m.git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git is a directory in a regular repo and a file in a worktree.
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", branch)
	cmd.Dir = m.config.RepoPath
	return cmd.Run() == nil
}
