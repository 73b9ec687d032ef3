package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// initRepo creates a repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustGit(t, dir, "init", "-b", "main")
	mustGit(t, dir, "config", "user.email", "dev@example.com")
	mustGit(t, dir, "config", "user.name", "Dev")
	mustGit(t, dir, "config", "commit.gpgsign", "false")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	mustGit(t, dir, "add", "-A")
	mustGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	requireGit(t)
	repo := initRepo(t)
	cfg := Config{
		RepoPath:   repo,
		BasePath:   t.TempDir(),
		BaseBranch: "main",
	}
	m, err := NewManager(cfg, newTestStore(t), newTestLogger(t))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, repo
}

func TestManager_CreateAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, "task-1", "task/task-1/plan")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !m.IsValid(wt.Path) {
		t.Errorf("checkout at %s is not valid", wt.Path)
	}
	if branch := mustGit(t, wt.Path, "rev-parse", "--abbrev-ref", "HEAD"); branch != "task/task-1/plan" {
		t.Errorf("checkout branch = %q", branch)
	}

	got, err := m.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Path != wt.Path || got.Branch != wt.Branch {
		t.Errorf("Get() = %+v, want %+v", got, wt)
	}

	if _, err := m.Create(ctx, "task-1", "task/task-1/plan"); !errors.Is(err, ErrWorktreeExists) {
		t.Errorf("expected ErrWorktreeExists, got %v", err)
	}
}

func TestManager_CreateReattachesSurvivingBranch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, "task-1", "task/task-1/implement")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "work.go"), []byte("package work\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	mustGit(t, wt.Path, "add", "-A")
	mustGit(t, wt.Path, "commit", "-m", "work")

	if err := m.Delete(ctx, "task-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// The branch outlives the checkout; a second create reattaches it and
	// the commit is still there.
	wt, err = m.Create(ctx, "task-1", "task/task-1/implement")
	if err != nil {
		t.Fatalf("Create() after delete error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(wt.Path, "work.go")); err != nil {
		t.Errorf("commit lost across recreate: %v", err)
	}
}

func TestManager_Ensure(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	wt, err := m.Ensure(ctx, "task-1", "task/task-1/plan")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	again, err := m.Ensure(ctx, "task-1", "task/task-1/plan")
	if err != nil {
		t.Fatalf("Ensure() second call error = %v", err)
	}
	if again.Path != wt.Path {
		t.Errorf("Ensure() moved the checkout: %q != %q", again.Path, wt.Path)
	}

	// A new mode means a new branch in the same checkout.
	switched, err := m.Ensure(ctx, "task-1", "task/task-1/implement")
	if err != nil {
		t.Fatalf("Ensure() with new branch error = %v", err)
	}
	if switched.Branch != "task/task-1/implement" {
		t.Errorf("Branch = %q", switched.Branch)
	}
	if branch := mustGit(t, wt.Path, "rev-parse", "--abbrev-ref", "HEAD"); branch != "task/task-1/implement" {
		t.Errorf("checkout branch = %q", branch)
	}

	// Switching back reuses the existing branch.
	back, err := m.Ensure(ctx, "task-1", "task/task-1/plan")
	if err != nil {
		t.Fatalf("Ensure() switch back error = %v", err)
	}
	if back.Branch != "task/task-1/plan" {
		t.Errorf("Branch = %q", back.Branch)
	}
}

func TestManager_EnsureRecreatesLostDirectory(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	wt, err := m.Ensure(ctx, "task-1", "task/task-1/implement")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	// Simulate debris from a crash or an overzealous cleanup job.
	if err := os.RemoveAll(wt.Path); err != nil {
		t.Fatalf("failed to remove checkout: %v", err)
	}
	mustGit(t, repo, "worktree", "prune")

	restored, err := m.Ensure(ctx, "task-1", "task/task-1/implement")
	if err != nil {
		t.Fatalf("Ensure() after loss error = %v", err)
	}
	if !m.IsValid(restored.Path) {
		t.Errorf("restored checkout at %s is not valid", restored.Path)
	}
}

func TestManager_LockUnlock(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "task-1", "task/task-1/plan"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Lock(ctx, "task-1"); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := m.Lock(ctx, "task-1"); !errors.Is(err, ErrWorktreeLocked) {
		t.Errorf("expected ErrWorktreeLocked, got %v", err)
	}
	if err := m.Unlock(ctx, "task-1"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := m.Lock(ctx, "task-1"); err != nil {
		t.Errorf("Lock() after unlock error = %v", err)
	}

	// Run teardown unlocks after deletion cascades; that must stay quiet.
	if err := m.Unlock(ctx, "never-existed"); err != nil {
		t.Errorf("Unlock() on missing worktree error = %v", err)
	}
}

func TestManager_DeleteIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, "task-1", "task/task-1/plan")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Delete(ctx, "task-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Error("checkout directory survived delete")
	}
	if _, err := m.Get(ctx, "task-1"); !errors.Is(err, ErrWorktreeNotFound) {
		t.Errorf("expected ErrWorktreeNotFound, got %v", err)
	}

	if err := m.Delete(ctx, "task-1"); err != nil {
		t.Errorf("Delete() second call error = %v", err)
	}
}

func TestManager_Cleanup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tracked, err := m.Create(ctx, "task-1", "task/task-1/plan")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		t.Fatalf("failed to expand base path: %v", err)
	}
	orphan := filepath.Join(basePath, "task-gone")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("failed to create orphan dir: %v", err)
	}

	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan directory survived cleanup")
	}
	if _, err := os.Stat(tracked.Path); err != nil {
		t.Errorf("tracked checkout removed by cleanup: %v", err)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	requireGit(t)
	store := newTestStore(t)
	log := newTestLogger(t)
	ctx := context.Background()

	notARepo := t.TempDir()
	m, err := NewManager(Config{RepoPath: notARepo, BasePath: t.TempDir()}, store, log)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := m.Create(ctx, "task-1", "b"); !errors.Is(err, ErrRepoNotGit) {
		t.Errorf("expected ErrRepoNotGit, got %v", err)
	}

	repo := initRepo(t)
	m, err = NewManager(Config{RepoPath: repo, BasePath: t.TempDir(), BaseBranch: "nope"}, store, log)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := m.Create(ctx, "task-2", "b"); !errors.Is(err, ErrInvalidBaseBranch) {
		t.Errorf("expected ErrInvalidBaseBranch, got %v", err)
	}
}
