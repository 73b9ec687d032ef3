// Package gitops shells out to git and the SCM platform CLI. Every
// operation names the working directory it runs in, so one instance serves
// all worktrees.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
)

// ErrGitCommandFailed wraps every non-zero git exit.
var ErrGitCommandFailed = errors.New("git command failed")

// GitOps is the git surface the executor, hooks and worktree manager use.
type GitOps interface {
	Fetch(ctx context.Context, dir, remote string) error
	CreateBranch(ctx context.Context, dir, name string) error
	Checkout(ctx context.Context, dir, ref string) error
	Push(ctx context.Context, dir, remote, branch string, force bool) error
	Pull(ctx context.Context, dir string) error
	Diff(ctx context.Context, dir, from, to string) (string, error)
	DiffStat(ctx context.Context, dir, from, to string) (string, error)
	Commit(ctx context.Context, dir, message string) error
	Log(ctx context.Context, dir string, count int) (string, error)
	Rebase(ctx context.Context, dir, onto string) error
	RebaseAbort(ctx context.Context, dir string) error
	CurrentBranch(ctx context.Context, dir string) (string, error)
	Clean(ctx context.Context, dir string) error
	Status(ctx context.Context, dir string) (string, error)
	ResetFile(ctx context.Context, dir, path string) error
	ShowCommit(ctx context.Context, dir, ref string) (string, error)
	DeleteRemoteBranch(ctx context.Context, dir, remote, branch string) error
}

// Git runs the git CLI.
type Git struct {
	logger *logger.Logger
}

// NewGit creates a git CLI wrapper.
func NewGit(log *logger.Logger) *Git {
	return &Git{logger: log.WithFields(zap.String("component", "gitops"))}
}

var _ GitOps = (*Git)(nil)

// run executes git with combined output. Non-zero exits come back wrapped
// in ErrGitCommandFailed with the output attached.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		g.logger.Debug("git command failed",
			zap.String("dir", dir),
			zap.Strings("args", args),
			zap.String("output", out))
		return out, fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, strings.Join(args, " "), out)
	}
	return out, nil
}

func (g *Git) Fetch(ctx context.Context, dir, remote string) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := g.run(ctx, dir, "fetch", remote)
	return err
}

func (g *Git) CreateBranch(ctx context.Context, dir, name string) error {
	_, err := g.run(ctx, dir, "branch", name)
	return err
}

func (g *Git) Checkout(ctx context.Context, dir, ref string) error {
	_, err := g.run(ctx, dir, "checkout", ref)
	return err
}

func (g *Git) Push(ctx context.Context, dir, remote, branch string, force bool) error {
	args := []string{"push", "--set-upstream"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, remote, branch)
	_, err := g.run(ctx, dir, args...)
	return err
}

func (g *Git) Pull(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "pull")
	return err
}

// Diff returns changes since from. With to set it uses the three-dot form,
// i.e. what to adds relative to the merge base; with to empty it diffs the
// working tree against from.
func (g *Git) Diff(ctx context.Context, dir, from, to string) (string, error) {
	if to == "" {
		return g.run(ctx, dir, "diff", from)
	}
	return g.run(ctx, dir, "diff", from+"..."+to)
}

func (g *Git) DiffStat(ctx context.Context, dir, from, to string) (string, error) {
	if to == "" {
		return g.run(ctx, dir, "diff", "--stat", from)
	}
	return g.run(ctx, dir, "diff", "--stat", from+"..."+to)
}

// Commit stages everything and commits. A clean tree is not an error.
func (g *Git) Commit(ctx context.Context, dir, message string) error {
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	out, err := g.run(ctx, dir, "commit", "-m", message)
	if err != nil && strings.Contains(out, "nothing to commit") {
		return nil
	}
	return err
}

func (g *Git) Log(ctx context.Context, dir string, count int) (string, error) {
	if count <= 0 {
		count = 10
	}
	return g.run(ctx, dir, "log", "--oneline", "-n", strconv.Itoa(count))
}

func (g *Git) Rebase(ctx context.Context, dir, onto string) error {
	_, err := g.run(ctx, dir, "rebase", onto)
	return err
}

func (g *Git) RebaseAbort(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "rebase", "--abort")
	return err
}

func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// Clean discards uncommitted changes and untracked files.
func (g *Git) Clean(ctx context.Context, dir string) error {
	if _, err := g.run(ctx, dir, "reset", "--hard"); err != nil {
		return err
	}
	_, err := g.run(ctx, dir, "clean", "-fd")
	return err
}

func (g *Git) Status(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "status", "--porcelain")
}

func (g *Git) ResetFile(ctx context.Context, dir, path string) error {
	_, err := g.run(ctx, dir, "checkout", "--", path)
	return err
}

func (g *Git) ShowCommit(ctx context.Context, dir, ref string) (string, error) {
	return g.run(ctx, dir, "show", "--stat", ref)
}

func (g *Git) DeleteRemoteBranch(ctx context.Context, dir, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := g.run(ctx, dir, "push", remote, "--delete", branch)
	return err
}

// IsRepo reports whether path is inside a git checkout. A worktree has a
// .git file rather than a directory, so both count.
func IsRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}
