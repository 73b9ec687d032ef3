package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// PullRequest is the slice of PR state the workflow cares about.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// Issue is a platform issue, used when tasks are imported from the tracker.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// ScmPlatform is the hosting-platform surface: PR creation and merging plus
// optional issue reads.
type ScmPlatform interface {
	CreatePR(ctx context.Context, dir, title, body, head, base string) (*PullRequest, error)
	MergePR(ctx context.Context, dir, url string) error
	ListIssues(ctx context.Context, dir string, limit int) ([]*Issue, error)
	GetIssue(ctx context.Context, dir string, number int) (*Issue, error)
}

// GHPlatform implements ScmPlatform using the gh CLI.
type GHPlatform struct{}

// NewGHPlatform creates a gh CLI-based platform client.
func NewGHPlatform() *GHPlatform {
	return &GHPlatform{}
}

// GHAvailable checks if the gh CLI is installed and accessible.
func GHAvailable() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

var _ ScmPlatform = (*GHPlatform)(nil)

func (p *GHPlatform) CreatePR(ctx context.Context, dir, title, body, head, base string) (*PullRequest, error) {
	args := []string{"pr", "create", "--title", title, "--body", body, "--head", head}
	if base != "" {
		args = append(args, "--base", base)
	}
	out, err := p.run(ctx, dir, args...)
	if err != nil {
		// gh refuses to create a second PR for the same branch; reuse it.
		if strings.Contains(err.Error(), "already exists") {
			return p.findByBranch(ctx, dir, head)
		}
		return nil, fmt.Errorf("create PR: %w", err)
	}
	// gh pr create prints the PR URL on the last line.
	url := lastLine(out)
	if url == "" {
		return nil, fmt.Errorf("create PR: no URL in gh output")
	}
	return &PullRequest{Title: title, URL: url, State: "open"}, nil
}

func (p *GHPlatform) MergePR(ctx context.Context, dir, url string) error {
	if _, err := p.run(ctx, dir, "pr", "merge", url, "--squash", "--delete-branch"); err != nil {
		return fmt.Errorf("merge PR: %w", err)
	}
	return nil
}

func (p *GHPlatform) ListIssues(ctx context.Context, dir string, limit int) ([]*Issue, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := p.run(ctx, dir, "issue", "list",
		"--state", "open",
		"--json", "number,title,body,url,state",
		"--limit", strconv.Itoa(limit))
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	var issues []*Issue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parse issue list: %w", err)
	}
	return issues, nil
}

func (p *GHPlatform) GetIssue(ctx context.Context, dir string, number int) (*Issue, error) {
	out, err := p.run(ctx, dir, "issue", "view", strconv.Itoa(number),
		"--json", "number,title,body,url,state")
	if err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	issue := &Issue{}
	if err := json.Unmarshal([]byte(out), issue); err != nil {
		return nil, fmt.Errorf("parse issue: %w", err)
	}
	return issue, nil
}

func (p *GHPlatform) findByBranch(ctx context.Context, dir, head string) (*PullRequest, error) {
	out, err := p.run(ctx, dir, "pr", "list",
		"--head", head,
		"--json", "number,title,url,state",
		"--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch %q: %w", head, err)
	}
	var prs []*PullRequest
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list: %w", err)
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("no PR for branch %q", head)
	}
	return prs[0], nil
}

// run executes a gh CLI command. Stderr is captured separately to avoid
// contaminating JSON output.
func (p *GHPlatform) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// NoopPlatform is used when no platform CLI is configured. PR creation
// yields a placeholder record so the workflow still advances in local-only
// setups.
type NoopPlatform struct{}

// NewNoopPlatform creates the no-op platform client.
func NewNoopPlatform() *NoopPlatform {
	return &NoopPlatform{}
}

var _ ScmPlatform = (*NoopPlatform)(nil)

func (p *NoopPlatform) CreatePR(_ context.Context, _, title, _, head, _ string) (*PullRequest, error) {
	return &PullRequest{Title: title, URL: "local://pr/" + head, State: "open"}, nil
}

func (p *NoopPlatform) MergePR(_ context.Context, _, _ string) error { return nil }

func (p *NoopPlatform) ListIssues(_ context.Context, _ string, _ int) ([]*Issue, error) {
	return nil, nil
}

func (p *NoopPlatform) GetIssue(_ context.Context, _ string, number int) (*Issue, error) {
	return nil, fmt.Errorf("issue lookup unavailable: #%d", number)
}
