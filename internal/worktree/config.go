package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// RepoPath is the Git repository worktrees are created from.
	RepoPath string `mapstructure:"repoPath"`

	// BasePath is the base directory for worktree checkouts.
	// Supports ~ expansion for the home directory.
	BasePath string `mapstructure:"basePath"`

	// BaseBranch is the branch new worktree branches start from.
	BaseBranch string `mapstructure:"baseBranch"`
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.RepoPath == "" {
		return fmt.Errorf("worktree repo path is required")
	}
	if c.BasePath == "" {
		c.BasePath = "~/.pipedev/worktrees"
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreePath returns the checkout directory for a task. Directories are
// named by task ID, which is what Cleanup relies on to spot orphans.
func (c *Config) WorktreePath(taskID string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, taskID), nil
}
