package gitclone

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const cloneTimeout = 5 * time.Minute

// Config holds configuration for git clone operations.
type Config struct {
	// BaseDir is the base directory for cloned repos (default: ~/.skiff/repos)
	BaseDir string
}

// DefaultConfig returns the default clone configuration.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		BaseDir: filepath.Join(home, ".skiff", "repos"),
	}
}

// CloneResult holds the result of a successful clone.
type CloneResult struct {
	Path          string
	DefaultBranch string
}

// IsGitHubURL returns true if s looks like a GitHub URL.
func IsGitHubURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "https://github.com/") ||
		strings.HasPrefix(s, "http://github.com/") ||
		strings.HasPrefix(s, "git@github.com:")
}

// ParseRepoName extracts the repository name from a GitHub URL.
// e.g. "https://github.com/user/repo.git" -> "repo"
func ParseRepoName(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")

	// Handle git@github.com:user/repo
	if strings.HasPrefix(url, "git@github.com:") {
		url = strings.TrimPrefix(url, "git@github.com:")
	}

	parts := strings.Split(url, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// NormalizeGitHubURL ensures a GitHub HTTPS URL has the .git suffix.
func NormalizeGitHubURL(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimSuffix(url, "/")
	if !strings.HasSuffix(url, ".git") {
		url += ".git"
	}
	return url
}

// Clone clones a GitHub repository into cfg.BaseDir/name.
func Clone(ctx context.Context, cfg Config, url, name string) (*CloneResult, error) {
	dest := filepath.Join(cfg.BaseDir, name)

	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("destination already exists: %s", dest)
	}

	normalized := NormalizeGitHubURL(url)

	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "clone", normalized, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone: %s: %w", strings.TrimSpace(string(out)), err)
	}

	return &CloneResult{
		Path:          dest,
		DefaultBranch: detectDefaultBranch(dest),
	}, nil
}

// detectDefaultBranch figures out the default branch of a cloned repo.
func detectDefaultBranch(repoPath string) string {
	// Try symbolic-ref for origin HEAD
	cmd := exec.Command("git", "-C", repoPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	out, err := cmd.Output()
	if err == nil {
		ref := strings.TrimSpace(string(out))
		// refs/remotes/origin/main -> main
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1]
		}
	}

	// Fallback: check if main or master branch exists
	for _, branch := range []string{"main", "master"} {
		cmd := exec.Command("git", "-C", repoPath, "rev-parse", "--verify", branch)
		if cmd.Run() == nil {
			return branch
		}
	}

	return "main"
}
