package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the configuration for worktree operations
type Config struct {
	// BaseDir is the base directory for worktrees (default: ~/.skiff/worktrees)
	BaseDir string
}

// DefaultConfig returns the default worktree configuration
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		BaseDir: filepath.Join(home, ".skiff", "worktrees"),
	}
}

// Manager handles git worktree operations
type Manager struct {
	config Config
}

// NewManager creates a new worktree manager
func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

// CreateOptions holds options for creating a worktree
type CreateOptions struct {
	// ProjectPath is the path to the main git repository
	ProjectPath string
	// ProjectName is the name of the project (for organizing worktrees)
	ProjectName string
	// SessionID is the session identifier, used to suffix colliding branch names
	SessionID string
	// BranchName is an explicit branch name (set by user). If empty, auto-generated from SessionTitle.
	BranchName string
	// SessionTitle is used to generate a slugified branch name when BranchName is empty.
	SessionTitle string
	// BaseBranch is the branch to create the worktree from (default: main)
	BaseBranch string
	// SetupScript is a command to run in the worktree after creation
	SetupScript string
}

// CreateResult holds the result of creating a worktree
type CreateResult struct {
	// WorktreePath is the full path to the created worktree
	WorktreePath string
	// BranchName is the name of the created branch
	BranchName string
	// Warnings contains non-fatal issues encountered during creation
	// (e.g. failed to fetch or fast-forward base branch)
	Warnings []string
}

// Create creates a new git worktree for a session
func (m *Manager) Create(opts CreateOptions) (*CreateResult, error) {
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}

	branchName := opts.BranchName
	if branchName == "" {
		branchName = Slugify(opts.SessionTitle)
	}

	// If the branch or worktree dir already exists, append a short ID.
	worktreePath := filepath.Join(m.config.BaseDir, opts.ProjectName, worktreeDirName(branchName))
	if m.branchExists(opts.ProjectPath, branchName) || dirExists(worktreePath) {
		branchName = branchName + "-" + shortID(opts.SessionID)
		worktreePath = filepath.Join(m.config.BaseDir, opts.ProjectName, worktreeDirName(branchName))
	}

	// Ensure worktree base directory exists
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return nil, fmt.Errorf("create worktree directory: %w", err)
	}

	// Check if worktree already exists
	if _, err := os.Stat(worktreePath); err == nil {
		return nil, fmt.Errorf("worktree already exists at %s", worktreePath)
	}

	// Check if repository has any commits
	if !m.hasCommits(opts.ProjectPath) {
		return nil, fmt.Errorf("repository has no commits - please make an initial commit before creating worktrees")
	}

	// Verify the base branch exists
	if !m.branchExists(opts.ProjectPath, opts.BaseBranch) {
		return nil, fmt.Errorf("base branch '%s' does not exist - check project's default branch setting", opts.BaseBranch)
	}

	var warnings []string

	// Fetch latest from remote to ensure we have up-to-date refs
	fetchFailed := false
	if err := m.gitFetch(opts.ProjectPath); err != nil {
		fetchFailed = true
		warnings = append(warnings, fmt.Sprintf("could not fetch from remote: %v (worktree may be based on stale %s)", err, opts.BaseBranch))
	}

	// Fast-forward the base branch to match origin (so new worktrees start fresh)
	if !fetchFailed {
		if err := m.fastForwardBase(opts.ProjectPath, opts.BaseBranch); err != nil {
			warnings = append(warnings, fmt.Sprintf("could not fast-forward %s to match origin: %v (worktree may be based on stale %s)", opts.BaseBranch, err, opts.BaseBranch))
		}
	}

	// Create the branch and worktree
	if err := m.createBranchAndWorktree(opts.ProjectPath, worktreePath, branchName, opts.BaseBranch); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	// Run setup script if provided. Failures are surfaced as warnings; the
	// worktree itself is usable even when project setup is broken.
	if opts.SetupScript != "" {
		if err := m.runScript(worktreePath, opts.SetupScript); err != nil {
			warnings = append(warnings, fmt.Sprintf("setup script failed: %v", err))
		}
	}

	return &CreateResult{
		WorktreePath: worktreePath,
		BranchName:   branchName,
		Warnings:     warnings,
	}, nil
}

// DeleteOptions holds options for removing a worktree
type DeleteOptions struct {
	// ProjectPath is the path to the main git repository
	ProjectPath string
	// WorktreePath is the path to the worktree to delete
	WorktreePath string
	// DeleteBranch also deletes the associated branch
	DeleteBranch bool
}

// Delete removes a git worktree
func (m *Manager) Delete(opts DeleteOptions) error {
	// Get the branch name before removing the worktree
	branchName := ""
	if opts.DeleteBranch {
		branchName = m.getWorktreeBranch(opts.WorktreePath)
	}

	// Remove the worktree using git
	cmd := exec.Command("git", "worktree", "remove", "--force", opts.WorktreePath)
	cmd.Dir = opts.ProjectPath
	if output, err := cmd.CombinedOutput(); err != nil {
		// If git worktree remove fails, try to remove the directory manually
		if rmErr := os.RemoveAll(opts.WorktreePath); rmErr != nil {
			return fmt.Errorf("remove worktree: git error: %s, manual remove error: %w", string(output), rmErr)
		}
		// Also prune stale worktrees
		pruneCmd := exec.Command("git", "worktree", "prune")
		pruneCmd.Dir = opts.ProjectPath
		pruneCmd.Run() // Ignore errors
	}

	// Delete the branch if requested
	if opts.DeleteBranch && branchName != "" {
		if err := m.deleteBranch(opts.ProjectPath, branchName); err != nil {
			slog.Warn("failed to delete branch", "branch", branchName, "error", err)
		}
	}

	return nil
}

// Exists checks if a worktree exists at the given path
func (m *Manager) Exists(worktreePath string) bool {
	info, err := os.Stat(worktreePath)
	return err == nil && info.IsDir()
}

// Internal helper methods

// worktreeDirName flattens a branch name into a single path component, so a
// branch like "feat/login" does not nest directories under the project dir.
func worktreeDirName(branchName string) string {
	return strings.ReplaceAll(branchName, "/", "%2F")
}

func (m *Manager) gitFetch(repoPath string) error {
	cmd := exec.Command("git", "fetch", "--prune")
	cmd.Dir = repoPath
	return cmd.Run()
}

// fastForwardBase updates the local base branch to match origin without checkout.
// "git fetch . origin/main:main" updates local main ff-only, so it fails
// (harmlessly) if the local branch has diverged rather than losing commits.
func (m *Manager) fastForwardBase(repoPath, baseBranch string) error {
	remote := "origin/" + baseBranch
	// Check that the remote tracking branch exists
	check := exec.Command("git", "rev-parse", "--verify", remote)
	check.Dir = repoPath
	if check.Run() != nil {
		return nil // no remote tracking branch, nothing to do
	}
	cmd := exec.Command("git", "fetch", ".", fmt.Sprintf("%s:%s", remote, baseBranch))
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (m *Manager) hasCommits(repoPath string) bool {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func (m *Manager) branchExists(repoPath, branchName string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branchName)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func (m *Manager) createBranchAndWorktree(repoPath, worktreePath, branchName, baseBranch string) error {
	// Check if branch already exists
	checkCmd := exec.Command("git", "rev-parse", "--verify", branchName)
	checkCmd.Dir = repoPath
	branchExists := checkCmd.Run() == nil

	if branchExists {
		// Branch exists, create worktree using existing branch
		cmd := exec.Command("git", "worktree", "add", worktreePath, branchName)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("add worktree with existing branch: %s: %w", string(output), err)
		}
	} else {
		// Create new branch and worktree in one command
		cmd := exec.Command("git", "worktree", "add", "-b", branchName, worktreePath, baseBranch)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("add worktree with new branch: %s: %w", string(output), err)
		}
	}

	return nil
}

func (m *Manager) runScript(workDir, script string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

func (m *Manager) getWorktreeBranch(worktreePath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = worktreePath
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// DiffStats returns the number of additions and deletions in a worktree
// compared to the base branch, including uncommitted and staged changes.
func (m *Manager) DiffStats(worktreePath, baseBranch string) (additions, deletions int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Find merge base between base branch and HEAD
	mergeBaseCmd := exec.CommandContext(ctx, "git", "merge-base", baseBranch, "HEAD")
	mergeBaseCmd.Dir = worktreePath
	mergeBaseOutput, err := mergeBaseCmd.Output()
	if err != nil {
		return 0, 0, err
	}
	mergeBase := strings.TrimSpace(string(mergeBaseOutput))

	// Diff working tree (including uncommitted changes) against merge base
	cmd := exec.CommandContext(ctx, "git", "diff", "--shortstat", mergeBase)
	cmd.Dir = worktreePath
	output, err := cmd.Output()
	if err != nil {
		return 0, 0, err
	}

	a, d := parseShortStat(string(output))
	return a, d, nil
}

// parseShortStat parses git diff --shortstat output like:
// " 3 files changed, 42 insertions(+), 15 deletions(-)"
func parseShortStat(s string) (additions, deletions int) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0
	}

	parts := strings.Split(s, ", ")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.Contains(part, "insertion") {
			fmt.Sscanf(part, "%d", &additions)
		} else if strings.Contains(part, "deletion") {
			fmt.Sscanf(part, "%d", &deletions)
		}
	}
	return additions, deletions
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (m *Manager) deleteBranch(repoPath, branchName string) error {
	// Force delete the branch (it may have unmerged changes)
	cmd := exec.Command("git", "branch", "-D", branchName)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("delete branch: %s: %w", string(output), err)
	}
	return nil
}
