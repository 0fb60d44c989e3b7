package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// issueFields is the --json field list requested from gh for issues.
const issueFields = "number,title,body,state,url,labels,updatedAt"

// Issue is a GitHub issue as reported by the gh CLI.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	Labels    []Label   `json:"labels"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Label is an issue label. gh emits more fields; we keep what the renderer shows.
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Available returns true if the gh CLI is installed and authenticated.
func Available() bool {
	cmd := exec.Command("gh", "auth", "status")
	return cmd.Run() == nil
}

// ListIssues returns open issues for the repository at repoDir.
// gh resolves the GitHub repo from the git remote.
func ListIssues(repoDir string) ([]Issue, error) {
	cmd := exec.Command("gh", "issue", "list", "--state", "open", "--limit", "100", "--json", issueFields)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, ghError("gh issue list", err)
	}
	return decodeIssues(out)
}

// GetIssue returns a single issue by number for the repository at repoDir.
func GetIssue(repoDir string, number int) (*Issue, error) {
	cmd := exec.Command("gh", "issue", "view", strconv.Itoa(number), "--json", issueFields)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, ghError("gh issue view", err)
	}
	return decodeIssue(out)
}

// PushBranch pushes a branch to origin with tracking.
func PushBranch(workDir, branch string) error {
	cmd := exec.Command("git", "push", "-u", "origin", branch)
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git push: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// CreatePR creates a pull request and returns the PR URL.
func CreatePR(workDir, title, body, baseBranch, headBranch string) (string, error) {
	args := []string{"pr", "create",
		"--title", title,
		"--body", body,
		"--base", baseBranch,
		"--head", headBranch,
	}
	cmd := exec.Command("gh", args...)
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return strings.TrimSpace(string(output)), nil
}

func decodeIssues(data []byte) ([]Issue, error) {
	issues := make([]Issue, 0)
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil, fmt.Errorf("decode issue list: %w", err)
	}
	return issues, nil
}

func decodeIssue(data []byte) (*Issue, error) {
	var issue Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	return &issue, nil
}

// ghError wraps a failed gh invocation, including stderr when available.
func ghError(op string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("%s: %s: %w", op, strings.TrimSpace(string(exitErr.Stderr)), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
