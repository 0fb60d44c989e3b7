package api

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/getskiff/skiff/internal/db"
	"github.com/getskiff/skiff/internal/github"
)

// Git operation response types

type GitFileEntry struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // M, A, D, R, C, etc.
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
}

type GitStatusResponse struct {
	Branch    string         `json:"branch"`
	Ahead     int            `json:"ahead"`
	Behind    int            `json:"behind"`
	Staged    []GitFileEntry `json:"staged"`
	Unstaged  []GitFileEntry `json:"unstaged"`
	Untracked []string       `json:"untracked"`
}

type GitDiffResponse struct {
	Diff string `json:"diff"`
}

type GitCommitRequest struct {
	Message string `json:"message"`
	Amend   bool   `json:"amend,omitempty"`
	All     bool   `json:"all,omitempty"` // Stage everything before committing
}

type GitCommitResponse struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
}

type CreatePRRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Base  string `json:"base,omitempty"` // Defaults to the project's default branch
}

// sessionWorkDir resolves a session's worktree from the URL param, writing an
// error response when it cannot.
func (s *Server) sessionWorkDir(w http.ResponseWriter, r *http.Request) (*db.Session, string, bool) {
	session, err := s.db.GetSession(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "session")
		return nil, "", false
	}

	workDir, err := s.resolveSessionWorkDir(session)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, "", false
	}
	return session, workDir, true
}

// runGit executes a git command in the given directory with a 5s timeout.
func runGit(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	project, err := s.db.GetProject(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "project")
		return
	}

	// Best-effort fetch to get latest remote refs
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	fetchCmd := exec.CommandContext(ctx, "git", "fetch", "--prune")
	fetchCmd.Dir = project.Path
	fetchCmd.Run() // ignore errors

	out, err := runGit(project.Path, "branch", "-a", "--format=%(refname:short)")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		// Remote branches show as origin/<name>
		name = strings.TrimPrefix(name, "origin/")
		if name == "HEAD" || name == project.DefaultBranch {
			continue
		}
		seen[name] = true
	}

	branches := make([]string, 0, len(seen))
	for name := range seen {
		branches = append(branches, name)
	}
	sort.Strings(branches)

	writeJSON(w, http.StatusOK, branches)
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	_, workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}

	out, err := runGit(workDir, "status", "--porcelain=v1", "-b")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := parseGitStatus(out)
	mergeNumstat(workDir, &resp)
	writeJSON(w, http.StatusOK, resp)
}

// parseGitStatus parses `git status --porcelain=v1 -b` output.
func parseGitStatus(output string) GitStatusResponse {
	resp := GitStatusResponse{
		Staged:    []GitFileEntry{},
		Unstaged:  []GitFileEntry{},
		Untracked: []string{},
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}

		// Branch header line: ## branch...tracking [ahead N, behind M]
		if strings.HasPrefix(line, "## ") {
			parseBranchLine(line, &resp)
			continue
		}

		if len(line) < 4 {
			continue
		}

		x := line[0] // staged status
		y := line[1] // unstaged status
		path := line[3:]

		// Handle renames: "R  old -> new"
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}

		// Untracked
		if x == '?' && y == '?' {
			resp.Untracked = append(resp.Untracked, path)
			continue
		}

		// Staged changes (index column)
		if x != ' ' && x != '?' {
			resp.Staged = append(resp.Staged, GitFileEntry{
				Path:   path,
				Status: string(x),
			})
		}

		// Unstaged changes (work tree column)
		if y != ' ' && y != '?' {
			resp.Unstaged = append(resp.Unstaged, GitFileEntry{
				Path:   path,
				Status: string(y),
			})
		}
	}

	return resp
}

// parseBranchLine parses the ## header from porcelain output.
func parseBranchLine(line string, resp *GitStatusResponse) {
	// Format: "## branch...tracking [ahead N, behind M]"
	// or:     "## branch"
	// or:     "## No commits yet on branch"
	header := strings.TrimPrefix(line, "## ")

	// Extract ahead/behind from brackets
	if idx := strings.Index(header, " ["); idx >= 0 {
		bracket := header[idx+2 : len(header)-1] // strip "[ " and "]"
		header = header[:idx]

		for _, part := range strings.Split(bracket, ", ") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "ahead ") {
				fmt.Sscanf(part, "ahead %d", &resp.Ahead)
			} else if strings.HasPrefix(part, "behind ") {
				fmt.Sscanf(part, "behind %d", &resp.Behind)
			}
		}
	}

	// Extract branch name (before "...")
	if idx := strings.Index(header, "..."); idx >= 0 {
		resp.Branch = header[:idx]
	} else {
		resp.Branch = header
	}
}

// parseNumstat parses `git diff --numstat` output into a map of path -> (additions, deletions).
func parseNumstat(output string) map[string][2]int {
	stats := make(map[string][2]int)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		// Format: "additions\tdeletions\tpath"
		// Binary files show "-\t-\tpath"
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "-" {
			continue // binary file
		}
		var adds, dels int
		fmt.Sscanf(parts[0], "%d", &adds)
		fmt.Sscanf(parts[1], "%d", &dels)
		// Handle renames: "old => new" or "{old => new}/path"
		path := parts[2]
		if idx := strings.Index(path, " => "); idx >= 0 {
			path = path[idx+4:]
		}
		stats[path] = [2]int{adds, dels}
	}
	return stats
}

// mergeNumstat runs git diff --numstat for staged and unstaged changes
// and merges the stats into the response's file entries.
func mergeNumstat(workDir string, resp *GitStatusResponse) {
	if len(resp.Staged) > 0 {
		out, err := runGit(workDir, "diff", "--cached", "--numstat")
		if err == nil {
			stats := parseNumstat(out)
			for i := range resp.Staged {
				if s, ok := stats[resp.Staged[i].Path]; ok {
					resp.Staged[i].Additions = s[0]
					resp.Staged[i].Deletions = s[1]
				}
			}
		}
	}

	if len(resp.Unstaged) > 0 {
		out, err := runGit(workDir, "diff", "--numstat")
		if err == nil {
			stats := parseNumstat(out)
			for i := range resp.Unstaged {
				if s, ok := stats[resp.Unstaged[i].Path]; ok {
					resp.Unstaged[i].Additions = s[0]
					resp.Unstaged[i].Deletions = s[1]
				}
			}
		}
	}
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	session, workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}

	file := r.URL.Query().Get("file")
	staged := r.URL.Query().Get("staged") == "true"
	base := r.URL.Query().Get("base") == "true"

	var args []string
	switch {
	case base:
		// Diff against merge-base with the project's default branch
		baseBranch := "main"
		if project, err := s.db.GetProject(session.ProjectID); err == nil {
			baseBranch = project.DefaultBranch
		}

		mbOut, err := runGit(workDir, "merge-base", baseBranch, "HEAD")
		if err != nil {
			// Fallback: diff against the base branch directly
			args = []string{"diff", baseBranch + "...HEAD"}
		} else {
			args = []string{"diff", strings.TrimSpace(mbOut), "HEAD"}
		}
	case staged:
		args = []string{"diff", "--cached"}
	default:
		args = []string{"diff"}
	}

	if file != "" {
		args = append(args, "--", file)
	}

	out, err := runGit(workDir, args...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, GitDiffResponse{Diff: out})
}

func (s *Server) handleGitCommit(w http.ResponseWriter, r *http.Request) {
	session, workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}

	var req GitCommitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Message == "" && !req.Amend {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if req.All {
		if _, err := runGit(workDir, "add", "-A"); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	args := []string{"commit"}
	if req.Amend {
		args = append(args, "--amend")
		if req.Message == "" {
			args = append(args, "--no-edit")
		}
	}
	if req.Message != "" {
		args = append(args, "-m", req.Message)
	}

	if _, err := runGit(workDir, args...); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.diffStatsCache.Delete(session.ID)

	hashOut, err := runGit(workDir, "rev-parse", "--short", "HEAD")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	msgOut, err := runGit(workDir, "log", "-1", "--format=%s")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, GitCommitResponse{
		Hash:    strings.TrimSpace(hashOut),
		Message: strings.TrimSpace(msgOut),
	})
}

func (s *Server) handleGitPush(w http.ResponseWriter, r *http.Request) {
	session, workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}

	if session.Branch == nil || *session.Branch == "" {
		writeError(w, http.StatusBadRequest, "session has no branch")
		return
	}

	if err := github.PushBranch(workDir, *session.Branch); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreatePR(w http.ResponseWriter, r *http.Request) {
	session, workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}

	if session.Branch == nil || *session.Branch == "" {
		writeError(w, http.StatusBadRequest, "session has no branch")
		return
	}

	var req CreatePRRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if !github.Available() {
		writeError(w, http.StatusServiceUnavailable, "gh CLI is not installed or not authenticated")
		return
	}

	baseBranch := req.Base
	if baseBranch == "" {
		if project, err := s.db.GetProject(session.ProjectID); err == nil {
			baseBranch = project.DefaultBranch
		} else {
			baseBranch = "main"
		}
	}

	if err := github.PushBranch(workDir, *session.Branch); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	url, err := github.CreatePR(workDir, req.Title, req.Body, baseBranch, *session.Branch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}
