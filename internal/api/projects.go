package api

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/getskiff/skiff/internal/db"
	"github.com/getskiff/skiff/internal/gitclone"
	"github.com/getskiff/skiff/internal/github"
	"github.com/getskiff/skiff/internal/recipes"
	"github.com/getskiff/skiff/internal/scriptcheck"
	"github.com/getskiff/skiff/internal/worktree"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.db.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}

	writeJSON(w, http.StatusOK, projects)
}

// createProjectRequest extends db.CreateProjectInput with an optional GitHub URL.
type createProjectRequest struct {
	Name          string  `json:"name"`
	Path          string  `json:"path"`
	GitHubURL     string  `json:"githubUrl"`
	DefaultBranch *string `json:"defaultBranch,omitempty"`
	SetupScript   *string `json:"setupScript,omitempty"`
	RunScript     *string `json:"runScript,omitempty"`
}

// checkProjectScripts validates setup/run scripts as POSIX shell, writing a
// 400 with the parse issue when one is broken.
func checkProjectScripts(w http.ResponseWriter, setupScript, runScript *string) bool {
	if setupScript != nil {
		if issue := scriptcheck.Check("setup_script", *setupScript); issue != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "setup script is not valid shell",
				"issue": issue,
			})
			return false
		}
	}
	if runScript != nil {
		if issue := scriptcheck.Check("run_script", *runScript); issue != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "run script is not valid shell",
				"issue": issue,
			})
			return false
		}
	}
	return true
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !checkProjectScripts(w, req.SetupScript, req.RunScript) {
		return
	}

	var input db.CreateProjectInput

	if req.GitHubURL != "" {
		// Clone from GitHub URL
		if !gitclone.IsGitHubURL(req.GitHubURL) {
			writeError(w, http.StatusBadRequest, "invalid GitHub URL")
			return
		}

		name := req.Name
		if name == "" {
			name = gitclone.ParseRepoName(req.GitHubURL)
		}
		if name == "" {
			writeError(w, http.StatusBadRequest, "could not determine project name from URL")
			return
		}

		result, err := gitclone.Clone(r.Context(), s.gitclone, req.GitHubURL, name)
		if err != nil {
			if strings.Contains(err.Error(), "destination already exists") {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "clone failed: "+err.Error())
			return
		}

		input = db.CreateProjectInput{
			Name:          name,
			Path:          result.Path,
			DefaultBranch: &result.DefaultBranch,
			SetupScript:   req.SetupScript,
			RunScript:     req.RunScript,
		}
	} else {
		// Local path flow
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}

		info, err := os.Stat(req.Path)
		if err != nil {
			if os.IsNotExist(err) {
				writeError(w, http.StatusBadRequest, "path does not exist")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		if !info.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be a directory")
			return
		}

		if _, err := os.Stat(filepath.Join(req.Path, ".git")); os.IsNotExist(err) {
			writeError(w, http.StatusBadRequest, "path is not a git repository")
			return
		}

		input = db.CreateProjectInput{
			Name:          req.Name,
			Path:          req.Path,
			DefaultBranch: req.DefaultBranch,
			SetupScript:   req.SetupScript,
			RunScript:     req.RunScript,
		}
	}

	project, err := s.db.CreateProject(input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.db.GetProject(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "project")
		return
	}

	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	var input db.UpdateProjectInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if input.Path != nil {
		info, err := os.Stat(*input.Path)
		if err != nil {
			if os.IsNotExist(err) {
				writeError(w, http.StatusBadRequest, "path does not exist")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		if !info.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be a directory")
			return
		}
	}

	if !checkProjectScripts(w, input.SetupScript, input.RunScript) {
		return
	}

	project, err := s.db.UpdateProject(id, input)
	if err != nil {
		writeDBError(w, err, "project")
		return
	}

	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	project, err := s.db.GetProject(id)
	if err != nil {
		writeDBError(w, err, "project")
		return
	}

	// Tear down session runtimes and worktrees before the cascade removes the
	// rows. Worktree failures are non-fatal: the project is going away either
	// way.
	sessions, err := s.db.ListSessionsByProject(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list project sessions")
		return
	}
	for _, session := range sessions {
		s.chat.Interrupt(session.ID)
		s.chat.RemoveSession(session.ID)
		_ = s.terminals.Stop(session.ID)
		s.watcher.Unwatch(session.ID)
		s.diffStatsCache.Delete(session.ID)

		if session.WorktreePath == nil || !s.worktree.Exists(*session.WorktreePath) {
			continue
		}
		err := s.worktree.Delete(worktree.DeleteOptions{
			ProjectPath:  project.Path,
			WorktreePath: *session.WorktreePath,
			DeleteBranch: false,
		})
		if err != nil {
			slog.Warn("failed to remove worktree during project delete", "session_id", session.ID, "error", err)
		}
	}

	if err := s.db.DeleteProject(id); err != nil {
		writeDBError(w, err, "project")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	project, err := s.db.GetProject(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "project")
		return
	}

	if !github.Available() {
		writeError(w, http.StatusServiceUnavailable, "gh CLI is not installed or not authenticated")
		return
	}

	issues, err := github.ListIssues(project.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	project, err := s.db.GetProject(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "project")
		return
	}

	number, err := strconv.Atoi(urlParam(r, "number"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "invalid issue number")
		return
	}

	if !github.Available() {
		writeError(w, http.StatusServiceUnavailable, "gh CLI is not installed or not authenticated")
		return
	}

	issue, err := github.GetIssue(project.Path, number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	project, err := s.db.GetProject(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "project")
		return
	}

	found, err := recipes.List(project.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, found)
}
