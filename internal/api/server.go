package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/getskiff/skiff/internal/config"
	"github.com/getskiff/skiff/internal/db"
	"github.com/getskiff/skiff/internal/gitclone"
	"github.com/getskiff/skiff/internal/ptyruntime"
	"github.com/getskiff/skiff/internal/watcher"
	"github.com/getskiff/skiff/internal/worktree"
)

// defaultAllowedOrigins lists the origins the renderer may connect from: the
// packaged webview schemes plus any-port localhost for the dev server. Used by
// both CORS middleware and WebSocket CheckOrigin.
var defaultAllowedOrigins = []string{
	"http://localhost:*",
	"tauri://localhost",
	"https://tauri.localhost",
}

// isAllowedOrigin checks whether an origin matches the allowed list.
// Supports the "http://localhost:*" wildcard pattern (any port on localhost).
func (s *Server) isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == origin {
			return true
		}
		// Handle "http://localhost:*" matching any port on localhost.
		if strings.HasSuffix(allowed, ":*") {
			prefix := strings.TrimSuffix(allowed, ":*")
			parsed, err := url.Parse(origin)
			if err != nil {
				continue
			}
			// Rebuild without port to compare scheme+host.
			withoutPort := parsed.Scheme + "://" + parsed.Hostname()
			if withoutPort == prefix {
				return true
			}
		}
	}
	return false
}

type Server struct {
	db             *db.DB
	router         chi.Router
	auth           *AuthService
	worktree       *worktree.Manager
	wsHub          *WSHub
	chat           *ChatManager
	terminals      *ptyruntime.Manager
	watcher        *watcher.Registry
	gitclone       gitclone.Config
	authLimiter    *pairRateLimiter
	allowedOrigins []string
	defaultModel   string

	diffStatsCache sync.Map

	httpServer *http.Server
	wsCancel   context.CancelFunc
}

func NewServer(database *db.DB, cfg *config.Config) *Server {
	wsHub := NewWSHub()
	wsCtx, wsCancel := context.WithCancel(context.Background())
	go wsHub.Run(wsCtx)

	s := &Server{
		db:             database,
		auth:           NewAuthService(cfg.DataDir, cfg.Auth.PasswordHash),
		worktree:       worktree.NewManager(worktree.Config{BaseDir: filepath.Join(cfg.DataDir, "worktrees")}),
		wsHub:          wsHub,
		chat:           NewChatManager(database),
		terminals:      ptyruntime.NewManager(),
		gitclone:       gitclone.Config{BaseDir: filepath.Join(cfg.DataDir, "repos")},
		authLimiter:    newPairRateLimiter(5, 1*time.Minute),
		allowedOrigins: defaultAllowedOrigins,
		defaultModel:   cfg.DefaultModel,
		wsCancel:       wsCancel,
	}

	// File-change notifications from session worktrees feed the renderer's
	// file tree and diff badges.
	s.watcher = watcher.NewRegistry(func(sessionID string, paths []string) {
		s.wsHub.BroadcastToSession(sessionID, "files_changed", map[string]any{
			"sessionId": sessionID,
			"paths":     paths,
		})
	})

	// Re-watch worktrees for sessions that survived a restart.
	s.rewatchSessions()

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Post("/api/auth/pair", s.handleAuthPair)
	r.Get("/api/auth/status", s.handleAuthStatus)

	// WebSocket (auth handled in handshake)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/ws/chat", s.handleChatWS)
	r.Get("/ws/terminal", s.handleTerminalWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Auth
		r.Get("/api/auth/me", s.handleMe)

		// Projects
		r.Get("/api/projects", s.handleListProjects)
		r.Post("/api/projects", s.handleCreateProject)
		r.Get("/api/projects/{id}", s.handleGetProject)
		r.Patch("/api/projects/{id}", s.handleUpdateProject)
		r.Delete("/api/projects/{id}", s.handleDeleteProject)
		r.Get("/api/projects/{id}/branches", s.handleListBranches)
		r.Get("/api/projects/{id}/issues", s.handleListIssues)
		r.Get("/api/projects/{id}/issues/{number}", s.handleGetIssue)
		r.Get("/api/projects/{id}/recipes", s.handleListRecipes)

		// Sessions
		r.Get("/api/sessions", s.handleListSessions)
		r.Post("/api/sessions", s.handleCreateSession)
		r.Get("/api/sessions/{id}", s.handleGetSession)
		r.Patch("/api/sessions/{id}", s.handleUpdateSession)
		r.Delete("/api/sessions/{id}", s.handleDeleteSession)
		r.Post("/api/sessions/{id}/archive", s.handleArchiveSession)
		r.Post("/api/sessions/{id}/unarchive", s.handleUnarchiveSession)
		r.Get("/api/sessions/{id}/messages", s.handleListMessages)
		r.Post("/api/sessions/{id}/message", s.handleSendMessage)
		r.Post("/api/sessions/{id}/abort", s.handleAbortTurn)
		r.Post("/api/sessions/{id}/reset", s.handleResetConversation)

		// Git (per session worktree)
		r.Get("/api/sessions/{id}/git/status", s.handleGitStatus)
		r.Get("/api/sessions/{id}/git/diff", s.handleGitDiff)
		r.Post("/api/sessions/{id}/git/commit", s.handleGitCommit)
		r.Post("/api/sessions/{id}/git/push", s.handleGitPush)
		r.Post("/api/sessions/{id}/git/pr", s.handleCreatePR)

		// Files
		r.Get("/api/sessions/{id}/file", s.handleReadFile)
		r.Post("/api/reveal", s.handleReveal)

		// Models
		r.Get("/api/models", s.handleListModels)

		// Settings
		r.Get("/api/settings/{key}", s.handleGetSetting)
		r.Put("/api/settings/{key}", s.handlePutSetting)
		r.Delete("/api/settings/{key}", s.handleDeleteSetting)

		// Command scan
		r.Post("/api/scan", s.handleScanCommand)
	})

	s.router = r
}

func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP listener, kills terminal processes, and tears down
// watchers and the WebSocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.terminals.StopAll()
	s.watcher.Close()
	s.wsCancel()
	s.wsHub.Stop()
	return err
}

// Response helpers

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeDBError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, entity+" not found")
	} else {
		writeError(w, http.StatusInternalServerError, "failed to get "+entity)
	}
}

const maxJSONBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing JSON")
	}
	return nil
}

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
