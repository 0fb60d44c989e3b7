package api

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"github.com/getskiff/skiff/internal/preview"
)

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	_, workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}

	file, err := preview.Read(workDir, r.URL.Query().Get("path"))
	if err != nil {
		switch {
		case errors.Is(err, preview.ErrIsDirectory):
			writeError(w, http.StatusBadRequest, "path is a directory")
		case errors.Is(err, fs.ErrNotExist):
			writeError(w, http.StatusNotFound, "file not found")
		case errors.Is(err, fs.ErrPermission):
			writeError(w, http.StatusForbidden, "file is not readable")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, file)
}

// RevealRequest contains an absolute path to show in the OS file manager.
type RevealRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req RevealRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	if err := preview.Reveal(req.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "path not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revealed"})
}
