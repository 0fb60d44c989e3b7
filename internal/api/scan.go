package api

import (
	"net/http"

	"github.com/getskiff/skiff/internal/cmdscan"
)

// ScanCommandRequest contains a shell command to scan for executables.
type ScanCommandRequest struct {
	Command string `json:"command"`
}

// handleScanCommand extracts the executable identities a shell command would
// invoke, so the renderer can label permission prompts.
func (s *Server) handleScanCommand(w http.ResponseWriter, r *http.Request) {
	var req ScanCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"executables": cmdscan.ExtractExecutables(req.Command),
	})
}
