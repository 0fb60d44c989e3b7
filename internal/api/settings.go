package api

import (
	"encoding/json"
	"io"
	"net/http"
)

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")

	setting, err := s.db.GetSetting(key)
	if err != nil {
		writeDBError(w, err, "setting")
		return
	}

	// Return the raw JSON value directly
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(setting.Value))
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	setting, err := s.db.SetSetting(key, string(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set setting")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(setting.Value))
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")

	if err := s.db.DeleteSetting(key); err != nil {
		writeDBError(w, err, "setting")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
