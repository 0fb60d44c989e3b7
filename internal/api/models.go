package api

import (
	"encoding/json"
	"net/http"
)

// Model is a catalog entry for the renderer's model picker.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Models returns the fixed model catalog. IDs are the aliases the assistant
// CLI accepts for --model.
func Models() []Model {
	return []Model{
		{ID: "sonnet", Name: "Sonnet"},
		{ID: "opus", Name: "Opus"},
		{ID: "haiku", Name: "Haiku"},
	}
}

const defaultModelSettingKey = "default_model"

// resolveDefaultModel prefers the persisted preference over the config default.
func (s *Server) resolveDefaultModel() string {
	setting, err := s.db.GetSetting(defaultModelSettingKey)
	if err != nil {
		return s.defaultModel
	}
	var model string
	if err := json.Unmarshal([]byte(setting.Value), &model); err != nil || !isValidModelName(model) {
		return s.defaultModel
	}
	return model
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  Models(),
		"default": s.resolveDefaultModel(),
	})
}
