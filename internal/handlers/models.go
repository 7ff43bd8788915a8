package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
)

const modelCookieName = "model-id"

type modelsResponse struct {
	Models   []models.ModelSelection `json:"models"`
	Selected string                  `json:"selected"`
}

type selectModelRequest struct {
	ModelID string `json:"modelId"`
}

// HandleModels serves the /api/models resource. GET lists the selectable models together with the
// current selection, POST saves a selection in the model cookie.
func (m Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, modelsResponse{
			Models:   m.models,
			Selected: m.resolveModel(r, "").ID,
		})
	case http.MethodPost:
		var req selectModelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if _, ok := m.modelByID(req.ModelID); !ok {
			http.Error(w, "Unknown model", http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     modelCookieName,
			Value:    req.ModelID,
			Path:     "/",
			MaxAge:   60 * 60 * 24 * 365,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m Main) modelByID(id string) (models.ModelSelection, bool) {
	for _, ms := range m.models {
		if ms.ID == id {
			return ms, true
		}
	}
	return models.ModelSelection{}, false
}
