package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
)

// HandleHistory returns the chats of the session user, newest first.
func (m Main) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := m.auth.Session(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chats, err := m.store.Chats(r.Context(), session.UserID)
	if err != nil {
		m.logger.Error("Failed to get chats",
			slog.String("userID", session.UserID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "An error occurred while processing your request", http.StatusInternalServerError)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}

	writeJSON(w, http.StatusOK, chats)
}
