package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
)

type voteRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
}

const (
	voteUp   = "up"
	voteDown = "down"
)

// HandleVote serves the /api/vote resource. GET lists the votes of a chat, PATCH records an up or down
// vote on one of its messages.
func (m Main) HandleVote(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.handleGetVotes(w, r)
	case http.MethodPatch:
		m.handlePatchVote(w, r)
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m Main) handleGetVotes(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		http.Error(w, "chatId is required", http.StatusBadRequest)
		return
	}

	votes, err := m.store.Votes(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get votes",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "An error occurred while processing your request", http.StatusInternalServerError)
		return
	}
	if votes == nil {
		votes = []models.Vote{}
	}

	writeJSON(w, http.StatusOK, votes)
}

func (m Main) handlePatchVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatID == "" || req.MessageID == "" || req.Type == "" {
		http.Error(w, "messageId, chatId and type are required", http.StatusBadRequest)
		return
	}
	if req.Type != voteUp && req.Type != voteDown {
		http.Error(w, "type must be up or down", http.StatusBadRequest)
		return
	}

	vote := models.Vote{
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
		IsUpvoted: req.Type == voteUp,
	}
	if err := m.store.Vote(r.Context(), vote); err != nil {
		m.logger.Error("Failed to vote message",
			slog.String("chatID", req.ChatID),
			slog.String("messageID", req.MessageID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "An error occurred while processing your request", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Message voted"))
}
