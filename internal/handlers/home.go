package handlers

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time
}

type homePageData struct {
	CurrentChatID string
	Chats         []chat
	Messages      []message
	Models        []models.ModelSelection
	SelectedModel string
}

// HandleHome renders the transcript page. Authenticated users see their chat list; the chat named by
// the "chat" query parameter is rendered with its messages as HTML.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := homePageData{
		Models:        m.models,
		SelectedModel: m.resolveModel(r, "").ID,
	}

	session, err := m.auth.Session(r)
	if err == nil {
		data.CurrentChatID = r.URL.Query().Get("chat")

		chats, err := m.store.Chats(r.Context(), session.UserID)
		if err != nil {
			m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, c := range chats {
			data.Chats = append(data.Chats, chat{
				ID:     c.ID,
				Title:  c.Title,
				Active: c.ID == data.CurrentChatID,
			})
		}
	}

	if data.CurrentChatID != "" {
		if _, status := m.ownedChat(r.Context(), session, data.CurrentChatID); status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}

		msgs, err := m.store.Messages(r.Context(), data.CurrentChatID)
		if err != nil {
			m.logger.Error("Failed to get messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, msg := range msgs {
			content, err := models.RenderMarkdown(msg.Content)
			if err != nil {
				m.logger.Error("Failed to render message",
					slog.String("messageID", msg.ID),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			data.Messages = append(data.Messages, message{
				ID:        msg.ID,
				Role:      string(msg.Role),
				Content:   content,
				Timestamp: msg.CreatedAt,
			})
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
