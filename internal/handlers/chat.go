package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/MegaGrindStone/ollama-web-chat/internal/stream"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type chatRequest struct {
	ID       string           `json:"id"`
	Messages []models.Message `json:"messages"`
	Model    string           `json:"model"`
}

const (
	filesPathPrefix = "/api/files/"
	maxTitleLength  = 80
)

// HandleChat serves the /api/chat resource. POST submits a conversation and streams the assistant
// answer back as server-sent frames, DELETE removes an owned chat and GET returns the stored messages
// of an owned chat.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		m.handlePostChat(w, r)
	case http.MethodDelete:
		m.handleDeleteChat(w, r)
	case http.MethodGet:
		m.handleGetChat(w, r)
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePostChat opens exactly one upstream call for the submitted conversation. If the backend can't
// be reached, the client gets a plain 500 and no stream is opened. Otherwise the response is upgraded
// to an event stream and every chunk is relayed as a cumulative delta until Done or Error.
//
// When the request carries a session and a chat id, the chat is created on first use, the newest user
// message is stored before relaying and the assistant message is stored once the stream completes.
func (m Main) handlePostChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode chat request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		m.logger.Error("Messages are required")
		http.Error(w, "Messages are required", http.StatusBadRequest)
		return
	}
	for _, msg := range req.Messages {
		if !msg.Role.Valid() {
			m.logger.Error("Invalid message role", slog.String("role", string(msg.Role)))
			http.Error(w, "Invalid message role", http.StatusBadRequest)
			return
		}
	}

	model := m.resolveModel(r, req.Model)
	logger := m.logger.With(slog.String("chatID", req.ID), slog.String("model", model.ID))

	session, err := m.auth.Session(r)
	persist := err == nil && req.ID != ""
	if persist {
		status, err := m.prepareChat(r.Context(), session, req)
		if err != nil {
			logger.Error("Failed to prepare chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	messages := m.resolveAttachments(r.Context(), session, req.Messages)

	relay, err := m.producer.Open(r.Context(), model, messages)
	if err != nil {
		logger.Error("Failed to open stream", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, stream.FailureMessage)
		return
	}

	w.Header().Set(stream.ProtocolHeader, stream.Protocol)
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		relay.Close()
		logger.Error("Failed to upgrade response", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	var sink stream.Sink = stream.NewSessionSink(sess)
	if persist {
		sink = &storingSink{Sink: sink, store: func() {
			// The client may already be gone, the answer is stored regardless.
			ctx := context.WithoutCancel(r.Context())
			answer := relay.Message()
			if _, err := m.store.AddMessage(ctx, req.ID, answer); err != nil {
				logger.Error("Failed to add assistant message",
					slog.String("messageID", answer.ID),
					slog.String(errLoggerKey, err.Error()))
				return
			}
			m.publishChats(ctx, session.UserID)
		}}
	}

	if _, err := relay.Run(sink); err != nil {
		var se *stream.StreamError
		if errors.As(err, &se) {
			logger.Error("Stream failed", slog.String(errLoggerKey, err.Error()))
		} else {
			logger.Info("Stream stopped", slog.String(errLoggerKey, err.Error()))
		}
	}
}

// storingSink stores the completed answer right before Done is sent, so reads the client refreshes on
// Done already see it.
type storingSink struct {
	stream.Sink
	store func()
}

func (s *storingSink) Send(f stream.Frame) error {
	if _, ok := f.(stream.Done); ok {
		s.store()
	}
	return s.Sink.Send(f)
}

// prepareChat creates the chat on first use and stores the newest user message. It returns the HTTP
// status matching the failure.
func (m Main) prepareChat(ctx context.Context, session models.Session, req chatRequest) (int, error) {
	chat, err := m.store.Chat(ctx, req.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		chat = models.Chat{
			ID:        req.ID,
			UserID:    session.UserID,
			CreatedAt: time.Now(),
		}
		if _, err := m.store.AddChat(ctx, chat); err != nil {
			return http.StatusInternalServerError, fmt.Errorf("failed to add chat: %w", err)
		}
		if first := firstUserMessage(req.Messages); first != "" {
			go m.generateChatTitle(chat, first)
		}
		m.publishChats(ctx, session.UserID)
	case err != nil:
		return http.StatusInternalServerError, fmt.Errorf("failed to get chat: %w", err)
	case chat.UserID != session.UserID:
		return http.StatusUnauthorized, models.ErrUnauthorized
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != models.RoleUser {
		return http.StatusOK, nil
	}
	if last.ID == "" {
		last.ID = uuid.New().String()
	}
	if last.CreatedAt.IsZero() {
		last.CreatedAt = time.Now()
	}
	if _, err := m.store.AddMessage(ctx, chat.ID, last); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to add user message: %w", err)
	}
	return http.StatusOK, nil
}

// resolveAttachments loads the uploaded files referenced by the messages, so the backend receives the
// image bytes. Attachments that can't be resolved for the session are dropped.
func (m Main) resolveAttachments(ctx context.Context, session models.Session, messages []models.Message) []models.Message {
	res := make([]models.Message, len(messages))
	for i, msg := range messages {
		res[i] = msg
		if len(msg.Attachments) == 0 {
			continue
		}

		atts := make([]models.Attachment, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			id, ok := fileIDFromURL(att.URL)
			if !ok {
				m.logger.Warn("Unsupported attachment url", slog.String("url", att.URL))
				continue
			}
			f, err := m.store.File(ctx, id)
			if err != nil {
				m.logger.Warn("Failed to load attachment",
					slog.String("fileID", id),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
			if f.UserID != session.UserID {
				m.logger.Warn("Attachment not owned by user", slog.String("fileID", id))
				continue
			}
			att.ContentType = f.ContentType
			att.Data = f.Data
			atts = append(atts, att)
		}
		res[i].Attachments = atts
	}
	return res
}

func fileIDFromURL(url string) (string, bool) {
	idx := strings.Index(url, filesPathPrefix)
	if idx < 0 {
		return "", false
	}
	id := url[idx+len(filesPathPrefix):]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func firstUserMessage(messages []models.Message) string {
	for _, msg := range messages {
		if msg.Role == models.RoleUser && strings.TrimSpace(msg.Content) != "" {
			return msg.Content
		}
	}
	return ""
}

// handleDeleteChat removes a chat owned by the session user. Failures are never reported as success.
func (m Main) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	session, err := m.auth.Session(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chat, status := m.ownedChat(r.Context(), session, id)
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	if err := m.store.DeleteChat(r.Context(), chat.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to delete chat",
			slog.String("chatID", chat.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "An error occurred while processing your request", http.StatusInternalServerError)
		return
	}

	m.publishChats(r.Context(), session.UserID)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Chat deleted"))
}

func (m Main) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	session, err := m.auth.Session(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chat, status := m.ownedChat(r.Context(), session, id)
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	messages, err := m.store.Messages(r.Context(), chat.ID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chat.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "An error occurred while processing your request", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// ownedChat looks up chat id and checks it belongs to the session user. The returned status is
// http.StatusOK on success.
func (m Main) ownedChat(ctx context.Context, session models.Session, id string) (models.Chat, int) {
	chat, err := m.store.Chat(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Chat{}, http.StatusNotFound
		}
		m.logger.Error("Failed to get chat",
			slog.String("chatID", id),
			slog.String(errLoggerKey, err.Error()))
		return models.Chat{}, http.StatusInternalServerError
	}
	if chat.UserID != session.UserID {
		return models.Chat{}, http.StatusUnauthorized
	}
	return chat, http.StatusOK
}

// resolveModel picks the model named by the request, then the one saved in the selection cookie, then
// the default. An unknown id is passed to the backend as is.
func (m Main) resolveModel(r *http.Request, requested string) models.ModelSelection {
	id := requested
	if id == "" {
		if c, err := r.Cookie(modelCookieName); err == nil {
			id = c.Value
		}
	}
	if id == "" {
		return m.defaultModel
	}
	if ms, ok := m.modelByID(id); ok {
		return ms
	}
	return models.ModelSelection{ID: id, Label: id, APIIdentifier: id}
}

func (m Main) generateChatTitle(chat models.Chat, message string) {
	ctx := context.Background()
	title, err := m.titleGenerator.GenerateTitle(ctx, message)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	chat.Title = cleanTitle(title)
	if err := m.store.UpdateChat(ctx, chat); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	m.publishChats(ctx, chat.UserID)
}

// cleanTitle strips quotes and colons from a generated title and caps its length.
func cleanTitle(title string) string {
	title = strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', ':', '`':
			return -1
		}
		return r
	}, title)
	title = strings.Join(strings.Fields(title), " ")

	if utf8.RuneCountInString(title) > maxTitleLength {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleLength]))
	}
	return title
}
