package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	ollamawebchat "github.com/MegaGrindStone/ollama-web-chat"
	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/MegaGrindStone/ollama-web-chat/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// TitleGenerator represents a title generator interface that generates a short title for a given
// first user message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Store defines the interface for managing chat, message, vote and file persistence. Lookups of a
// single record return models.ErrNotFound when the record doesn't exist.
type Store interface {
	Chats(ctx context.Context, userID string) ([]models.Chat, error)
	Chat(ctx context.Context, id string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, id string) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)

	Votes(ctx context.Context, chatID string) ([]models.Vote, error)
	Vote(ctx context.Context, vote models.Vote) error

	AddFile(ctx context.Context, file models.File) (string, error)
	File(ctx context.Context, id string) (models.File, error)
}

// Authenticator resolves the session of a request. It returns models.ErrUnauthorized when the request
// carries no valid identity.
type Authenticator interface {
	Session(r *http.Request) (models.Session, error)
}

// Options holds the settings of Main that don't come from its collaborators.
type Options struct {
	// Models lists the selectable models. The first one is the default unless DefaultModelID names
	// another.
	Models         []models.ModelSelection
	DefaultModelID string
	// MaxUploadBytes bounds the size of uploaded files.
	MaxUploadBytes int64
}

// Main handles the core functionality of the chat application, managing the chat stream, server-sent
// history events, HTML templates, and interactions between the model backend and Store components.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	producer       stream.Producer
	titleGenerator TitleGenerator
	store          Store
	auth           Authenticator

	models         []models.ModelSelection
	defaultModel   models.ModelSelection
	maxUploadBytes int64

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	// DefaultMaxUploadBytes is used when Options.MaxUploadBytes is not positive.
	DefaultMaxUploadBytes = 5 << 20

	chatsSSEType = "chats"
)

// DefaultModels are offered when no models are configured.
var DefaultModels = []models.ModelSelection{
	{
		ID:            "llama2",
		Label:         "Llama 2",
		APIIdentifier: "llama2",
		Description:   "Fast and efficient open source model",
	},
	{
		ID:            "mistral",
		Label:         "Mistral",
		APIIdentifier: "mistral",
		Description:   "Powerful open source model for complex tasks",
	},
}

// NewMain creates a new Main instance with the provided collaborators. It initializes the SSE server
// publishing history changes and parses the required HTML templates from the embedded filesystem.
// Each SSE session is subscribed to the topic of its user, anonymous sessions only get the default
// topic.
func NewMain(
	llm stream.LLM,
	titleGen TitleGenerator,
	store Store,
	auth Authenticator,
	opts Options,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		ollamawebchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	ms := opts.Models
	if len(ms) == 0 {
		ms = DefaultModels
	}
	defaultModel := ms[0]
	if opts.DefaultModelID != "" {
		found := false
		for _, m := range ms {
			if m.ID == opts.DefaultModelID {
				defaultModel = m
				found = true
				break
			}
		}
		if !found {
			return Main{}, fmt.Errorf("default model %q is not among the configured models", opts.DefaultModelID)
		}
	}

	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}

	logger = logger.With(slog.String("module", "main"))

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with the default topic that all clients subscribe to
				topics := []string{sse.DefaultTopic}

				// Authenticated clients also follow changes to their own chats
				if session, err := auth.Session(s.Req); err == nil {
					topics = append(topics, chatsTopic(session.UserID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:      tmpl,
		producer:       stream.NewProducer(llm, logger),
		titleGenerator: titleGen,
		store:          store,
		auth:           auth,
		models:         ms,
		defaultModel:   defaultModel,
		maxUploadBytes: maxUpload,
		logger:         logger,
	}, nil
}

func chatsTopic(userID string) string {
	return fmt.Sprintf("chats-%s", userID)
}

// HandleSSE serves the history change events of the requesting user.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// Events without data are dropped by clients, so the close event carries one
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// publishChats sends the current chat list of userID to the user's SSE topic.
func (m Main) publishChats(ctx context.Context, userID string) {
	chats, err := m.store.Chats(ctx, userID)
	if err != nil {
		m.logger.Error("Failed to get chats",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	b, err := json.Marshal(chats)
	if err != nil {
		m.logger.Error("Failed to marshal chats", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := &sse.Message{Type: sse.Type(chatsSSEType)}
	msg.AppendData(string(b))
	if err := m.sseSrv.Publish(msg, chatsTopic(userID)); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
