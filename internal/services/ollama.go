package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// DefaultOllamaHost is used when neither the configuration nor OLLAMA_HOST names a server.
const DefaultOllamaHost = "http://localhost:11434"

var errStopped = errors.New("consumer stopped")

// NewOllama creates a new Ollama instance with the specified host URL. The model is only used by
// GenerateTitle, chat requests name their model. The systemPrompt, if not empty, is sent ahead of
// every conversation that doesn't carry its own system message.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	if host == "" {
		host = DefaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

func (o Ollama) messages(messages []models.Message) []api.Message {
	msgs := make([]api.Message, 0, len(messages)+1)
	for _, msg := range messages {
		m := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		for _, att := range msg.Attachments {
			if len(att.Data) == 0 || !strings.HasPrefix(att.ContentType, "image/") {
				continue
			}
			m.Images = append(m.Images, api.ImageData(att.Data))
		}
		msgs = append(msgs, m)
	}

	if o.systemPrompt != "" && (len(msgs) == 0 || msgs[0].Role != string(models.RoleSystem)) {
		msgs = slices.Insert(msgs, 0, api.Message{
			Role:    string(models.RoleSystem),
			Content: o.systemPrompt,
		})
	}
	return msgs
}

// Chat implements the LLM interface by streaming responses from the Ollama model. It accepts a context
// for cancellation, the model name and a slice of messages representing the conversation history. The
// function returns an iterator that yields response chunks as strings and potential errors. The
// response is streamed incrementally, allowing for real-time processing of model outputs.
func (o Ollama) Chat(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    model,
			Messages: o.messages(messages),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Done && res.Message.Content == "" {
				o.logger.Debug("Chat done",
					slog.String("model", model),
					slog.String("doneReason", res.DoneReason))
				return nil
			}
			if !yield(res.Message.Content, nil) {
				return errStopped
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

// GenerateTitle generates a title for a given message using the Ollama API. It sends a single message to the
// Ollama API and returns the response content as the title. The context can be used to cancel ongoing
// requests.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	msgs := []api.Message{
		{
			Role:    string(models.RoleUser),
			Content: message,
		},
	}
	if o.systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, api.Message{
			Role:    string(models.RoleSystem),
			Content: o.systemPrompt,
		})
	}
	req := api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title += res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return title, nil
}
