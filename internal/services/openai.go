package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for any server speaking the OpenAI chat
// completion API, including Ollama's own /v1 endpoint.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL, model name, and system
// prompt. An empty baseURL targets api.openai.com.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func (o OpenAI) messages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	for _, msg := range messages {
		m := goopenai.ChatCompletionMessage{
			Role: string(msg.Role),
		}

		var images []goopenai.ChatMessagePart
		for _, att := range msg.Attachments {
			if len(att.Data) == 0 || !strings.HasPrefix(att.ContentType, "image/") {
				continue
			}
			images = append(images, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", att.ContentType, base64.StdEncoding.EncodeToString(att.Data)),
				},
			})
		}

		if len(images) == 0 {
			m.Content = msg.Content
		} else {
			m.MultiContent = append([]goopenai.ChatMessagePart{{
				Type: goopenai.ChatMessagePartTypeText,
				Text: msg.Content,
			}}, images...)
		}
		msgs = append(msgs, m)
	}

	if o.systemPrompt != "" && (len(msgs) == 0 || msgs[0].Role != goopenai.ChatMessageRoleSystem) {
		msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	return msgs
}

// Chat is a wrapper around the OpenAI chat completion streaming API.
func (o OpenAI) Chat(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := goopenai.ChatCompletionRequest{
			Model:    model,
			Messages: o.messages(messages),
			Stream:   true,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			content := response.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			if !yield(content, nil) {
				return
			}
		}
	}
}

// GenerateTitle is a wrapper around the OpenAI chat completion API.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	var msgs []goopenai.ChatCompletionMessage
	if o.systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: message,
	})

	resp, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return resp.Choices[0].Message.Content, nil
}
