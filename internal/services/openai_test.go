package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/MegaGrindStone/ollama-web-chat/internal/services"
	goopenai "github.com/sashabaranov/go-openai"
)

func openAIServer(t *testing.T, chunks []string) (*httptest.Server, <-chan goopenai.ChatCompletionRequest) {
	t.Helper()
	reqs := make(chan goopenai.ChatCompletionRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req goopenai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reqs <- req

		if !req.Stream {
			_ = json.NewEncoder(w).Encode(goopenai.ChatCompletionResponse{
				Choices: []goopenai.ChatCompletionChoice{{
					Message: goopenai.ChatCompletionMessage{Role: "assistant", Content: strings.Join(chunks, "")},
				}},
			})
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			b, _ := json.Marshal(goopenai.ChatCompletionStreamResponse{
				Choices: []goopenai.ChatCompletionStreamChoice{{
					Delta: goopenai.ChatCompletionStreamChoiceDelta{Content: c},
				}},
			})
			fmt.Fprintf(w, "data: %s\n\n", b)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	return srv, reqs
}

func TestOpenAIChat(t *testing.T) {
	srv, reqs := openAIServer(t, []string{"Hi", " there"})
	defer srv.Close()

	o := services.NewOpenAI("key", srv.URL+"/v1", "llama2", "Be brief.", discardLogger())

	msgs := []models.Message{{
		Role:        models.RoleUser,
		Content:     "what is this?",
		Attachments: []models.Attachment{{ContentType: "image/png", Data: []byte{1, 2}}},
	}}

	var got []string
	for chunk, err := range o.Chat(context.Background(), "mistral", msgs) {
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		got = append(got, chunk)
	}

	if strings.Join(got, "") != "Hi there" {
		t.Errorf("Chat() chunks = %q, want Hi there", got)
	}

	req := <-reqs
	if req.Model != "mistral" {
		t.Errorf("request model = %q, want mistral", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != goopenai.ChatMessageRoleSystem {
		t.Fatalf("request messages = %+v, want system prompt first", req.Messages)
	}
	parts := req.Messages[1].MultiContent
	if len(parts) != 2 || parts[1].ImageURL == nil || !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("request parts = %+v, want text and data url image", parts)
	}
}

func TestOpenAIGenerateTitle(t *testing.T) {
	tests := []struct {
		name      string
		prompt    string
		wantRoles []string
	}{
		{name: "With prompt", prompt: "Generate a short title.", wantRoles: []string{"system", "user"}},
		{name: "Without prompt", wantRoles: []string{"user"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reqs := openAIServer(t, []string{"Greeting"})
			defer srv.Close()

			o := services.NewOpenAI("key", srv.URL+"/v1", "llama2", tt.prompt, discardLogger())
			title, err := o.GenerateTitle(context.Background(), "hello")
			if err != nil {
				t.Fatalf("GenerateTitle() error = %v", err)
			}
			if title != "Greeting" {
				t.Errorf("GenerateTitle() = %q, want Greeting", title)
			}

			req := <-reqs
			var roles []string
			for _, m := range req.Messages {
				roles = append(roles, m.Role)
			}
			if !slices.Equal(roles, tt.wantRoles) {
				t.Errorf("GenerateTitle() sent roles %v, want %v", roles, tt.wantRoles)
			}
			if len(req.Messages) == 2 && req.Messages[0].Content != tt.prompt {
				t.Errorf("system message = %q, want %q", req.Messages[0].Content, tt.prompt)
			}
		})
	}
}
