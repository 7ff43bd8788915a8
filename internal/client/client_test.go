package client_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/MegaGrindStone/ollama-web-chat/internal/client"
	"github.com/MegaGrindStone/ollama-web-chat/internal/handlers"
	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/MegaGrindStone/ollama-web-chat/internal/services"
	"github.com/MegaGrindStone/ollama-web-chat/internal/stream"
)

type llmFunc func(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error]

type titleGenerator string

func (f llmFunc) Chat(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error] {
	return f(ctx, model, messages)
}

func (t titleGenerator) GenerateTitle(context.Context, string) (string, error) {
	return string(t), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunks(parts ...string) llmFunc {
	return func(_ context.Context, _ string, _ []models.Message) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for _, p := range parts {
				if !yield(p, nil) {
					return
				}
			}
		}
	}
}

func newServer(t *testing.T, llm stream.LLM) *httptest.Server {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}

	m, err := handlers.NewMain(llm, titleGenerator("Greeting"), db, services.NewHeaderAuth(""),
		handlers.Options{}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", m.HandleChat)
	mux.HandleFunc("/api/vote", m.HandleVote)
	mux.HandleFunc("/api/history", m.HandleHistory)
	mux.HandleFunc("/api/models", m.HandleModels)
	mux.HandleFunc("POST /api/files/upload", m.HandleUpload)
	mux.HandleFunc("GET /api/files/{id}", m.HandleFile)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = m.Shutdown(context.Background())
		_ = db.Close()
	})
	return srv
}

func newClient(t *testing.T, srv *httptest.Server) *client.Client {
	t.Helper()
	c, err := client.New(srv.URL, client.WithUser("alice"), client.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestChat(t *testing.T) {
	var (
		mu     sync.Mutex
		called []string
	)
	llm := llmFunc(func(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error] {
		mu.Lock()
		called = append(called, model)
		mu.Unlock()
		return chunks("Hi", " there")(ctx, model, messages)
	})

	srv := newServer(t, llm)
	c := newClient(t, srv)
	ctx := context.Background()

	history, err := c.History(ctx)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("History() = %+v, want empty", history)
	}

	var (
		contents  []string
		states    []stream.State
		finalized int
	)
	s, err := c.Chat(ctx, client.ChatRequest{
		ChatID:   "chat-1",
		Model:    "llama2",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
		OnUpdate: func(u stream.Update) {
			contents = append(contents, u.Message.Content)
			states = append(states, u.State)
		},
		OnFinalize: func() { finalized++ },
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	msg, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	wantContents := []string{"", "Hi", "Hi there", "Hi there"}
	if !slices.Equal(contents, wantContents) {
		t.Errorf("contents = %q, want %q", contents, wantContents)
	}
	if states[len(states)-1] != stream.StateFinalized || s.State() != stream.StateFinalized {
		t.Errorf("states = %v, want to end Finalized", states)
	}
	if finalized != 1 {
		t.Errorf("OnFinalize called %d times, want 1", finalized)
	}
	if msg.Content != "Hi there" || msg.Role != models.RoleAssistant {
		t.Errorf("Wait() message = %+v", msg)
	}

	mu.Lock()
	if !slices.Equal(called, []string{"llama2"}) {
		t.Errorf("backend calls = %q, want one llama2 call", called)
	}
	mu.Unlock()

	// History was cached empty; Done must have invalidated it.
	history, err = c.History(ctx)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != "chat-1" {
		t.Errorf("History() after Done = %+v, want chat-1", history)
	}

	msgs, err := c.Messages(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[1].ID != msg.ID {
		t.Errorf("Messages() = %+v, want user message and %s", msgs, msg.ID)
	}
}

func TestChatConnectionError(t *testing.T) {
	llm := llmFunc(func(context.Context, string, []models.Message) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			yield("", errors.New("dial tcp 127.0.0.1:11434: connection refused"))
		}
	})

	c := newClient(t, newServer(t, llm))

	_, err := c.Chat(context.Background(), client.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Chat() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != stream.FailureMessage {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestChatStreamError(t *testing.T) {
	llm := llmFunc(func(context.Context, string, []models.Message) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield("Hi", nil) {
				return
			}
			yield("", errors.New("model crashed"))
		}
	})

	c := newClient(t, newServer(t, llm))

	s, err := c.Chat(context.Background(), client.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	msg, err := s.Wait()
	var se *stream.StreamError
	if !errors.As(err, &se) {
		t.Fatalf("Wait() error = %v, want *stream.StreamError", err)
	}
	if s.State() != stream.StateErrored || msg.Content != "Hi" {
		t.Errorf("State() = %v, message = %q", s.State(), msg.Content)
	}
}

func TestStreamStop(t *testing.T) {
	released := make(chan struct{})
	llm := llmFunc(func(ctx context.Context, _ string, _ []models.Message) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			defer close(released)
			if !yield("Hi", nil) {
				return
			}
			<-ctx.Done()
			yield("", ctx.Err())
		}
	})

	c := newClient(t, newServer(t, llm))

	var s *client.Stream
	var contents []string
	s, err := c.Chat(context.Background(), client.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
		OnUpdate: func(u stream.Update) {
			contents = append(contents, u.Message.Content)
			if u.Message.Content == "Hi" {
				s.Stop()
			}
		},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if _, err := s.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if s.State() != stream.StateCancelled {
		t.Errorf("State() = %v, want %v", s.State(), stream.StateCancelled)
	}
	if !slices.Equal(contents, []string{"", "Hi"}) {
		t.Errorf("contents = %q, want no update after stop", contents)
	}

	// The server notices the closed connection and releases the backend.
	<-released

	s.Stop()
}

func TestVotes(t *testing.T) {
	srv := newServer(t, chunks("Hi"))
	cache := client.NewCache()
	c, err := client.New(srv.URL, client.WithUser("alice"), client.WithCache(cache), client.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	votes, err := c.Votes(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Votes() error = %v", err)
	}
	if len(votes) != 0 {
		t.Fatalf("Votes() = %+v, want empty", votes)
	}
	if cache.Len() != 1 {
		t.Errorf("cache Len() after Votes() = %d, want 1", cache.Len())
	}

	if err := c.Vote(ctx, "chat-1", "m1", true); err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("cache Len() after Vote() = %d, want 0", cache.Len())
	}

	votes, err = c.Votes(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Votes() error = %v", err)
	}
	want := []models.Vote{{ChatID: "chat-1", MessageID: "m1", IsUpvoted: true}}
	if !slices.Equal(votes, want) {
		t.Errorf("Votes() = %+v, want %+v", votes, want)
	}
}

func TestDeleteChat(t *testing.T) {
	srv := newServer(t, chunks("Hi"))
	c := newClient(t, srv)
	ctx := context.Background()

	s, err := c.Chat(ctx, client.ChatRequest{
		ChatID:   "chat-1",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Wait(); err != nil {
		t.Fatal(err)
	}

	bob, err := client.New(srv.URL, client.WithUser("bob"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		client     *client.Client
		chatID     string
		wantStatus int
	}{
		{name: "Unknown chat", client: c, chatID: "missing", wantStatus: http.StatusNotFound},
		{name: "Wrong owner", client: bob, chatID: "chat-1", wantStatus: http.StatusUnauthorized},
		{name: "Owner", client: c, chatID: "chat-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.client.DeleteChat(ctx, tt.chatID)
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("DeleteChat() error = %v", err)
				}
				return
			}
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.wantStatus {
				t.Errorf("DeleteChat() error = %v, want status %d", err, tt.wantStatus)
			}
		})
	}

	history, err := c.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("History() after delete = %+v, want empty", history)
	}
}

func TestUploadAndModels(t *testing.T) {
	c := newClient(t, newServer(t, chunks("Hi")))
	ctx := context.Background()

	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	u, err := c.Upload(ctx, "cat.png", bytes.NewReader(png))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if u.ContentType != "image/png" || u.Pathname != "cat.png" {
		t.Errorf("Upload() = %+v", u)
	}

	if _, err := c.Upload(ctx, "notes.txt", bytes.NewReader([]byte("hello"))); err == nil {
		t.Error("Upload() accepted a text file")
	}

	ml, err := c.Models(ctx)
	if err != nil {
		t.Fatalf("Models() error = %v", err)
	}
	if len(ml.Models) == 0 || ml.Selected != "llama2" {
		t.Errorf("Models() = %+v", ml)
	}
}

func TestNew(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "://bad"} {
		if _, err := client.New(u); err == nil {
			t.Errorf("New(%q) succeeded", u)
		}
	}
}
