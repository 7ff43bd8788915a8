// Package client talks to the chat service over HTTP. Streamed answers are read with a stream.Consumer,
// and reads that a finished answer changes are cached until the stream completes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/MegaGrindStone/ollama-web-chat/internal/stream"
)

// DefaultUserHeader is the header carrying the user id, matching the server's default.
const DefaultUserHeader = "X-User-ID"

const historyKey = "/api/history"

// APIError is a non-2xx response of the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", http.StatusText(e.StatusCode), e.Message)
}

// Client is an HTTP client of the chat service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userID     string
	userHeader string
	cache      *Cache
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// ChatRequest is one submission to the chat endpoint.
type ChatRequest struct {
	// ChatID names the chat the answer is stored in. Without it nothing is stored.
	ChatID   string
	Messages []models.Message
	// Model is a model id; empty uses the server's selection.
	Model string

	OnUpdate   func(stream.Update)
	OnFinalize func()
}

// Stream is a running answer. Wait consumes it, Stop may be called from any goroutine at any time.
type Stream struct {
	ctx      context.Context
	body     io.ReadCloser
	consumer *stream.Consumer
}

// Upload is the reference to an uploaded file.
type Upload struct {
	URL         string `json:"url"`
	Pathname    string `json:"pathname"`
	ContentType string `json:"contentType"`
}

// ModelList is the set of selectable models.
type ModelList struct {
	Models   []models.ModelSelection `json:"models"`
	Selected string                  `json:"selected"`
}

// WithHTTPClient sets the HTTP client. The default has no timeout, streams may last long.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithUser sends userID in the user header of every request.
func WithUser(userID string) Option {
	return func(c *Client) {
		c.userID = userID
	}
}

// WithUserHeader overrides the user header name.
func WithUserHeader(header string) Option {
	return func(c *Client) {
		c.userHeader = header
	}
}

// WithLogger sets the logger used by the client and its consumers.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCache shares a cache between clients.
func WithCache(cache *Cache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		userHeader: DefaultUserHeader,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewCache()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.logger = c.logger.With(slog.String("module", "client"))
	return c, nil
}

func votesKey(chatID string) string {
	return "/api/vote?chatId=" + url.QueryEscape(chatID)
}

// Chat submits the request and returns the answer stream once the service accepted it. If the service
// can't reach its model backend, an *APIError is returned and there is no stream. When the answer
// completes, the cached history and votes of the chat are invalidated before OnFinalize runs.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Stream, error) {
	body, err := json.Marshal(struct {
		ID       string           `json:"id,omitempty"`
		Messages []models.Message `json:"messages"`
		Model    string           `json:"model,omitempty"`
	}{req.ChatID, req.Messages, req.Model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if p := resp.Header.Get(stream.ProtocolHeader); p != "" && p != stream.Protocol {
		resp.Body.Close()
		return nil, fmt.Errorf("unsupported stream protocol %q", p)
	}

	chatID := req.ChatID
	onFinalize := func() {
		keys := []string{historyKey}
		if chatID != "" {
			keys = append(keys, votesKey(chatID))
		}
		c.invalidate(keys...)
		if req.OnFinalize != nil {
			req.OnFinalize()
		}
	}

	opts := []stream.ConsumerOption{
		stream.WithOnFinalize(onFinalize),
		stream.WithLogger(c.logger),
	}
	if req.OnUpdate != nil {
		opts = append(opts, stream.WithOnUpdate(req.OnUpdate))
	}

	return &Stream{
		ctx:      ctx,
		body:     resp.Body,
		consumer: stream.NewConsumer(opts...),
	}, nil
}

// Wait reads the stream until it ends and returns the final message. The error is nil when the answer
// completed or the stream was stopped.
func (s *Stream) Wait() (models.Message, error) {
	err := s.consumer.Consume(s.ctx, s.body)
	return s.consumer.Snapshot().Message, err
}

// Stop cancels the stream. It is safe to call more than once and after completion.
func (s *Stream) Stop() {
	s.consumer.Stop()
	// A stream stopped before Wait still owns its body.
	_ = s.body.Close()
}

// State returns the state of the stream.
func (s *Stream) State() stream.State {
	return s.consumer.State()
}

// History returns the chats of the user, newest first.
func (c *Client) History(ctx context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	if err := c.getCached(ctx, historyKey, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// Messages returns the stored messages of a chat.
func (c *Client) Messages(ctx context.Context, chatID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.getJSON(ctx, "/api/chat?id="+url.QueryEscape(chatID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Votes returns the votes of a chat.
func (c *Client) Votes(ctx context.Context, chatID string) ([]models.Vote, error) {
	var votes []models.Vote
	if err := c.getCached(ctx, votesKey(chatID), &votes); err != nil {
		return nil, err
	}
	return votes, nil
}

// Vote records an up or down vote on a message.
func (c *Client) Vote(ctx context.Context, chatID, messageID string, up bool) error {
	voteType := "down"
	if up {
		voteType = "up"
	}
	body, err := json.Marshal(map[string]string{
		"chatId":    chatID,
		"messageId": messageID,
		"type":      voteType,
	})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPatch, "/api/vote", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.invalidate(votesKey(chatID))
	return nil
}

// DeleteChat removes a chat of the user.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/chat?id="+url.QueryEscape(chatID), "", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.invalidate(historyKey, votesKey(chatID))
	return nil
}

// Models returns the selectable models.
func (c *Client) Models(ctx context.Context) (ModelList, error) {
	var ml ModelList
	err := c.getJSON(ctx, "/api/models", &ml)
	return ml, err
}

// Upload sends a file and returns the reference to attach to a message.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (Upload, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return Upload{}, err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return Upload{}, fmt.Errorf("failed to read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Upload{}, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/files/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		return Upload{}, err
	}
	defer resp.Body.Close()

	var u Upload
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return Upload{}, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return u, nil
}

func (c *Client) getCached(ctx context.Context, key string, v any) error {
	b, err := c.cache.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		resp, err := c.do(ctx, http.MethodGet, key, "", nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// do sends a request and turns non-2xx responses into an *APIError.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.userID != "" {
		req.Header.Set(c.userHeader, c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	var jsonErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &jsonErr) == nil && jsonErr.Error != "" {
		apiErr.Message = jsonErr.Error
	}

	c.logger.Debug("Request failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode))
	return nil, apiErr
}

func (c *Client) invalidate(keys ...string) {
	c.cache.Invalidate(keys...)
	c.logger.Debug("Invalidated cached reads",
		slog.Any("keys", keys),
		slog.Int("cached", c.cache.Len()))
}
