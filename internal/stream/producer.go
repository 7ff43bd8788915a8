package stream

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a model backend that provides chat completions. It accepts a context, the backend
// identifier of the model and the conversation so far, returning an iterator that yields incremental
// chunks of the assistant text and potential errors. The iterator is lazy, finite and can't be
// restarted.
type LLM interface {
	Chat(ctx context.Context, model string, messages []models.Message) iter.Seq2[string, error]
}

// Sink receives the frames of one stream, in order.
type Sink interface {
	Send(f Frame) error
}

// Producer relays a model backend's streaming answer as frames.
type Producer struct {
	llm    LLM
	logger *slog.Logger
}

// Relay is one opened upstream call. It must be closed; Run closes it on return.
type Relay struct {
	ctx     context.Context
	cancel  context.CancelFunc
	next    func() (string, error, bool)
	stop    func()
	message models.Message

	first     string
	exhausted bool
	chunks    int

	closeOnce sync.Once
	logger    *slog.Logger
}

// SessionSink writes frames to a go-sse session, flushing after each one.
type SessionSink struct {
	session *sse.Session
}

// NewProducer creates a Producer backed by llm.
func NewProducer(llm LLM, logger *slog.Logger) Producer {
	return Producer{
		llm:    llm,
		logger: logger.With(slog.String("module", "producer")),
	}
}

// Open starts exactly one upstream call for messages on the given model and waits for its first
// chunk. If the upstream fails before producing anything, the call is released and a *ConnectionError
// is returned; no frame must be sent in that case.
func (p Producer) Open(ctx context.Context, model models.ModelSelection, messages []models.Message) (*Relay, error) {
	ctx, cancel := context.WithCancel(ctx)
	next, stop := iter.Pull2(p.llm.Chat(ctx, model.APIIdentifier, messages))

	msgID := uuid.New().String()
	r := &Relay{
		ctx:    ctx,
		cancel: cancel,
		next:   next,
		stop:   stop,
		message: models.Message{
			ID:        msgID,
			Role:      models.RoleAssistant,
			CreatedAt: time.Now(),
		},
		logger: p.logger.With(slog.String("messageID", msgID), slog.String("model", model.APIIdentifier)),
	}

	chunk, err, ok := next()
	if ok && err != nil {
		r.Close()
		return nil, &ConnectionError{Err: err}
	}
	r.first = chunk
	r.exhausted = !ok

	r.logger.Debug("Stream opened", slog.Int("messages", len(messages)))
	return r, nil
}

// Message returns the assistant message assembled so far.
func (r *Relay) Message() models.Message {
	return r.message
}

// Run sends one Delta per upstream chunk, carrying the full text accumulated so far, followed by Done
// when the upstream completes. A mid-stream upstream failure sends a single Error frame and returns a
// *StreamError. If the sink fails or the context is cancelled (client went away), Run stops without a
// terminal frame. The upstream is released on every path.
func (r *Relay) Run(sink Sink) (models.Message, error) {
	defer r.Close()

	chunk, err, ok := r.first, error(nil), !r.exhausted
	for ; ok; chunk, err, ok = r.next() {
		if err != nil {
			if r.ctx.Err() != nil {
				return r.message, r.ctx.Err()
			}
			r.logger.Error("Error from llm provider",
				slog.Int("chunks", r.chunks),
				slog.String(errLoggerKey, err.Error()))
			if sendErr := sink.Send(Error{Message: FailureMessage}); sendErr != nil {
				r.logger.Debug("Failed to send error frame", slog.String(errLoggerKey, sendErr.Error()))
			}
			return r.message, &StreamError{Err: err}
		}

		r.chunks++
		r.message.Content += chunk
		if err := sink.Send(Delta{Message: r.message}); err != nil {
			return r.message, fmt.Errorf("failed to send delta: %w", err)
		}
	}

	if err := r.ctx.Err(); err != nil {
		return r.message, err
	}
	if err := sink.Send(Done{}); err != nil {
		return r.message, fmt.Errorf("failed to send done: %w", err)
	}

	r.logger.Debug("Stream completed",
		slog.Int("chunks", r.chunks),
		slog.Int("length", len(r.message.Content)))
	return r.message, nil
}

// Close releases the upstream call. It is safe to call more than once.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.stop()
	})
}

// NewSessionSink wraps an upgraded go-sse session.
func NewSessionSink(session *sse.Session) SessionSink {
	return SessionSink{session: session}
}

// Send implements Sink.
func (s SessionSink) Send(f Frame) error {
	msg, err := Encode(f)
	if err != nil {
		return err
	}
	if err := s.session.Send(msg); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := s.session.Flush(); err != nil {
		return fmt.Errorf("failed to flush frame: %w", err)
	}
	return nil
}
