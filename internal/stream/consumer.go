package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// State is the lifecycle state of a Consumer.
type State int

const (
	// StateIdle is the state of a Consumer that has not started reading.
	StateIdle State = iota
	// StateStreaming is the state while frames are being read.
	StateStreaming
	// StateFinalized is entered when Done is read.
	StateFinalized
	// StateErrored is entered when an Error frame is read or the transport fails.
	StateErrored
	// StateCancelled is entered when Stop is called or the context ends before a terminal frame.
	StateCancelled
)

// maxFrameSize bounds a single event. Deltas repeat the whole answer, so this is also the longest
// answer a Consumer accepts.
const maxFrameSize = 4 << 20

// Update is published by a Consumer each time the displayed assistant message changes state or content.
type Update struct {
	Message models.Message
	State   State
	Err     error
}

// Consumer reads a framed stream and reconstructs the assistant message it carries. It is used once.
type Consumer struct {
	onUpdate   func(Update)
	onFinalize func()
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	message models.Message
	err     error
	body    io.Closer
	// inCallback is set, together with the state check, while onUpdate runs.
	inCallback bool

	// deliverMu is held from a delivery's state check until its callback returns.
	deliverMu sync.Mutex
	closeOnce sync.Once
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithOnUpdate sets the callback receiving every Update. Callbacks run on the goroutine calling
// Consume and may call Stop.
func WithOnUpdate(fn func(Update)) ConsumerOption {
	return func(c *Consumer) {
		c.onUpdate = fn
	}
}

// WithOnFinalize sets the callback invoked once after Done was read, typically to invalidate cached
// reads that depend on the finished message.
func WithOnFinalize(fn func()) ConsumerOption {
	return func(c *Consumer) {
		c.onFinalize = fn
	}
}

// WithLogger sets the logger used to report skipped frames.
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates an idle Consumer.
func NewConsumer(opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		onUpdate:   func(Update) {},
		onFinalize: func() {},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "consumer"))
	return c
}

// Consume reads frames from body until a terminal frame, a transport failure, Stop or the end of ctx.
// It owns body and closes it before returning.
//
// It returns nil when the stream was finalized or stopped, ctx.Err() when ctx ended first, and the
// failure otherwise: a *StreamError for an Error frame, ErrTruncated when the transport ended early.
func (c *Consumer) Consume(ctx context.Context, body io.ReadCloser) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateCancelled:
		c.mu.Unlock()
		_ = body.Close()
		return nil
	default:
		c.mu.Unlock()
		_ = body.Close()
		return ErrConsumed
	}
	c.state = StateStreaming
	c.body = body
	c.message = models.Message{Role: models.RoleAssistant}
	start := c.snapshotLocked()
	c.mu.Unlock()

	defer c.closeBody()
	stopAfter := context.AfterFunc(ctx, c.Stop)
	defer stopAfter()

	c.deliver(start)

	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxFrameSize}) {
		if err != nil {
			return c.fail(ctx, fmt.Errorf("failed to read stream: %w", err))
		}

		frame, err := Decode(ev.Type, ev.Data)
		if err != nil {
			c.logger.Warn("Skipping malformed frame", slog.String(errLoggerKey, err.Error()))
			continue
		}

		if terminal := c.apply(frame); terminal {
			break
		}
	}

	c.mu.Lock()
	state, err := c.state, c.err
	c.mu.Unlock()

	switch state {
	case StateFinalized:
		return nil
	case StateErrored:
		return err
	case StateCancelled:
		return ctx.Err()
	default:
		return c.fail(ctx, ErrTruncated)
	}
}

// Stop cancels consumption. It releases the read handle immediately and no update callback starts
// after it returns. When a callback is running, Stop doesn't wait for it, so callbacks may call Stop.
// Stop never fails and is a no-op once the Consumer reached a terminal state.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.state = StateCancelled
	}
	started := c.body != nil
	inCallback := c.inCallback
	c.mu.Unlock()

	if started {
		c.closeBody()
	}

	// A delivery holding deliverMu without a running callback fails its state check now.
	if !inCallback {
		c.deliverMu.Lock()
		c.deliverMu.Unlock()
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current message, state and error.
func (c *Consumer) Snapshot() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Consumer) snapshotLocked() Update {
	return Update{
		Message: c.message,
		State:   c.state,
		Err:     c.err,
	}
}

// apply processes one frame and reports whether consumption is over.
func (c *Consumer) apply(f Frame) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return true
	}

	switch f := f.(type) {
	case Delta:
		// Deltas are cumulative; replacing keeps a repeated frame from duplicating text.
		c.message = f.Message
		u := c.snapshotLocked()
		c.mu.Unlock()
		c.deliver(u)
		return false
	case Done:
		c.state = StateFinalized
		u := c.snapshotLocked()
		c.mu.Unlock()
		if c.deliver(u) {
			c.onFinalize()
		}
		return true
	case Error:
		c.state = StateErrored
		c.err = &StreamError{Err: errors.New(f.Message)}
		u := c.snapshotLocked()
		c.mu.Unlock()
		c.deliver(u)
		return true
	default:
		c.mu.Unlock()
		c.logger.Warn("Skipping unknown frame", slog.String("frame", fmt.Sprintf("%T", f)))
		return false
	}
}

// fail moves a streaming Consumer to StateErrored. A Consumer that was stopped meanwhile stays
// cancelled and the read failure caused by releasing the body is not reported.
func (c *Consumer) fail(ctx context.Context, err error) error {
	c.mu.Lock()
	switch c.state {
	case StateStreaming:
	case StateCancelled:
		c.mu.Unlock()
		return ctx.Err()
	default:
		state, cerr := c.state, c.err
		c.mu.Unlock()
		if state == StateErrored {
			return cerr
		}
		return nil
	}
	c.state = StateErrored
	c.err = err
	u := c.snapshotLocked()
	c.mu.Unlock()

	c.deliver(u)
	return err
}

// deliver hands u to the update callback unless the state moved on since u was taken, which only
// happens when Stop won the race. It reports whether u was delivered.
func (c *Consumer) deliver(u Update) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.state != u.State {
		c.mu.Unlock()
		return false
	}
	c.inCallback = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inCallback = false
		c.mu.Unlock()
	}()
	c.onUpdate(u)
	return true
}

func (c *Consumer) closeBody() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		body := c.body
		c.mu.Unlock()
		if body == nil {
			return
		}
		if err := body.Close(); err != nil {
			c.logger.Debug("Failed to close stream body", slog.String(errLoggerKey, err.Error()))
		}
	})
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is one of the absorbing states.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateErrored || s == StateCancelled
}
