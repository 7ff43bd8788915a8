package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Protocol names the framing variant spoken on the wire. Every Delta carries the whole assistant text
// accumulated so far, so a reader only ever needs the latest frame.
const Protocol = "cumulative"

// ProtocolHeader is the response header announcing Protocol.
const ProtocolHeader = "X-Stream-Protocol"

const doneSentinel = "[DONE]"

const errorEvent = "error"

// Frame is one discrete unit of the server-to-client stream. It is one of Delta, Done or Error.
type Frame interface {
	frame()
}

// Delta carries the assistant message with its cumulative content.
type Delta struct {
	Message models.Message
}

// Done ends a stream that completed normally.
type Done struct{}

// Error ends a stream that failed after it was opened.
type Error struct {
	Message string
}

func (Delta) frame() {}
func (Done) frame()  {}
func (Error) frame() {}

type deltaPayload struct {
	ID        string      `json:"id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Encode converts a frame into the SSE message that carries it. Deltas and Done are unnamed events
// with a JSON payload and the [DONE] sentinel respectively. Errors are sent as "error" events.
func Encode(f Frame) (*sse.Message, error) {
	msg := &sse.Message{}
	switch f := f.(type) {
	case Delta:
		b, err := json.Marshal(deltaPayload{
			ID:        f.Message.ID,
			Role:      f.Message.Role,
			Content:   f.Message.Content,
			CreatedAt: f.Message.CreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal delta: %w", err)
		}
		msg.AppendData(string(b))
	case Done:
		msg.AppendData(doneSentinel)
	case Error:
		b, err := json.Marshal(errorPayload{Error: f.Message})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error: %w", err)
		}
		msg.Type = sse.Type(errorEvent)
		msg.AppendData(string(b))
	default:
		return nil, fmt.Errorf("unknown frame type %T", f)
	}
	return msg, nil
}

// Decode parses the type and data of one received SSE event into a frame. Any failure is reported as
// a *ParseError.
func Decode(eventType, data string) (Frame, error) {
	switch eventType {
	case "", "message":
	case errorEvent:
		var p errorPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, &ParseError{Data: data, Err: err}
		}
		return Error{Message: p.Error}, nil
	default:
		return nil, &ParseError{Data: data, Err: fmt.Errorf("unknown event type %q", eventType)}
	}

	if data == doneSentinel {
		return Done{}, nil
	}

	var p deltaPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, &ParseError{Data: data, Err: err}
	}
	if p.ID == "" {
		return nil, &ParseError{Data: data, Err: errors.New("delta without id")}
	}
	if p.Role == "" {
		p.Role = models.RoleAssistant
	}
	return Delta{Message: models.Message{
		ID:        p.ID,
		Role:      p.Role,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
	}}, nil
}
