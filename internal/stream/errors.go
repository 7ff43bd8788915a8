package stream

import (
	"errors"
	"fmt"
)

// FailureMessage is the only error text that reaches clients. Backend error details stay in the logs.
const FailureMessage = "Failed to generate response"

const errLoggerKey = "err"

var (
	// ErrTruncated is reported when the transport ends before a terminal frame was read.
	ErrTruncated = errors.New("stream ended without a terminal frame")
	// ErrConsumed is returned when a Consumer is asked to consume a second stream.
	ErrConsumed = errors.New("consumer already used")
)

// ConnectionError reports that the upstream call could not be established, so no stream was opened.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to model backend: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamError reports a failure after the stream was opened. On the producer side it wraps the
// upstream error, on the consumer side it wraps the message of the received Error frame.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ParseError reports a frame that could not be decoded. Consumers skip such frames.
type ParseError struct {
	Data string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Data, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
