package models

import (
	"errors"
	"time"
)

// Chat represents a conversation container owned by a single user. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message represents an individual communication entry within a chat. It contains the core components
// of a chat message including its unique identifier, the participant's role, the actual content, and
// the precise time when the message was created.
//
// A persisted message is immutable. While an assistant answer is streamed, the in-flight message only
// ever grows its Content.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"experimental_attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Attachment references an uploaded file from a message. Data is only filled server side, right before
// the message is handed to a model backend, and is never serialized.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`

	Data []byte `json:"-"`
}

// Vote records a user's judgement of an assistant message. There is at most one vote per message in a
// chat, a later vote replaces the earlier one.
type Vote struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	IsUpvoted bool   `json:"isUpvoted"`
}

// File is an uploaded blob that messages may reference as an attachment.
type File struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Data        []byte    `json:"data"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ModelSelection identifies which backend model services a request.
type ModelSelection struct {
	ID            string `json:"id" yaml:"id"`
	Label         string `json:"label" yaml:"label"`
	APIIdentifier string `json:"apiIdentifier" yaml:"apiIdentifier"`
	Description   string `json:"description" yaml:"description"`
}

// Session is the authenticated identity attached to a request.
type Session struct {
	UserID string
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message written by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction message for the model.
	RoleSystem Role = "system"
)

var (
	// ErrNotFound is returned by stores when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when a session is missing or does not own the requested record.
	ErrUnauthorized = errors.New("unauthorized")
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
