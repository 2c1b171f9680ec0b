package models

import (
	"fmt"
	"strings"
	"time"
)

// ChatHistory represents a conversation container in the chat system. It owns its messages exclusively
// and keeps a title derived from the leading user message. Timestamps are unix milliseconds so exported
// documents stay portable.
type ChatHistory struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

// Message represents an individual communication entry within a chat. It contains the participant's
// role, the text content, the creation instant and any attachments that were uploaded with it.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Timestamp   int64        `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a text-like resource decoded in full and attached to a user message.
type Attachment struct {
	Name      string `json:"name"`
	Content   string `json:"content"`
	MimeType  string `json:"type"`
	SizeBytes int64  `json:"size"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
)

// DefaultChatTitle is used while a chat has no leading user message.
const DefaultChatTitle = "New Chat"

const maxTitleLength = 50

// NowMillis returns the current instant as unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// DeriveTitle computes a chat title from its messages. If the first message was written by the user,
// the title is its first 50 characters with a trailing ellipsis when the content is longer, otherwise
// DefaultChatTitle is returned.
func DeriveTitle(messages []Message) string {
	if len(messages) == 0 || messages[0].Role != RoleUser {
		return DefaultChatTitle
	}

	content := []rune(messages[0].Content)
	if len(content) <= maxTitleLength {
		return string(content)
	}
	return string(content[:maxTitleLength]) + "..."
}

// RenderContent renders the message text with every attachment inlined after it. This is the content
// submitted to the engine for the message's turn.
func (m Message) RenderContent() string {
	if len(m.Attachments) == 0 {
		return m.Content
	}

	var sb strings.Builder
	sb.WriteString(m.Content)
	for _, a := range m.Attachments {
		sb.WriteString(fmt.Sprintf("\n\n--- Attachment: %s ---\n", a.Name))
		sb.WriteString(a.Content)
		sb.WriteString(fmt.Sprintf("\n--- End of %s ---", a.Name))
	}
	return sb.String()
}

// Clone returns a deep copy of the chat so callers never share message slices with the store.
func (c ChatHistory) Clone() ChatHistory {
	c.Messages = CloneMessages(c.Messages)
	return c
}

// CloneMessages returns a deep copy of messages, including their attachment slices.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, m := range messages {
		if m.Attachments != nil {
			m.Attachments = append([]Attachment(nil), m.Attachments...)
		}
		out[i] = m
	}
	return out
}
