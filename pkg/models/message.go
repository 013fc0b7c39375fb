package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartKind discriminates the variants of ContentPart.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImageURL PartKind = "image_url"
	PartThink    PartKind = "think"
)

// ContentPart is a tagged-union element of a Message's content. Exactly the
// fields matching Kind are meaningful; the rest are left zero.
type ContentPart struct {
	Kind PartKind `json:"kind"`

	// Text carries PartText content, and doubles as the rendered text for
	// PartThink (paired with Signature below).
	Text string `json:"text,omitempty"`

	// ImageURL/MediaType carry PartImageURL content.
	ImageURL  string `json:"image_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// Signature carries an opaque provider-issued signature for PartThink
	// content, when the provider requires one to echo extended thinking
	// back on the next turn.
	Signature string `json:"signature,omitempty"`
}

// TextPart constructs a PartText content part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: PartText, Text: text}
}

// ImagePart constructs a PartImageURL content part.
func ImagePart(url, mediaType string) ContentPart {
	return ContentPart{Kind: PartImageURL, ImageURL: url, MediaType: mediaType}
}

// ThinkPart constructs a PartThink content part.
func ThinkPart(text, signature string) ContentPart {
	return ContentPart{Kind: PartThink, Text: text, Signature: signature}
}

// Message is a single turn in a Context's history. Content is an ordered
// list of typed parts rather than a flat string, so a message can carry
// interleaved text, images, and extended-thinking blocks.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       Role           `json:"role"`
	Content    []ContentPart  `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // set when Role == RoleTool
	IsError    bool           `json:"is_error,omitempty"`     // set when Role == RoleTool and the call failed
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Text concatenates the Text of every PartText/PartThink part, in order,
// for callers that only care about the plain-text rendering of a message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, part := range m.Content {
		switch part.Kind {
		case PartText, PartThink:
			out += part.Text
		}
	}
	return out
}

// NewTextMessage builds a single-part text message for the given role.
func NewTextMessage(role Role, text string) *Message {
	return &Message{
		Role:      role,
		Content:   []ContentPart{TextPart(text)},
		CreatedAt: time.Now(),
	}
}

// Attachment represents a file or media input accompanying a user message,
// staged for conversion into an ImageURL content part (or a tool input).
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// SessionMeta is the subset of Session fields needed to list sessions
// without loading their full message history.
type SessionMeta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is a durable conversation thread: a model, a working directory,
// and the append-only message log backing it.
type Session struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Model     string         `json:"model"`
	CWD       string         `json:"cwd"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Meta projects a Session down to its listing metadata.
func (s *Session) Meta() SessionMeta {
	return SessionMeta{
		ID:        s.ID,
		Title:     s.Title,
		Model:     s.Model,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
