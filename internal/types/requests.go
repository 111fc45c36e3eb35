package types

import (
	"time"
)

// ChatRequest is the gateway's canonical chat request. Provider adapters
// translate it to their SDK's shape.
type ChatRequest struct {
	ID             string          `json:"id"`
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float32        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	TopP           *float32        `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Stream         bool            `json:"stream"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     interface{}     `json:"tool_choice,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Routing hints
	PreferredProvider    string       `json:"preferred_provider,omitempty"`
	ExcludeProviders     []string     `json:"exclude_providers,omitempty"`
	RequiredCapabilities []Capability `json:"required_capabilities,omitempty"`

	// Metadata
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type Message struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content"` // string or []ContentPart for multimodal
	Name       string      `json:"name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type Function struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
	Arguments   string      `json:"arguments,omitempty"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function,omitempty"`
}

type ToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type ResponseFormat struct {
	Type string `json:"type"` // "text" or "json_object"
}

// TextContent flattens the message content to plain text. Multimodal image
// parts contribute nothing.
func (m *Message) TextContent() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []ContentPart:
		var out string
		for _, part := range c {
			if part.Type == "text" {
				out += part.Text
			}
		}
		return out
	}
	return ""
}

// HasImageContent reports whether any message part carries an image.
func (r *ChatRequest) HasImageContent() bool {
	for _, msg := range r.Messages {
		if parts, ok := msg.Content.([]ContentPart); ok {
			for _, part := range parts {
				if part.Type == "image_url" {
					return true
				}
			}
		}
	}
	return false
}
