// Package convtypes defines the conversation types shared by the transport, the tool
// executor and the synchronization engine.
// This file contains messages, message content and tool call types.
package convtypes

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message in the conversation transcript.
type Role string

// Message roles understood by the remote assistant.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
	RoleTool      Role = "tool"
)

// TempIDPrefix marks ids generated on the client for optimistic messages.
// Server-issued ids never carry this prefix.
const TempIDPrefix = "temp-"

// IsTempID reports whether id was generated locally for an optimistic message.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// FileAttachment is a file sent along with a user message.
type FileAttachment struct {
	Name     string `json:"name"`               // Original file name
	MimeType string `json:"mimeType,omitempty"` // Detected or declared MIME type
	Data     string `json:"data,omitempty"`     // Base64 encoded file body
	URL      string `json:"url,omitempty"`      // Remote location when the body is not inlined
	Size     int64  `json:"size,omitempty"`     // Size in bytes of the decoded body
}

// MessageContent is the body of a message. The wire format is either a plain
// JSON string or an object carrying text, structured data and files.
type MessageContent struct {
	Text  string           `json:"text,omitempty"`
	Data  json.RawMessage  `json:"data,omitempty"`
	Files []FileAttachment `json:"files,omitempty"`
}

// TextContent returns content holding only text.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// IsZero reports whether the content carries nothing at all.
func (c MessageContent) IsZero() bool {
	return c.Text == "" && len(c.Data) == 0 && len(c.Files) == 0
}

// MarshalJSON writes text-only content as a plain string.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if len(c.Data) == 0 && len(c.Files) == 0 {
		return json.Marshal(c.Text)
	}
	type plain MessageContent
	return json.Marshal(plain(c))
}

// UnmarshalJSON accepts a string, null or an object.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = MessageContent{}
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*c = MessageContent{Text: text}
		return nil
	}
	type plain MessageContent
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*c = MessageContent(p)
	return nil
}

// Clone returns a deep copy of the content.
func (c MessageContent) Clone() MessageContent {
	out := c
	if c.Data != nil {
		out.Data = append(json.RawMessage(nil), c.Data...)
	}
	if c.Files != nil {
		out.Files = append([]FileAttachment(nil), c.Files...)
	}
	return out
}

// ToolCallFunction names the tool and carries its serialized arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON encoded argument object, possibly malformed
}

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type,omitempty"` // Always "function" today
	Function ToolCallFunction `json:"function"`
}

// Name returns the target tool name.
func (tc ToolCall) Name() string {
	return tc.Function.Name
}

// ToolError is the content of a tool response whose handler failed.
type ToolError struct {
	Error string `json:"error"`
}

// ToolResponse answers a single tool call.
type ToolResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Role       Role   `json:"role"`    // Always RoleTool
	Content    any    `json:"content"` // Handler result or ToolError
}

// IsError reports whether the response carries a ToolError.
func (r ToolResponse) IsError() bool {
	switch r.Content.(type) {
	case ToolError, *ToolError:
		return true
	}
	return false
}

// Message is a single entry of the transcript. Messages are treated as immutable
// once created; use Clone before handing one to code that may modify it.
type Message struct {
	ID             string         `json:"id"`
	Role           Role           `json:"role"`
	Content        MessageContent `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
	ConversationID string         `json:"conversationId,omitempty"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	Summary        string         `json:"summary,omitempty"`
}

// Text returns the free-text part of the message.
func (m Message) Text() string {
	return m.Content.Text
}

// HasToolCalls reports whether the message requests tool executions.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Clone returns a deep copy suitable for isolation across component boundaries.
func (m Message) Clone() Message {
	out := m
	out.Content = m.Content.Clone()
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

// CloneMessages returns deep copies of all messages.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
