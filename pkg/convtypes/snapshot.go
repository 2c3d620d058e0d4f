package convtypes

import (
	"time"

	"github.com/openai/openai-go"
)

// Status is the processing state of a conversation.
type Status string

// Conversation statuses. StatusIdle is client-only; every other value is reported
// by the server in snapshots.
const (
	StatusIdle                   Status = "idle"
	StatusProcessing             Status = "processing"
	StatusCompleted              Status = "completed"
	StatusError                  Status = "error"
	StatusWaitingForToolResponse Status = "waiting_for_tool_response"
	StatusHandedOff              Status = "handed_off"
)

// IsTerminal reports whether no further server progress is expected without
// client action.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Snapshot is the server-authoritative state of a conversation at a point in time.
type Snapshot struct {
	ConversationID   string     `json:"conversationId"`
	ClientID         string     `json:"clientId,omitempty"`
	Messages         []Message  `json:"messages"`
	Status           Status     `json:"status"`
	LastUpdated      time.Time  `json:"lastUpdated"`
	PendingToolCalls []ToolCall `json:"pendingToolCalls,omitempty"`
	SubthreadID      string     `json:"subthreadId,omitempty"`
}

// LastMessage returns the final message of the snapshot transcript.
func (s *Snapshot) LastMessage() (Message, bool) {
	if s == nil || len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Conversation is the stored historical record of a conversation.
type Conversation struct {
	ID        string            `json:"id"`
	Title     string            `json:"title,omitempty"`
	Messages  []Message         `json:"messages"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SubmitRequest is the body of a message submission.
type SubmitRequest struct {
	Message        string                           `json:"message"`
	ConversationID string                           `json:"conversationId,omitempty"`
	TenantID       string                           `json:"tenantId,omitempty"`
	TemplateID     string                           `json:"templateId,omitempty"`
	Tools          []openai.ChatCompletionToolParam `json:"tools,omitempty"`
	Files          []FileAttachment                 `json:"files,omitempty"`
	Async          bool                             `json:"async"`
}

// SubmitResult is returned by message and tool response submissions.
// Synchronous submissions fill Messages; asynchronous ones fill ConversationID
// and optionally Message or Error.
type SubmitResult struct {
	ConversationID string    `json:"conversationId,omitempty"`
	Message        string    `json:"message,omitempty"`
	Error          string    `json:"error,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
}

// ToolResponsesRequest is the body of a tool response submission.
type ToolResponsesRequest struct {
	Responses []ToolResponse `json:"responses"`
}
