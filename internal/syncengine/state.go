package syncengine

import (
	"convsync/pkg/convtypes"
)

// State is the locally visible conversation. Values returned by Engine.State are
// deep copies and may be modified freely.
type State struct {
	Messages       []convtypes.Message
	ConversationID string
	Loading        bool
	Status         convtypes.Status
	Error          error
	HandedOff      bool
	SubthreadID    string
}

func newState() State {
	return State{Status: convtypes.StatusIdle}
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.Messages = convtypes.CloneMessages(s.Messages)
	return out
}

// Optimistic returns the messages that have not yet been confirmed by the server.
func (s State) Optimistic() []convtypes.Message {
	var out []convtypes.Message
	for _, m := range s.Messages {
		if convtypes.IsTempID(m.ID) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Callbacks receive engine notifications. They run synchronously on the goroutine
// that produced the change, after the engine lock has been released. Any field may
// be nil.
type Callbacks struct {
	OnMessageSent         func(msg convtypes.Message)
	OnMessageReceived     func(msg convtypes.Message)
	OnToolCall            func(call convtypes.ToolCall)
	OnError               func(err error)
	OnConversationCreated func(conversationID string)
	OnStateChange         func(state State)
}

// Settings are the submission defaults applied to every send.
type Settings struct {
	TenantID   string
	TemplateID string
}

// SendOptions override Settings for a single send and carry attachments.
type SendOptions struct {
	Files      []convtypes.FileAttachment
	TenantID   string
	TemplateID string
}

// notifications collects callbacks while the engine lock is held so they can be
// fired in order once it is released.
type notifications []func()

func (n *notifications) add(fn func()) {
	*n = append(*n, fn)
}

func (n notifications) fire() {
	for _, fn := range n {
		fn()
	}
}
