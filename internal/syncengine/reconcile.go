package syncengine

import (
	"convsync/pkg/convtypes"
)

// Reconcile merges the local transcript with a server snapshot. The server
// messages come first in server order, followed by local messages the server has
// not confirmed yet. A local message counts as confirmed when its id appears in
// the snapshot or, for user messages, when a snapshot user message carries the
// same text. Reconcile is idempotent for a fixed snapshot and never mutates its
// inputs.
func Reconcile(local, server []convtypes.Message) []convtypes.Message {
	out := make([]convtypes.Message, 0, len(server)+len(local))
	ids := make(map[string]struct{}, len(server))
	userTexts := make(map[string]struct{})

	for _, m := range server {
		out = append(out, m.Clone())
		ids[m.ID] = struct{}{}
		if m.Role == convtypes.RoleUser {
			userTexts[m.Text()] = struct{}{}
		}
	}

	for _, m := range local {
		if _, ok := ids[m.ID]; ok {
			continue
		}
		if m.Role == convtypes.RoleUser {
			if _, ok := userTexts[m.Text()]; ok {
				continue
			}
		}
		out = append(out, m.Clone())
	}
	return out
}

func removeMessage(messages []convtypes.Message, id string) []convtypes.Message {
	out := messages[:0:0]
	for _, m := range messages {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func sameCallIDs(a, b []convtypes.ToolCall) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, c := range a {
		seen[c.ID]++
	}
	for _, c := range b {
		if seen[c.ID] == 0 {
			return false
		}
		seen[c.ID]--
	}
	return true
}
