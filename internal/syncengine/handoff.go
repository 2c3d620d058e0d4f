package syncengine

import (
	"time"

	"convsync/internal/poller"
	"convsync/pkg/convtypes"
)

// newHandoffMonitor builds the slow poller that watches a conversation while it
// is delegated to a subagent thread. It is enabled exactly while State.HandedOff
// is true and its fetch errors never surface to the caller.
func (e *Engine) newHandoffMonitor(interval time.Duration) (*poller.Poller[polled], error) {
	return poller.New(poller.Options[polled]{
		Name:     StreamHandoff,
		Interval: interval,
		Fetch:    e.fetchSnapshot,
		StopWhen: func(p polled) bool {
			return p.snapshot.Status != convtypes.StatusHandedOff
		},
		OnUpdate: func(p polled) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.currentLocked(p) {
				e.observer.PollCompleted(StreamHandoff, p.snapshot.Status)
			}
		},
		OnStop: e.onHandoffEnded,
		OnError: func(err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.closed {
				return
			}
			e.observer.PollFailed(StreamHandoff, err)
			e.logger.Debug("Handoff check failed", "conversation_id", e.state.ConversationID, "error", err)
		},
		RetryOnError: true,
		Logger:       e.logger,
	})
}

// OnHandoffCompleted is called by the front-end when it learns that the subagent
// finished. Handoff state is cleared and primary polling resumes.
func (e *Engine) OnHandoffCompleted() {
	var notes notifications
	e.mu.Lock()
	if e.closed || !e.state.HandedOff {
		e.mu.Unlock()
		return
	}
	e.resumeFromHandoffLocked()
	e.stateChangedLocked(&notes)
	e.mu.Unlock()
	notes.fire()
}

func (e *Engine) onHandoffEnded(p polled) {
	var notes notifications
	e.mu.Lock()
	if !e.currentLocked(p) || !e.state.HandedOff {
		e.mu.Unlock()
		return
	}
	e.logger.Info("Handoff ended", "conversation_id", p.conversationID, "status", p.snapshot.Status)
	e.resumeFromHandoffLocked()
	e.stateChangedLocked(&notes)
	e.mu.Unlock()
	notes.fire()
}

func (e *Engine) startHandoffLocked(subthreadID string) {
	e.primary.Stop()
	e.state.HandedOff = true
	e.state.SubthreadID = subthreadID
	e.observer.HandoffChanged(true)
	e.monitor.SetEnabled(true)
	e.logger.Info("Conversation handed off", "conversation_id", e.state.ConversationID, "subthread_id", subthreadID)
}

// clearHandoffLocked drops handoff state and disables the monitor.
func (e *Engine) clearHandoffLocked() {
	if e.state.HandedOff {
		e.observer.HandoffChanged(false)
	}
	e.state.HandedOff = false
	e.state.SubthreadID = ""
	e.monitor.SetEnabled(false)
}

func (e *Engine) resumeFromHandoffLocked() {
	e.clearHandoffLocked()
	e.state.Status = convtypes.StatusProcessing
	e.setLoadingLocked(true)
	e.primary.Restart()
}
