package syncengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"convsync/internal/logger"
	"convsync/internal/toolexec"
	"convsync/internal/transport"
	"convsync/pkg/convtypes"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	every   = time.Millisecond
)

type fakeTransport struct {
	mu           sync.Mutex
	noCredential bool
	sendErr      error
	sendConvID   string
	sendGate     chan struct{}
	sends        []convtypes.SubmitRequest
	realtime     func(n int) (*convtypes.Snapshot, error)
	fetches      int
	submitErr    error
	submitted    [][]convtypes.ToolResponse
	onSubmit     func()
	conversation *convtypes.Conversation
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sendConvID: "conv-1"}
}

func (f *fakeTransport) SendMessage(ctx context.Context, req convtypes.SubmitRequest) (*convtypes.SubmitResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	gate, err, id := f.sendGate, f.sendErr, f.sendConvID
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &convtypes.SubmitResult{ConversationID: id}, nil
}

func (f *fakeTransport) FetchRealtime(_ context.Context, conversationID string) (*convtypes.Snapshot, error) {
	f.mu.Lock()
	f.fetches++
	n, fn := f.fetches, f.realtime
	f.mu.Unlock()

	if fn == nil {
		return &convtypes.Snapshot{ConversationID: conversationID, Status: convtypes.StatusProcessing}, nil
	}
	return fn(n)
}

func (f *fakeTransport) SubmitToolResponses(_ context.Context, conversationID string, responses []convtypes.ToolResponse) (*convtypes.SubmitResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, responses)
	err, hook := f.submitErr, f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &convtypes.SubmitResult{ConversationID: conversationID}, nil
}

func (f *fakeTransport) FetchConversation(_ context.Context, conversationID string) (*convtypes.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conversation == nil {
		return nil, errors.New("not found")
	}
	conv := *f.conversation
	conv.ID = conversationID
	return &conv, nil
}

func (f *fakeTransport) HasCredential() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noCredential
}

func (f *fakeTransport) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) submissions() [][]convtypes.ToolResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]convtypes.ToolResponse(nil), f.submitted...)
}

func (f *fakeTransport) setRealtime(fn func(n int) (*convtypes.Snapshot, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = fn
}

type recorder struct {
	mu            sync.Mutex
	sent          []convtypes.Message
	received      []convtypes.Message
	toolCalls     []convtypes.ToolCall
	errs          []error
	conversations []string
	stateChanges  int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessageSent: func(m convtypes.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sent = append(r.sent, m)
		},
		OnMessageReceived: func(m convtypes.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.received = append(r.received, m)
		},
		OnToolCall: func(c convtypes.ToolCall) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.toolCalls = append(r.toolCalls, c)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnConversationCreated: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.conversations = append(r.conversations, id)
		},
		OnStateChange: func(State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stateChanges++
		},
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) counts() (sent, received, tools, conversations int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent), len(r.received), len(r.toolCalls), len(r.conversations)
}

type countingObserver struct {
	NopObserver
	mu          sync.Mutex
	divergences int
	handoffs    []bool
	kinds       []ErrorKind
}

func (o *countingObserver) PendingDivergence(int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.divergences++
}

func (o *countingObserver) HandoffChanged(active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handoffs = append(o.handoffs, active)
}

func (o *countingObserver) ErrorRecorded(kind ErrorKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds = append(o.kinds, kind)
}

type harness struct {
	engine    *Engine
	transport *fakeTransport
	recorder  *recorder
	observer  *countingObserver
}

func newHarness(t *testing.T, ft *fakeTransport, tools ...toolexec.Tool) *harness {
	t.Helper()
	executor, err := toolexec.New(tools, toolexec.Options{Logger: logger.Discard()})
	require.NoError(t, err)

	h := &harness{transport: ft, recorder: &recorder{}, observer: &countingObserver{}}
	h.engine, err = New(Options{
		Transport:       ft,
		Tools:           executor,
		Settings:        Settings{TenantID: "tenant", TemplateID: "template"},
		Callbacks:       h.recorder.callbacks(),
		PollInterval:    2 * time.Millisecond,
		HandoffInterval: 5 * time.Millisecond,
		Observer:        h.observer,
		Logger:          logger.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(h.engine.Close)
	return h
}

func completedSnapshot(messages ...convtypes.Message) func(int) (*convtypes.Snapshot, error) {
	return func(int) (*convtypes.Snapshot, error) {
		return &convtypes.Snapshot{
			ConversationID: "conv-1",
			Status:         convtypes.StatusCompleted,
			Messages:       convtypes.CloneMessages(messages),
		}, nil
	}
}

func clockCall(id string) convtypes.ToolCall {
	return convtypes.ToolCall{ID: id, Type: "function", Function: convtypes.ToolCallFunction{Name: "clock", Arguments: `{"tz":"UTC"}`}}
}

func waitingSnapshot(calls ...convtypes.ToolCall) *convtypes.Snapshot {
	return &convtypes.Snapshot{
		ConversationID: "conv-1",
		Status:         convtypes.StatusWaitingForToolResponse,
		Messages: []convtypes.Message{
			msg("u1", convtypes.RoleUser, "what time is it"),
			{ID: "a1", Role: convtypes.RoleAssistant, ToolCalls: calls},
		},
		PendingToolCalls: calls,
	}
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestEngine_InitialState(t *testing.T) {
	h := newHarness(t, newFakeTransport())
	state := h.engine.State()
	assert.Equal(t, convtypes.StatusIdle, state.Status)
	assert.False(t, state.Loading)
	assert.Empty(t, state.Messages)
	assert.Empty(t, state.ConversationID)
	assert.NoError(t, h.engine.WaitIdle(context.Background()))
}

func TestEngine_SendMessageSupersedesOptimistic(t *testing.T) {
	ft := newFakeTransport()
	ft.sendGate = make(chan struct{})
	h := newHarness(t, ft)

	ft.setRealtime(completedSnapshot(
		msg("u1", convtypes.RoleUser, "hello"),
		msg("a1", convtypes.RoleAssistant, "hi there"),
	))

	done := make(chan error, 1)
	go func() {
		done <- h.engine.SendMessage(context.Background(), "hello", SendOptions{TemplateID: "override"})
	}()

	assert.Eventually(t, func() bool { return ft.sendCount() == 1 }, waitFor, every)
	optimistic := h.engine.State()
	require.Len(t, optimistic.Messages, 1)
	assert.True(t, convtypes.IsTempID(optimistic.Messages[0].ID))
	assert.Equal(t, convtypes.StatusProcessing, optimistic.Status)
	assert.True(t, optimistic.Loading)

	close(ft.sendGate)
	require.NoError(t, <-done)
	require.NoError(t, h.engine.WaitIdle(context.Background()))

	state := h.engine.State()
	assert.Equal(t, "conv-1", state.ConversationID)
	assert.Equal(t, convtypes.StatusCompleted, state.Status)
	assert.False(t, state.Loading)
	assert.NoError(t, state.Error)
	assert.Equal(t, []string{"u1", "a1"}, ids(state.Messages))
	assert.Empty(t, state.Optimistic())

	sent, received, _, conversations := h.recorder.counts()
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, received)
	assert.Equal(t, 1, conversations)

	ft.mu.Lock()
	req := ft.sends[0]
	ft.mu.Unlock()
	assert.True(t, req.Async)
	assert.Equal(t, "tenant", req.TenantID)
	assert.Equal(t, "override", req.TemplateID)
	assert.Empty(t, req.ConversationID)
}

func TestEngine_ConversationCreatedOnce(t *testing.T) {
	ft := newFakeTransport()
	ft.realtime = completedSnapshot(msg("a1", convtypes.RoleAssistant, "ok"))
	h := newHarness(t, ft)

	for i := 0; i < 2; i++ {
		require.NoError(t, h.engine.SendMessage(context.Background(), "again", SendOptions{}))
		require.NoError(t, h.engine.WaitIdle(context.Background()))
	}

	_, _, _, conversations := h.recorder.counts()
	assert.Equal(t, 1, conversations)

	ft.mu.Lock()
	assert.Equal(t, "conv-1", ft.sends[1].ConversationID)
	ft.mu.Unlock()
}

func TestEngine_SendFailureRemovesOptimistic(t *testing.T) {
	ft := newFakeTransport()
	ft.sendErr = errors.New("connection refused")
	h := newHarness(t, ft)

	err := h.engine.SendMessage(context.Background(), "hello", SendOptions{})
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))

	state := h.engine.State()
	assert.Empty(t, state.Messages)
	assert.Equal(t, convtypes.StatusError, state.Status)
	assert.False(t, state.Loading)
	assert.ErrorContains(t, state.Error, "connection refused")

	sent, _, _, _ := h.recorder.counts()
	assert.Zero(t, sent)
	require.Len(t, h.recorder.errors(), 1)
	assert.Zero(t, ft.fetchCount())

	// The engine stays usable.
	ft.mu.Lock()
	ft.sendErr = nil
	ft.realtime = completedSnapshot(msg("u1", convtypes.RoleUser, "retry"))
	ft.mu.Unlock()
	require.NoError(t, h.engine.SendMessage(context.Background(), "retry", SendOptions{}))
	require.NoError(t, h.engine.WaitIdle(context.Background()))
	assert.Equal(t, convtypes.StatusCompleted, h.engine.State().Status)
	assert.NoError(t, h.engine.State().Error)
}

func TestEngine_MissingCredentialFailsFast(t *testing.T) {
	ft := newFakeTransport()
	ft.noCredential = true
	h := newHarness(t, ft)

	err := h.engine.SendMessage(context.Background(), "hello", SendOptions{})
	assert.ErrorIs(t, err, transport.ErrMissingCredential)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Zero(t, ft.sendCount())

	state := h.engine.State()
	assert.Empty(t, state.Messages)
	assert.Equal(t, convtypes.StatusError, state.Status)
	assert.False(t, state.Loading)
}

func TestEngine_EmptyMessage(t *testing.T) {
	h := newHarness(t, newFakeTransport())
	assert.ErrorIs(t, h.engine.SendMessage(context.Background(), "  ", SendOptions{}), ErrEmptyMessage)
	assert.Zero(t, h.transport.sendCount())
}

func TestEngine_SendWithFiles(t *testing.T) {
	ft := newFakeTransport()
	ft.realtime = completedSnapshot()
	h := newHarness(t, ft)

	files := []convtypes.FileAttachment{{Data: "aGVsbG8="}}
	require.NoError(t, h.engine.SendMessage(context.Background(), "", SendOptions{Files: files}))

	ft.mu.Lock()
	req := ft.sends[0]
	ft.mu.Unlock()
	require.Len(t, req.Files, 1)
	assert.Equal(t, "attachment-1", req.Files[0].Name)
	assert.Equal(t, int64(5), req.Files[0].Size)
}

func TestEngine_StopStatusHaltsPolling(t *testing.T) {
	for _, status := range []convtypes.Status{convtypes.StatusCompleted, convtypes.StatusError} {
		t.Run(string(status), func(t *testing.T) {
			ft := newFakeTransport()
			ft.realtime = func(n int) (*convtypes.Snapshot, error) {
				s := &convtypes.Snapshot{ConversationID: "conv-1", Status: convtypes.StatusProcessing}
				if n >= 3 {
					s.Status = status
				}
				return s, nil
			}
			h := newHarness(t, ft)

			require.NoError(t, h.engine.SendMessage(context.Background(), "hi", SendOptions{}))
			require.NoError(t, h.engine.WaitIdle(context.Background()))

			fetches := ft.fetchCount()
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, fetches, ft.fetchCount())
			assert.Equal(t, 3, fetches)

			state := h.engine.State()
			assert.Equal(t, status, state.Status)
			assert.False(t, state.Loading)
			if status == convtypes.StatusError {
				assert.ErrorIs(t, state.Error, ErrProcessingFailed)
				assert.Equal(t, KindProcessing, KindOf(state.Error))
			}
		})
	}
}

func TestEngine_PollErrorStopsPolling(t *testing.T) {
	ft := newFakeTransport()
	ft.realtime = func(int) (*convtypes.Snapshot, error) {
		return nil, errors.New("503 service unavailable")
	}
	h := newHarness(t, ft)

	require.NoError(t, h.engine.SendMessage(context.Background(), "hi", SendOptions{}))
	require.NoError(t, h.engine.WaitIdle(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ft.fetchCount())

	state := h.engine.State()
	assert.Equal(t, convtypes.StatusError, state.Status)
	assert.Equal(t, KindTransport, KindOf(state.Error))
	assert.Len(t, h.recorder.errors(), 1)
}

func TestEngine_NoDoubleToolExecution(t *testing.T) {
	ft := newFakeTransport()
	var executions atomic.Int32
	var submitted atomic.Bool
	var lagging atomic.Int32

	ft.realtime = func(int) (*convtypes.Snapshot, error) {
		if !submitted.Load() {
			return waitingSnapshot(clockCall("c1")), nil
		}
		// The server keeps reporting the answered call for a few polls.
		if lagging.Add(1) <= 3 {
			return waitingSnapshot(clockCall("c1")), nil
		}
		snap := waitingSnapshot(clockCall("c1"))
		snap.Status = convtypes.StatusCompleted
		snap.PendingToolCalls = nil
		snap.Messages = append(snap.Messages,
			convtypes.Message{ID: "t1", Role: convtypes.RoleTool, ToolCallID: "c1"},
			msg("a2", convtypes.RoleAssistant, "It is noon."),
		)
		return snap, nil
	}
	ft.onSubmit = func() { submitted.Store(true) }

	h := newHarness(t, ft, toolexec.Tool{
		Name: "clock",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			executions.Add(1)
			return map[string]any{"time": "12:00", "tz": args["tz"]}, nil
		},
	})

	require.NoError(t, h.engine.SendMessage(context.Background(), "what time is it", SendOptions{}))
	assert.Eventually(t, func() bool {
		s := h.engine.State()
		return s.Status == convtypes.StatusCompleted && !s.Loading
	}, waitFor, every)

	assert.Equal(t, int32(1), executions.Load())
	subs := ft.submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0], 1)
	assert.Equal(t, "c1", subs[0][0].ToolCallID)
	assert.Equal(t, map[string]any{"time": "12:00", "tz": "UTC"}, subs[0][0].Content)

	_, _, toolCalls, _ := h.recorder.counts()
	assert.Equal(t, 1, toolCalls)
	assert.Equal(t, "a2", h.engine.State().Messages[len(h.engine.State().Messages)-1].ID)
}

func TestEngine_ToolFailureContainment(t *testing.T) {
	ft := newFakeTransport()
	var submitted atomic.Bool
	ft.realtime = func(int) (*convtypes.Snapshot, error) {
		if !submitted.Load() {
			return waitingSnapshot(clockCall("c1")), nil
		}
		return completedSnapshot(msg("a2", convtypes.RoleAssistant, "sorry"))(0)
	}
	ft.onSubmit = func() { submitted.Store(true) }

	h := newHarness(t, ft, toolexec.Tool{
		Name: "clock",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("clock is broken")
		},
	})

	require.NoError(t, h.engine.SendMessage(context.Background(), "time?", SendOptions{}))
	assert.Eventually(t, func() bool { return h.engine.State().Status == convtypes.StatusCompleted }, waitFor, every)

	subs := ft.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, convtypes.ToolError{Error: "clock is broken"}, subs[0][0].Content)
	assert.NoError(t, h.engine.State().Error)
	assert.Empty(t, h.recorder.errors())
}

func TestEngine_ToolSubmitFailureIsRecorded(t *testing.T) {
	ft := newFakeTransport()
	ft.realtime = func(int) (*convtypes.Snapshot, error) {
		return waitingSnapshot(clockCall("c1")), nil
	}
	ft.submitErr = errors.New("submit failed")

	h := newHarness(t, ft, toolexec.Tool{
		Name:    "clock",
		Handler: func(context.Context, map[string]any) (any, error) { return "noon", nil },
	})

	require.NoError(t, h.engine.SendMessage(context.Background(), "time?", SendOptions{}))
	assert.Eventually(t, func() bool { return h.engine.State().Status == convtypes.StatusError }, waitFor, every)

	state := h.engine.State()
	assert.False(t, state.Loading)
	assert.ErrorContains(t, state.Error, "submit failed")
	assert.False(t, h.engine.primary.Running())
}

func TestEngine_UnregisteredPendingCallsAreIgnored(t *testing.T) {
	ft := newFakeTransport()
	remote := convtypes.ToolCall{ID: "r1", Function: convtypes.ToolCallFunction{Name: "server_search"}}
	ft.realtime = func(n int) (*convtypes.Snapshot, error) {
		if n < 3 {
			return waitingSnapshot(remote), nil
		}
		return completedSnapshot()(n)
	}

	h := newHarness(t, ft, toolexec.Tool{
		Name:    "clock",
		Handler: func(context.Context, map[string]any) (any, error) { return "noon", nil },
	})

	require.NoError(t, h.engine.SendMessage(context.Background(), "search", SendOptions{}))
	require.NoError(t, h.engine.WaitIdle(context.Background()))

	assert.Empty(t, ft.submissions())
	_, _, toolCalls, _ := h.recorder.counts()
	assert.Zero(t, toolCalls)
}

func TestEngine_PendingDivergenceIsCounted(t *testing.T) {
	ft := newFakeTransport()
	var submitted atomic.Bool
	ft.realtime = func(int) (*convtypes.Snapshot, error) {
		if submitted.Load() {
			return completedSnapshot()(0)
		}
		snap := waitingSnapshot(clockCall("c1"), clockCall("c2"))
		snap.PendingToolCalls = []convtypes.ToolCall{clockCall("c1")}
		return snap, nil
	}
	ft.onSubmit = func() { submitted.Store(true) }

	h := newHarness(t, ft, toolexec.Tool{
		Name:    "clock",
		Handler: func(context.Context, map[string]any) (any, error) { return "noon", nil },
	})

	require.NoError(t, h.engine.SendMessage(context.Background(), "time?", SendOptions{}))
	assert.Eventually(t, func() bool { return h.engine.State().Status == convtypes.StatusCompleted }, waitFor, every)

	subs := ft.submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0], 1)
	assert.Equal(t, "c1", subs[0][0].ToolCallID)

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.GreaterOrEqual(t, h.observer.divergences, 1)
}

func TestEngine_HandoffRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	var delegated atomic.Bool
	delegated.Store(true)
	ft.realtime = func(int) (*convtypes.Snapshot, error) {
		if delegated.Load() {
			return &convtypes.Snapshot{ConversationID: "conv-1", Status: convtypes.StatusHandedOff, SubthreadID: "sub-1"}, nil
		}
		return completedSnapshot(
			msg("u1", convtypes.RoleUser, "delegate this"),
			msg("a9", convtypes.RoleAssistant, "subagent done"),
		)(0)
	}
	h := newHarness(t, ft)

	require.NoError(t, h.engine.SendMessage(context.Background(), "delegate this", SendOptions{}))
	assert.Eventually(t, func() bool { return h.engine.State().HandedOff }, waitFor, every)

	state := h.engine.State()
	assert.Equal(t, "sub-1", state.SubthreadID)
	assert.True(t, state.Loading)
	assert.Equal(t, convtypes.StatusHandedOff, state.Status)
	assert.False(t, h.engine.primary.Running())
	assert.True(t, h.engine.monitor.Enabled())

	delegated.Store(false)
	require.NoError(t, h.engine.WaitIdle(context.Background()))

	state = h.engine.State()
	assert.False(t, state.HandedOff)
	assert.Empty(t, state.SubthreadID)
	assert.Equal(t, convtypes.StatusCompleted, state.Status)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "u1", state.Messages[0].ID)
	assert.Equal(t, "a9", state.Messages[1].ID)
	assert.False(t, h.engine.monitor.Enabled())

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, []bool{true, false}, h.observer.handoffs)
}

func TestEngine_HandoffMonitorSwallowsErrors(t *testing.T) {
	ft := newFakeTransport()
	var phase atomic.Int32
	ft.realtime = func(int) (*convtypes.Snapshot, error) {
		switch phase.Load() {
		case 0:
			return &convtypes.Snapshot{ConversationID: "conv-1", Status: convtypes.StatusHandedOff}, nil
		case 1:
			return nil, errors.New("flaky")
		default:
			return completedSnapshot()(0)
		}
	}
	h := newHarness(t, ft)

	require.NoError(t, h.engine.SendMessage(context.Background(), "delegate", SendOptions{}))
	assert.Eventually(t, func() bool { return h.engine.State().HandedOff }, waitFor, every)

	phase.Store(1)
	before := ft.fetchCount()
	assert.Eventually(t, func() bool { return ft.fetchCount() >= before+3 }, waitFor, every)
	state := h.engine.State()
	assert.True(t, state.HandedOff)
	assert.NoError(t, state.Error)
	assert.Empty(t, h.recorder.errors())

	phase.Store(2)
	require.NoError(t, h.engine.WaitIdle(context.Background()))
	assert.Equal(t, convtypes.StatusCompleted, h.engine.State().Status)
}

func TestEngine_OnHandoffCompleted(t *testing.T) {
	ft := newFakeTransport()
	var resumed atomic.Bool
	ft.realtime = func(int) (*convtypes.Snapshot, error) {
		if resumed.Load() {
			return completedSnapshot()(0)
		}
		return &convtypes.Snapshot{ConversationID: "conv-1", Status: convtypes.StatusHandedOff, SubthreadID: "sub-2"}, nil
	}
	h := newHarness(t, ft)
	// Without a handoff this is a no-op.
	h.engine.OnHandoffCompleted()
	assert.Equal(t, convtypes.StatusIdle, h.engine.State().Status)

	require.NoError(t, h.engine.SendMessage(context.Background(), "delegate", SendOptions{}))
	assert.Eventually(t, func() bool { return h.engine.State().HandedOff }, waitFor, every)

	resumed.Store(true)
	h.engine.OnHandoffCompleted()
	state := h.engine.State()
	assert.False(t, state.HandedOff)
	assert.Empty(t, state.SubthreadID)
	assert.False(t, h.engine.monitor.Enabled())

	require.NoError(t, h.engine.WaitIdle(context.Background()))
	assert.Equal(t, convtypes.StatusCompleted, h.engine.State().Status)
}

func TestEngine_LoadChat(t *testing.T) {
	ft := newFakeTransport()
	ft.conversation = &convtypes.Conversation{Messages: []convtypes.Message{
		msg("u1", convtypes.RoleUser, "old question"),
		msg("a1", convtypes.RoleAssistant, "old answer"),
	}}
	h := newHarness(t, ft)

	require.NoError(t, h.engine.LoadChat(context.Background(), "conv-old"))

	state := h.engine.State()
	assert.Equal(t, "conv-old", state.ConversationID)
	assert.Equal(t, convtypes.StatusCompleted, state.Status)
	assert.False(t, state.Loading)
	assert.Equal(t, []string{"u1", "a1"}, ids(state.Messages))

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, ft.fetchCount())

	assert.Error(t, h.engine.LoadChat(context.Background(), ""))
}

func TestEngine_LoadChatFailure(t *testing.T) {
	h := newHarness(t, newFakeTransport())

	err := h.engine.LoadChat(context.Background(), "conv-x")
	require.Error(t, err)
	state := h.engine.State()
	assert.Equal(t, convtypes.StatusError, state.Status)
	assert.Empty(t, state.ConversationID)
}

func TestEngine_ClearChat(t *testing.T) {
	ft := newFakeTransport()
	h := newHarness(t, ft)

	require.NoError(t, h.engine.SendMessage(context.Background(), "hi", SendOptions{}))
	assert.Eventually(t, func() bool { return ft.fetchCount() >= 2 }, waitFor, every)

	h.engine.ClearChat()
	state := h.engine.State()
	assert.Empty(t, state.Messages)
	assert.Empty(t, state.ConversationID)
	assert.Equal(t, convtypes.StatusIdle, state.Status)
	assert.False(t, state.Loading)

	fetches := ft.fetchCount()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, ft.fetchCount(), fetches+1)
}

func TestEngine_ClearChatDropsInFlightSend(t *testing.T) {
	ft := newFakeTransport()
	ft.sendGate = make(chan struct{})
	h := newHarness(t, ft)

	done := make(chan error, 1)
	go func() { done <- h.engine.SendMessage(context.Background(), "hi", SendOptions{}) }()
	assert.Eventually(t, func() bool { return ft.sendCount() == 1 }, waitFor, every)

	h.engine.ClearChat()
	close(ft.sendGate)
	require.NoError(t, <-done)

	state := h.engine.State()
	assert.Empty(t, state.ConversationID)
	assert.Empty(t, state.Messages)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, ft.fetchCount())
}

func TestEngine_StopChatDuringFailedSend(t *testing.T) {
	ft := newFakeTransport()
	ft.sendGate = make(chan struct{})
	ft.sendErr = errors.New("boom")
	h := newHarness(t, ft)

	done := make(chan error, 1)
	go func() { done <- h.engine.SendMessage(context.Background(), "hello", SendOptions{}) }()
	assert.Eventually(t, func() bool { return ft.sendCount() == 1 }, waitFor, every)

	h.engine.StopChat()
	close(ft.sendGate)
	require.ErrorContains(t, <-done, "boom")

	state := h.engine.State()
	assert.Empty(t, state.Messages)
	assert.False(t, state.Loading)
	assert.ErrorContains(t, state.Error, "boom")
	assert.Zero(t, ft.fetchCount())
}

func TestEngine_StopChatDuringSendKeepsConversation(t *testing.T) {
	ft := newFakeTransport()
	ft.sendGate = make(chan struct{})
	h := newHarness(t, ft)

	done := make(chan error, 1)
	go func() { done <- h.engine.SendMessage(context.Background(), "hello", SendOptions{}) }()
	assert.Eventually(t, func() bool { return ft.sendCount() == 1 }, waitFor, every)

	h.engine.StopChat()
	close(ft.sendGate)
	require.NoError(t, <-done)

	state := h.engine.State()
	assert.Equal(t, "conv-1", state.ConversationID)
	assert.Equal(t, convtypes.StatusIdle, state.Status)
	assert.False(t, state.Loading)
	require.Len(t, state.Messages, 1)
	_, _, _, conversations := h.recorder.counts()
	assert.Equal(t, 1, conversations)

	// Polling stays off until the next send.
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, ft.fetchCount())
	assert.False(t, h.engine.primary.Running())

	ft.setRealtime(completedSnapshot(msg("u1", convtypes.RoleUser, "hello"), msg("u2", convtypes.RoleUser, "again")))
	require.NoError(t, h.engine.SendMessage(context.Background(), "again", SendOptions{}))
	ft.mu.Lock()
	assert.Equal(t, "conv-1", ft.sends[1].ConversationID)
	ft.mu.Unlock()
	require.NoError(t, h.engine.WaitIdle(context.Background()))
}

func TestEngine_SendWhilePollingKeepsLoading(t *testing.T) {
	ft := newFakeTransport()
	h := newHarness(t, ft)

	require.NoError(t, h.engine.SendMessage(context.Background(), "first", SendOptions{}))
	assert.Eventually(t, func() bool { return ft.fetchCount() >= 1 }, waitFor, every)

	gate := make(chan struct{})
	ft.mu.Lock()
	ft.sendGate = gate
	ft.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.engine.SendMessage(context.Background(), "second", SendOptions{}) }()
	assert.Eventually(t, func() bool { return ft.sendCount() == 2 }, waitFor, every)

	// The first turn completes on the server while the second is submitted.
	ft.setRealtime(completedSnapshot(msg("u1", convtypes.RoleUser, "first"), msg("a1", convtypes.RoleAssistant, "done")))
	time.Sleep(10 * time.Millisecond)
	assert.True(t, h.engine.State().Loading)

	ft.setRealtime(nil)
	close(gate)
	require.NoError(t, <-done)

	state := h.engine.State()
	assert.Equal(t, convtypes.StatusProcessing, state.Status)
	assert.True(t, state.Loading)
	assert.True(t, h.engine.primary.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.engine.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestEngine_SnapshotFromBeforeStopIsDiscarded(t *testing.T) {
	ft := newFakeTransport()
	var executions atomic.Int32
	h := newHarness(t, ft, toolexec.Tool{
		Name: "clock",
		Handler: func(context.Context, map[string]any) (any, error) {
			executions.Add(1)
			return "noon", nil
		},
	})

	require.NoError(t, h.engine.SendMessage(context.Background(), "what time is it", SendOptions{}))
	assert.Eventually(t, func() bool { return ft.fetchCount() >= 1 }, waitFor, every)

	// A snapshot fetched before the stop, delivered after it.
	h.engine.mu.Lock()
	late := polled{conversationID: "conv-1", gen: h.engine.pollGen, snapshot: waitingSnapshot(clockCall("c1"))}
	h.engine.mu.Unlock()

	h.engine.StopChat()
	h.engine.onPollUpdate(late)
	h.engine.onPollStop(late)

	state := h.engine.State()
	assert.Equal(t, convtypes.StatusIdle, state.Status)
	assert.False(t, state.Loading)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, executions.Load())
	assert.Empty(t, ft.submissions())
}

func TestEngine_StopChat(t *testing.T) {
	ft := newFakeTransport()
	h := newHarness(t, ft)

	require.NoError(t, h.engine.SendMessage(context.Background(), "hi", SendOptions{}))
	assert.Eventually(t, func() bool { return ft.fetchCount() >= 2 }, waitFor, every)

	h.engine.StopChat()
	state := h.engine.State()
	assert.Equal(t, convtypes.StatusIdle, state.Status)
	assert.False(t, state.Loading)
	assert.Equal(t, "conv-1", state.ConversationID)
	assert.NotEmpty(t, state.Messages)
	assert.False(t, h.engine.primary.Running())
}

func TestEngine_StateIsDeepCopy(t *testing.T) {
	ft := newFakeTransport()
	ft.realtime = completedSnapshot(msg("u1", convtypes.RoleUser, "hello"))
	h := newHarness(t, ft)

	require.NoError(t, h.engine.SendMessage(context.Background(), "hello", SendOptions{}))
	require.NoError(t, h.engine.WaitIdle(context.Background()))

	state := h.engine.State()
	state.Messages[0].Content.Text = "mutated"
	assert.Equal(t, "hello", h.engine.State().Messages[0].Text())
}

func TestEngine_Close(t *testing.T) {
	ft := newFakeTransport()
	release := make(chan struct{})
	ft.realtime = func(int) (*convtypes.Snapshot, error) {
		return waitingSnapshot(clockCall("c1")), nil
	}

	h := newHarness(t, ft, toolexec.Tool{
		Name: "clock",
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		},
	})

	require.NoError(t, h.engine.SendMessage(context.Background(), "time?", SendOptions{}))
	assert.Eventually(t, func() bool {
		_, _, tools, _ := h.recorder.counts()
		return tools == 1
	}, waitFor, every)

	h.engine.Close()
	close(release)

	h.recorder.mu.Lock()
	changes := h.recorder.stateChanges
	h.recorder.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	h.recorder.mu.Lock()
	assert.Equal(t, changes, h.recorder.stateChanges)
	h.recorder.mu.Unlock()

	assert.ErrorIs(t, h.engine.SendMessage(context.Background(), "x", SendOptions{}), ErrEngineClosed)
	assert.ErrorIs(t, h.engine.LoadChat(context.Background(), "c"), ErrEngineClosed)
	assert.ErrorIs(t, h.engine.WaitIdle(context.Background()), ErrEngineClosed)
	assert.Equal(t, convtypes.StatusIdle, h.engine.State().Status)

	h.engine.ClearChat()
	h.engine.StopChat()
	h.engine.Close()
}

func TestEngine_WaitIdleHonorsContext(t *testing.T) {
	ft := newFakeTransport()
	h := newHarness(t, ft)

	require.NoError(t, h.engine.SendMessage(context.Background(), "hi", SendOptions{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.engine.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestEngine_UpdateSettingsAndCallbacks(t *testing.T) {
	ft := newFakeTransport()
	ft.realtime = completedSnapshot()
	h := newHarness(t, ft)

	h.engine.UpdateSettings(func(s *Settings) { s.TenantID = "other" })

	var created atomic.Int32
	h.engine.SetCallbacks(Callbacks{OnConversationCreated: func(string) { created.Add(1) }})

	require.NoError(t, h.engine.SendMessage(context.Background(), "hi", SendOptions{}))
	require.NoError(t, h.engine.WaitIdle(context.Background()))

	ft.mu.Lock()
	assert.Equal(t, "other", ft.sends[0].TenantID)
	ft.mu.Unlock()
	assert.Equal(t, int32(1), created.Load())

	_, _, _, conversations := h.recorder.counts()
	assert.Zero(t, conversations)
}
