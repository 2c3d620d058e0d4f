// Package syncengine keeps a local conversation transcript consistent with a
// remote assistant that processes messages asynchronously. It submits user
// messages, polls for snapshots, reconciles optimistic messages, executes
// client-side tool calls and follows handoffs to subagent threads.
package syncengine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"convsync/internal/config"
	"convsync/internal/logger"
	"convsync/internal/poller"
	"convsync/internal/transport"
	"convsync/pkg/convtypes"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
)

// Default polling intervals.
const (
	DefaultPollInterval    = time.Second
	DefaultHandoffInterval = 5 * time.Second
)

var errNoConversation = errors.New("no active conversation")

// Transport is the remote API consumed by the engine.
type Transport interface {
	SendMessage(ctx context.Context, req convtypes.SubmitRequest) (*convtypes.SubmitResult, error)
	FetchRealtime(ctx context.Context, conversationID string) (*convtypes.Snapshot, error)
	SubmitToolResponses(ctx context.Context, conversationID string, responses []convtypes.ToolResponse) (*convtypes.SubmitResult, error)
	FetchConversation(ctx context.Context, conversationID string) (*convtypes.Conversation, error)
	HasCredential() bool
}

// ToolRunner executes client-side tools. *toolexec.Executor implements it.
type ToolRunner interface {
	ToolSchemas() []openai.ChatCompletionToolParam
	HandleToolCalls(ctx context.Context, calls []convtypes.ToolCall) []convtypes.ToolResponse
	ExtractPendingToolCalls(messages []convtypes.Message) []convtypes.ToolCall
	FilterClientCalls(calls []convtypes.ToolCall) []convtypes.ToolCall
}

// Options configures an Engine. Transport is required.
type Options struct {
	Transport       Transport
	Tools           ToolRunner
	Settings        Settings
	Callbacks       Callbacks
	PollInterval    time.Duration
	HandoffInterval time.Duration
	Observer        Observer
	Logger          *log.Logger
}

// OptionsFromConfig fills the interval and settings fields from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Settings:        Settings{TenantID: cfg.TenantID, TemplateID: cfg.TemplateID},
		PollInterval:    cfg.PollInterval,
		HandoffInterval: cfg.HandoffInterval,
	}
}

// polled ties a snapshot to the conversation and poll generation it was
// requested for.
type polled struct {
	conversationID string
	gen            uint64
	snapshot       *convtypes.Snapshot
}

// Engine is the conversation synchronizer. All methods are safe for concurrent use.
type Engine struct {
	transport Transport
	tools     ToolRunner
	observer  Observer
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	primary *poller.Poller[polled]
	monitor *poller.Poller[polled]

	mu           sync.Mutex
	state        State
	settings     Settings
	callbacks    Callbacks
	dispatched   map[string]struct{}
	announced    map[string]struct{}
	lastReceived string

	// epoch changes when the state is replaced (clear, load, close). stops
	// changes on StopChat. pollGen changes whenever snapshots already in
	// flight must no longer apply.
	epoch   uint64
	stops   uint64
	pollGen uint64

	idle         chan struct{}
	closed       bool
}

// New creates an idle engine.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("syncengine: transport is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HandoffInterval <= 0 {
		opts.HandoffInterval = DefaultHandoffInterval
	}
	if opts.Tools == nil {
		opts.Tools = noTools{}
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewStyledLogger("Engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		transport:  opts.Transport,
		tools:      opts.Tools,
		observer:   opts.Observer,
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		state:      newState(),
		settings:   opts.Settings,
		callbacks:  opts.Callbacks,
		dispatched: make(map[string]struct{}),
		announced:  make(map[string]struct{}),
	}

	var err error
	e.primary, err = poller.New(poller.Options[polled]{
		Name:     StreamPrimary,
		Interval: opts.PollInterval,
		Fetch:    e.fetchSnapshot,
		StopWhen: func(p polled) bool {
			switch p.snapshot.Status {
			case convtypes.StatusCompleted, convtypes.StatusError, convtypes.StatusHandedOff:
				return true
			}
			return false
		},
		OnUpdate: e.onPollUpdate,
		OnStop:   e.onPollStop,
		OnError:  e.onPollError,
		Logger:   opts.Logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	e.monitor, err = e.newHandoffMonitor(opts.HandoffInterval)
	if err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// State returns a deep copy of the current conversation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// SetCallbacks replaces all callbacks. Continuations already in progress use the
// callbacks current at the time they fire.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = cb
}

// UpdateSettings applies fn to the submission defaults.
func (e *Engine) UpdateSettings(fn func(*Settings)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.settings)
}

// SendMessage appends an optimistic user message, submits it as an asynchronous
// job and arms polling. On failure the optimistic message is removed and the
// error is both recorded in the state and returned.
func (e *Engine) SendMessage(ctx context.Context, text string, opts SendOptions) error {
	files := convtypes.NormalizeFiles(opts.Files)
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		return ErrEmptyMessage
	}

	var notes notifications
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if !e.transport.HasCredential() {
		err := e.recordErrorLocked(&notes, classify("send", transport.ErrMissingCredential))
		e.mu.Unlock()
		notes.fire()
		return err
	}

	msg := convtypes.Message{
		ID:             convtypes.TempIDPrefix + uuid.NewString(),
		Role:           convtypes.RoleUser,
		Content:        convtypes.MessageContent{Text: text, Files: files},
		CreatedAt:      time.Now(),
		ConversationID: e.state.ConversationID,
	}
	// The previous turn may still be polling; its results must not land
	// while this submission is in flight.
	e.primary.Stop()
	e.pollGen++

	e.state.Messages = append(e.state.Messages, msg)
	e.state.Status = convtypes.StatusProcessing
	e.state.Error = nil
	e.setLoadingLocked(true)
	e.stateChangedLocked(&notes)

	req := convtypes.SubmitRequest{
		Message:        text,
		ConversationID: e.state.ConversationID,
		TenantID:       firstNonEmpty(opts.TenantID, e.settings.TenantID),
		TemplateID:     firstNonEmpty(opts.TemplateID, e.settings.TemplateID),
		Tools:          e.tools.ToolSchemas(),
		Files:          files,
		Async:          true,
	}
	epoch, stops := e.epoch, e.stops
	e.mu.Unlock()
	notes.fire()

	e.logger.Debug("Submitting message", "conversation_id", req.ConversationID, "files", len(files))
	result, err := e.transport.SendMessage(ctx, req)

	notes = nil
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if epoch != e.epoch {
		// Cleared or loaded while the submission was in flight.
		e.mu.Unlock()
		return err
	}
	stopped := stops != e.stops

	if err != nil {
		e.state.Messages = removeMessage(e.state.Messages, msg.ID)
		recorded := e.recordErrorLocked(&notes, classify("send", err))
		e.mu.Unlock()
		notes.fire()
		return recorded
	}

	if id := result.ConversationID; id != "" && id != e.state.ConversationID {
		e.state.ConversationID = id
		if _, seen := e.announced[id]; !seen {
			e.announced[id] = struct{}{}
			if cb := e.callbacks.OnConversationCreated; cb != nil {
				notes.add(func() { cb(id) })
			}
		}
		e.logger.Info("Conversation assigned", "conversation_id", id)
	}
	if cb := e.callbacks.OnMessageSent; cb != nil {
		sent := msg.Clone()
		notes.add(func() { cb(sent) })
	}
	if !stopped {
		e.state.Status = convtypes.StatusProcessing
		e.setLoadingLocked(true)
		e.primary.Restart()
	}
	e.stateChangedLocked(&notes)
	e.mu.Unlock()

	notes.fire()
	return nil
}

// LoadChat replaces the local state with the stored transcript of conversationID.
// Polling is stopped and the status is completed.
func (e *Engine) LoadChat(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("conversation id is required")
	}
	if e.isClosed() {
		return ErrEngineClosed
	}

	conv, err := e.transport.FetchConversation(ctx, conversationID)

	var notes notifications
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if err != nil {
		recorded := e.recordErrorLocked(&notes, classify("load", err))
		e.mu.Unlock()
		notes.fire()
		return recorded
	}

	e.resetLocked()
	e.state.ConversationID = conv.ID
	e.state.Messages = convtypes.CloneMessages(conv.Messages)
	e.state.Status = convtypes.StatusCompleted
	if n := len(conv.Messages); n > 0 {
		e.lastReceived = conv.Messages[n-1].ID
	}
	e.announced[conv.ID] = struct{}{}
	e.stateChangedLocked(&notes)
	e.mu.Unlock()

	e.logger.Info("Conversation loaded", "conversation_id", conv.ID, "messages", len(conv.Messages))
	notes.fire()
	return nil
}

// ClearChat resets the state to an empty idle conversation and stops all polling.
func (e *Engine) ClearChat() {
	var notes notifications
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.resetLocked()
	e.stateChangedLocked(&notes)
	e.mu.Unlock()
	notes.fire()
}

// StopChat stops polling locally. Processing on the server is not cancelled.
func (e *Engine) StopChat() {
	var notes notifications
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.stops++
	e.pollGen++
	e.primary.Stop()
	e.clearHandoffLocked()
	e.state.Status = convtypes.StatusIdle
	e.setLoadingLocked(false)
	e.stateChangedLocked(&notes)
	e.mu.Unlock()
	notes.fire()
}

// WaitIdle blocks until loading is false, ctx is done or the engine is closed.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if !e.state.Loading {
		e.mu.Unlock()
		return nil
	}
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		if e.isClosed() {
			return ErrEngineClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
}

// Close stops both pollers, cancels in-flight tool work and waits for it to
// finish. No state change or callback happens afterwards. Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.epoch++
	e.pollGen++
	e.primary.Close()
	e.monitor.Close()
	e.setLoadingLocked(false)
	e.state = newState()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Debug("Engine closed")
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) fetchSnapshot(ctx context.Context) (polled, error) {
	e.mu.Lock()
	id, gen := e.state.ConversationID, e.pollGen
	e.mu.Unlock()
	if id == "" {
		return polled{}, errNoConversation
	}

	snap, err := e.transport.FetchRealtime(ctx, id)
	if err != nil {
		return polled{}, err
	}
	if snap == nil {
		snap = &convtypes.Snapshot{}
	}
	return polled{conversationID: id, gen: gen, snapshot: snap}, nil
}

// currentLocked reports whether p belongs to the active conversation and was
// fetched after the last stop, clear or send.
func (e *Engine) currentLocked(p polled) bool {
	return !e.closed && p.snapshot != nil && p.gen == e.pollGen && p.conversationID == e.state.ConversationID
}

func (e *Engine) onPollUpdate(p polled) {
	var notes notifications
	e.mu.Lock()
	if !e.currentLocked(p) {
		e.mu.Unlock()
		return
	}
	snap := p.snapshot
	e.observer.PollCompleted(StreamPrimary, snap.Status)

	e.state.Messages = Reconcile(e.state.Messages, snap.Messages)
	if snap.Status != "" {
		e.state.Status = snap.Status
	}

	if last, ok := snap.LastMessage(); ok && last.Role == convtypes.RoleAssistant && last.ID != e.lastReceived {
		e.lastReceived = last.ID
		if cb := e.callbacks.OnMessageReceived; cb != nil {
			received := last.Clone()
			notes.add(func() { cb(received) })
		}
	}

	if snap.Status == convtypes.StatusWaitingForToolResponse || len(snap.PendingToolCalls) > 0 {
		e.handlePendingLocked(&notes, p)
	}

	e.stateChangedLocked(&notes)
	e.mu.Unlock()
	notes.fire()
}

func (e *Engine) onPollStop(p polled) {
	var notes notifications
	e.mu.Lock()
	if !e.currentLocked(p) {
		e.mu.Unlock()
		return
	}

	switch p.snapshot.Status {
	case convtypes.StatusError:
		e.recordErrorLocked(&notes, classify("poll", ErrProcessingFailed))
	case convtypes.StatusCompleted:
		e.setLoadingLocked(false)
		e.stateChangedLocked(&notes)
	case convtypes.StatusHandedOff:
		e.startHandoffLocked(p.snapshot.SubthreadID)
		e.stateChangedLocked(&notes)
	case convtypes.StatusWaitingForToolResponse:
		// Tool handling in the update path owns re-arming.
	}
	e.mu.Unlock()
	notes.fire()
}

func (e *Engine) onPollError(err error) {
	var notes notifications
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.observer.PollFailed(StreamPrimary, err)
	e.logger.Warn("Polling failed", "conversation_id", e.state.ConversationID, "error", err)
	e.recordErrorLocked(&notes, classify("poll", err))
	e.mu.Unlock()
	notes.fire()
}

// handlePendingLocked dispatches the pending client-side tool calls of a
// snapshot. The explicit pending list is preferred; the transcript scan is the
// fallback and a cross-check.
func (e *Engine) handlePendingLocked(notes *notifications, p polled) {
	snap := p.snapshot
	scanned := e.tools.ExtractPendingToolCalls(snap.Messages)

	pending := scanned
	if len(snap.PendingToolCalls) > 0 {
		pending = e.tools.FilterClientCalls(snap.PendingToolCalls)
		if !sameCallIDs(pending, scanned) {
			e.logger.Warn("Pending tool calls disagree with transcript",
				"conversation_id", p.conversationID, "explicit", len(pending), "scanned", len(scanned))
			e.observer.PendingDivergence(len(pending), len(scanned))
		}
	}

	var batch []convtypes.ToolCall
	for _, call := range pending {
		if _, done := e.dispatched[call.ID]; done {
			continue
		}
		e.dispatched[call.ID] = struct{}{}
		batch = append(batch, call)
	}
	if len(batch) == 0 {
		return
	}

	e.primary.Stop()
	if cb := e.callbacks.OnToolCall; cb != nil {
		for _, call := range batch {
			call := call
			notes.add(func() { cb(call) })
		}
	}

	e.logger.Info("Executing tool calls", "conversation_id", p.conversationID, "count", len(batch))
	e.wg.Add(1)
	go e.runToolBatch(p.conversationID, e.epoch, e.stops, batch)
}

func (e *Engine) runToolBatch(conversationID string, epoch, stops uint64, calls []convtypes.ToolCall) {
	defer e.wg.Done()

	responses := e.tools.HandleToolCalls(e.ctx, calls)
	if len(responses) == 0 {
		e.logger.Debug("Tool batch produced no responses", "conversation_id", conversationID)
		return
	}

	_, err := e.transport.SubmitToolResponses(e.ctx, conversationID, responses)

	var notes notifications
	e.mu.Lock()
	if e.closed || epoch != e.epoch || stops != e.stops || conversationID != e.state.ConversationID {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.recordErrorLocked(&notes, classify("submit tool responses", err))
		e.mu.Unlock()
		notes.fire()
		return
	}

	e.state.Status = convtypes.StatusProcessing
	e.setLoadingLocked(true)
	e.primary.Restart()
	e.stateChangedLocked(&notes)
	e.mu.Unlock()
	notes.fire()
}

// recordErrorLocked captures err into the state and leaves the engine restartable.
func (e *Engine) recordErrorLocked(notes *notifications, err *Error) error {
	e.state.Error = err
	e.state.Status = convtypes.StatusError
	e.setLoadingLocked(false)
	e.observer.ErrorRecorded(err.Kind)
	if cb := e.callbacks.OnError; cb != nil {
		notes.add(func() { cb(err) })
	}
	e.stateChangedLocked(notes)
	return err
}

func (e *Engine) setLoadingLocked(loading bool) {
	if e.state.Loading == loading {
		return
	}
	e.state.Loading = loading
	if loading {
		e.idle = make(chan struct{})
	} else if e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
	e.observer.LoadingChanged(loading)
}

func (e *Engine) stateChangedLocked(notes *notifications) {
	cb := e.callbacks.OnStateChange
	if cb == nil {
		return
	}
	snapshot := e.state.Clone()
	notes.add(func() { cb(snapshot) })
}

// resetLocked returns to an empty idle conversation and invalidates in-flight work.
func (e *Engine) resetLocked() {
	e.epoch++
	e.pollGen++
	e.primary.Stop()
	e.clearHandoffLocked()
	e.setLoadingLocked(false)
	e.state = newState()
	e.dispatched = make(map[string]struct{})
	e.lastReceived = ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type noTools struct{}

func (noTools) ToolSchemas() []openai.ChatCompletionToolParam { return nil }

func (noTools) HandleToolCalls(context.Context, []convtypes.ToolCall) []convtypes.ToolResponse {
	return nil
}

func (noTools) ExtractPendingToolCalls([]convtypes.Message) []convtypes.ToolCall { return nil }

func (noTools) FilterClientCalls([]convtypes.ToolCall) []convtypes.ToolCall { return nil }
