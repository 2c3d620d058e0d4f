package main

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"convsync/internal/logger"
	"convsync/internal/syncengine"
	"convsync/internal/version"
	"convsync/pkg/convtypes"

	"github.com/abiosoft/ishell/v2"
)

// repl is the interactive chat front-end. Plain input lines are sent as user
// messages; replies arrive asynchronously through the engine callbacks.
type repl struct {
	app       *app
	shell     *ishell.Shell
	ctx       context.Context
	cancel    context.CancelFunc
	handedOff atomic.Bool
}

func newREPL(a *app) *repl {
	ctx, cancel := context.WithCancel(context.Background())
	r := &repl{
		app:    a,
		shell:  ishell.New(),
		ctx:    ctx,
		cancel: cancel,
	}
	r.shell.SetPrompt("convsync> ")

	// Replaced by the conversation command of the same name
	r.shell.DeleteCmd("clear")

	r.shell.AddCmd(&ishell.Cmd{
		Name: "clear",
		Help: "start a new conversation",
		Func: func(c *ishell.Context) {
			r.app.engine.ClearChat()
			c.Println("conversation cleared")
		},
	})
	r.shell.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "stop waiting for the current reply",
		Func: func(c *ishell.Context) {
			r.app.engine.StopChat()
			c.Println(r.app.renderer.Status(r.app.engine.State()))
		},
	})
	r.shell.AddCmd(&ishell.Cmd{
		Name: "load",
		Help: "load <conversation-id>: replace the transcript with a stored conversation",
		Func: r.load,
	})
	r.shell.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "show the engine state",
		Func: func(c *ishell.Context) {
			c.Println(r.app.renderer.Status(r.app.engine.State()))
		},
	})
	r.shell.AddCmd(&ishell.Cmd{
		Name: "handoff-done",
		Help: "resume polling after a handoff finished",
		Func: func(c *ishell.Context) {
			if !r.app.engine.State().HandedOff {
				c.Println("no active handoff")
				return
			}
			r.app.engine.OnHandoffCompleted()
		},
	})

	r.shell.NotFound(r.send)
	r.app.engine.SetCallbacks(r.callbacks())
	return r
}

func (r *repl) callbacks() syncengine.Callbacks {
	return syncengine.Callbacks{
		OnMessageReceived: func(msg convtypes.Message) {
			r.shell.Print(r.app.renderer.Message(msg))
		},
		OnToolCall: func(call convtypes.ToolCall) {
			r.shell.Println(r.app.renderer.Theme().Muted.Render(fmt.Sprintf("running %s", call.Name())))
		},
		OnError: func(err error) {
			r.shell.Println(r.app.renderer.Error(err))
		},
		OnConversationCreated: func(conversationID string) {
			logger.Debug("Conversation created", "conversation_id", conversationID)
		},
		OnStateChange: func(state syncengine.State) {
			if state.HandedOff && !r.handedOff.Swap(true) {
				r.shell.Println(r.app.renderer.Status(state))
			}
			if !state.HandedOff {
				r.handedOff.Store(false)
			}
		},
	}
}

func (r *repl) send(c *ishell.Context) {
	text := joinArgs(c.RawArgs)
	if text == "" {
		return
	}
	// Errors are reported through OnError.
	_ = r.app.engine.SendMessage(r.ctx, text, syncengine.SendOptions{})
}

func (r *repl) load(c *ishell.Context) {
	if len(c.Args) != 1 {
		c.Println("usage: load <conversation-id>")
		return
	}
	if err := r.app.engine.LoadChat(r.ctx, strings.TrimSpace(c.Args[0])); err != nil {
		return // already printed by OnError
	}
	c.Print(r.app.renderer.Transcript(r.app.engine.State().Messages))
}

func (r *repl) run() {
	defer r.cancel()
	r.shell.Println(fmt.Sprintf("convsync %s - conversation sync client", version.GetVersion()))
	r.shell.Println("Type a message to send it, 'help' for commands or 'exit' to quit.")
	r.shell.Run()
}
