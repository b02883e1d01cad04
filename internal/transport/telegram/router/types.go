// Package router turns Telegram updates into command and callback handler
// calls on a bounded worker pool.
package router

import (
	"context"
	"sync/atomic"
	"time"

	"reviewwatch/internal/transport"
	"reviewwatch/pkg/logx"
	"reviewwatch/pkg/tgui"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Name is the command without the slash, e.g. "watch".
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline button data of the form "scope:action[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string

	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter transport.Adapter
	Logger  logx.Logger

	answered atomic.Bool
}

// Reply sends msg to the chat the request came from.
func (r *Request) Reply(ctx context.Context, msg tgui.Message) error {
	_, err := msg.Send(ctx, r.Adapter, r.Chat)
	return err
}

// Answer acknowledges a callback with text. The router answers with an empty
// text when the handler did not.
func (r *Request) Answer(ctx context.Context, text string) error {
	if r.Update.Callback == nil || !r.answered.CompareAndSwap(false, true) {
		return nil
	}
	return r.Adapter.AnswerCallback(ctx, r.Update.Callback.ID, text)
}
