package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/delivery"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

// broadcastTimeout bounds a whole /broadcast pass. The router default is
// sized for single replies.
const broadcastTimeout = 2 * time.Hour

const (
	msgBroadcastDenied  = "You don't have permission to run this command."
	msgBroadcastUsage   = "Please put the text to broadcast after the command.\nExample: /broadcast Hello everyone! A new kit is coming soon!\nBasic HTML formatting works: <b>bold</b>, <i>italic</i>, <a href='...'>link</a>."
	msgBroadcastEmpty   = "There are no users in the registry to broadcast to."
	msgBroadcastRunning = "A broadcast is already running. Please wait for it to finish."
	msgBroadcastFailed  = "The broadcast could not be started. Check the logs for details."
)

type deliveryFlow interface {
	Start(ctx context.Context, msg kit.Message) delivery.Outcome
	Recheck(ctx context.Context, cb kit.Callback) delivery.Outcome
}

type broadcaster interface {
	Run(ctx context.Context, req broadcast.Request) (broadcast.Report, error)
}

type textSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type handlers struct {
	flow  deliveryFlow
	bcast broadcaster
	out   textSender
}

func (h *handlers) routes() ([]router.Command, []router.CallbackRoute) {
	cmds := []router.Command{
		{Name: "start", Description: "Get the file", InMenu: true, Handle: h.start},
		{Name: "broadcast", Description: "Send a message to every user", Timeout: broadcastTimeout, Handle: h.broadcast},
	}
	scope, action, _, _ := tgui.ParseData(delivery.CheckCallback)
	cbs := []router.CallbackRoute{
		{Scope: scope, Action: action, Handle: h.recheck},
	}
	return cmds, cbs
}

func (h *handlers) start(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	out := h.flow.Start(ctx, *msg)
	req.Logger.Debug("start handled", logx.String("outcome", out.String()))
	return nil
}

func (h *handlers) recheck(ctx context.Context, req *router.Request) error {
	cb := req.Update.Callback
	if cb == nil {
		return nil
	}
	out := h.flow.Recheck(ctx, *cb)
	req.Logger.Debug("recheck handled", logx.String("outcome", out.String()))
	return nil
}

func (h *handlers) broadcast(ctx context.Context, req *router.Request) error {
	rep, err := h.bcast.Run(ctx, broadcast.Request{
		CallerID: req.From.ID,
		Text:     req.Args,
		OnStart: func(total int) {
			h.reply(ctx, req, fmt.Sprintf("Starting broadcast to %d users...\nText:\n%s", total, tgui.TruncRunes(req.Args, 100)))
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, broadcast.ErrPermissionDenied):
		h.reply(ctx, req, msgBroadcastDenied)
		return nil
	case errors.Is(err, broadcast.ErrEmptyMessage):
		h.reply(ctx, req, msgBroadcastUsage)
		return nil
	case errors.Is(err, broadcast.ErrNoRecipients):
		h.reply(ctx, req, msgBroadcastEmpty)
		return nil
	case errors.Is(err, broadcast.ErrBroadcastRunning):
		h.reply(ctx, req, msgBroadcastRunning)
		return nil
	default:
		h.reply(ctx, req, msgBroadcastFailed)
		return err
	}

	h.reply(ctx, req, broadcastSummary(rep))
	return nil
}

func broadcastSummary(rep broadcast.Report) string {
	var b strings.Builder
	b.WriteString("✅ Broadcast finished!\n")
	fmt.Fprintf(&b, "Sent: %d\n", rep.Sent)
	fmt.Fprintf(&b, "Failed: %d\n", rep.Failed)
	fmt.Fprintf(&b, "   (blocked the bot: %d, removed from the registry: %d)", rep.Blocked, rep.Pruned)
	return b.String()
}

// reply sends plain text: broadcast text echoed back may be truncated
// mid-tag.
func (h *handlers) reply(ctx context.Context, req *router.Request, text string) {
	if _, err := h.out.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}
