// Package router turns inbound updates into handler calls.
//
// Messages starting with "/" are matched against registered commands;
// callback data "scope:action[:payload]" is matched against callback routes.
// Handlers run on a bounded worker pool behind timeout, panic-recovery and
// request-log middleware.
package router

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "gatebot/internal/runtime/supervisor"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"

	"github.com/google/uuid"
)

type Command struct {
	Name        string
	Description string
	// InMenu publishes the command in Telegram's command menu.
	InMenu  bool
	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type CallbackRoute struct {
	Scope   string
	Action  string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	From    kit.Sender
	Command string
	// Args is the raw text after the command token.
	Args    string
	Payload string
	ReqID   string
	Logger  logx.Logger
}

type Config struct {
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
}

// Replier is the transport surface the router itself uses.
type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Router struct {
	mu        sync.RWMutex
	commands  map[string]Command
	callbacks map[string]map[string]CallbackRoute

	cfg  Config
	out  Replier
	log  logx.Logger
	jobs chan func()
}

func New(cfg Config, out Replier, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &Router{
		commands:  map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		cfg:       cfg,
		out:       out,
		log:       log,
		jobs:      make(chan func(), cfg.QueueSize),
	}
}

// SetRoutes replaces the command and callback tables.
func (r *Router) SetRoutes(cmds []Command, cbs []CallbackRoute) {
	cm := map[string]Command{}
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		cm[name] = c
	}
	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		s := strings.TrimSpace(rt.Scope)
		a := strings.TrimSpace(rt.Action)
		if s == "" || a == "" || rt.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = rt
	}
	r.mu.Lock()
	r.commands = cm
	r.callbacks = cb
	r.mu.Unlock()
}

// MenuCommands returns the commands flagged InMenu, sorted by name.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.commands))
	for _, c := range r.commands {
		if !c.InMenu {
			continue
		}
		name := sanitizeTelegramCommand(c.Name)
		if name == "" {
			continue
		}
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		out = append(out, kit.BotCommand{Command: name, Description: tgui.TruncRunes(desc, 256)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// PublishMenu pushes MenuCommands to the adapter when it supports menus.
func (r *Router) PublishMenu(ctx context.Context, ad any) error {
	up, ok := ad.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, r.MenuCommands())
}

// DispatchLoop routes updates until ctx is canceled or updates is closed,
// then drains the worker pool briefly.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))

	jobs := r.jobs
	for i := 0; i < r.cfg.Workers; i++ {
		sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		r.mu.Lock()
		close(r.jobs)
		r.jobs = nil
		r.mu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route dispatches one update onto the worker pool.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, args, ok := ParseCommand(msg.Text)
	if !ok {
		return
	}
	r.mu.RLock()
	cmd, found := r.commands[name]
	r.mu.RUnlock()
	if !found {
		r.log.Debug("unknown command ignored", logx.String("cmd", name), logx.Int64("from_id", msg.From.ID))
		return
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: msg.ChatID}, msg.From, "/"+name)
	req.Args = args
	h := r.wrap(cmd.Handle, cmd.Timeout)

	if !r.tryEnqueue(func() {
		if err := h(ctx, req); errors.Is(err, ErrPanic) {
			_, _ = r.out.SendText(ctx, req.Chat, "Sorry, something went wrong. Please try again later.", nil)
		}
	}) {
		_, _ = r.out.SendText(ctx, req.Chat, "The bot is busy, please try again in a moment.", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := tgui.ParseData(strings.TrimSpace(cb.Data))
	r.mu.RLock()
	route, found := r.callbacks[scope][action]
	r.mu.RUnlock()
	if !ok || !found {
		r.log.Debug("unknown callback ignored", logx.String("data", cb.Data), logx.Int64("from_id", cb.From.ID))
		_ = r.out.AnswerCallback(ctx, cb.ID, "")
		return
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID}, cb.From, "cb:"+scope+":"+action)
	req.Payload = payload
	h := r.wrap(route.Handle, route.Timeout)

	if !r.tryEnqueue(func() { _ = h(ctx, req) }) {
		_ = r.out.AnswerCallback(ctx, cb.ID, "Busy, try again")
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from kit.Sender, cmd string) *Request {
	rid := uuid.NewString()
	return &Request{
		Update:  up,
		Chat:    chat,
		From:    from,
		Command: cmd,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from.ID),
			logx.String("cmd", cmd),
		),
	}
}

func (r *Router) wrap(h HandlerFunc, timeout time.Duration) HandlerFunc {
	if timeout <= 0 {
		timeout = r.cfg.CommandTimeout
	}
	return Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
}

func (r *Router) tryEnqueue(fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.jobs == nil {
		return false
	}
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}
