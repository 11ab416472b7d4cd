// Package delivery runs the gated delivery flow: register the requester,
// check membership, then either send the asset or prompt the user to join.
//
// A flow is stateless between calls and may be restarted any number of
// times; duplicate deliveries are allowed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gatebot/internal/gate"
	"gatebot/internal/notifier"
	"gatebot/internal/registry"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"

	"github.com/dustin/go-humanize"
)

// CheckCallback is the callback data of the "I've joined" button.
var CheckCallback = tgui.Data("gate", "check", "")

var ErrAssetMissing = errors.New("asset missing")

type Outcome int

const (
	OutcomeDelivered Outcome = iota + 1
	OutcomePrompted
	OutcomeDeliveryError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomePrompted:
		return "prompted"
	case OutcomeDeliveryError:
		return "delivery_error"
	default:
		return "unknown"
	}
}

type Config struct {
	// Channel is shown to the user in the prompt ("@name").
	Channel string
	// JoinURL overrides the https://t.me/<channel> link.
	JoinURL   string
	AssetPath string
	FileName  string
	// Caption is HTML.
	Caption string
}

// Outbound is the transport surface the flow uses.
type Outbound interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	SendDocument(ctx context.Context, to kit.ChatTarget, doc kit.Document, opt *kit.SendOptions) (kit.MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Registrar interface {
	Upsert(ctx context.Context, c registry.Candidate) registry.UpsertResult
}

type Checker interface {
	Check(ctx context.Context, userID int64) gate.Verdict
}

type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, p notifier.Priority, text string) error
}

type Flow struct {
	out    Outbound
	reg    Registrar
	gate   Checker
	notify AdminNotifier
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, out Outbound, reg Registrar, g Checker, notify AdminNotifier, log logx.Logger) *Flow {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flow{out: out, reg: reg, gate: g, notify: notify, log: log, cfg: cfg}
}

func (f *Flow) Apply(cfg Config) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

func (f *Flow) config() Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg
}

// Start handles /start: register, gate, then deliver or send a new prompt.
func (f *Flow) Start(ctx context.Context, msg kit.Message) Outcome {
	user := msg.From
	log := f.log.With(logx.Int64("user_id", user.ID))
	log.Info("start requested", logx.String("name", senderName(user)))

	f.reg.Upsert(ctx, registry.CandidateFrom(user))

	v := f.gate.Check(ctx, user.ID)
	if v.Verified() {
		log.Info("membership confirmed; delivering")
		return f.deliver(ctx, user.ID)
	}

	cfg := f.config()
	log.Info("membership not confirmed; prompting", logx.String("verdict", v.Kind.String()), logx.String("reason", string(v.Reason)))
	m := tgui.New().
		Line(fmt.Sprintf("Hi, %s!", user.FirstName)).
		Blank().
		Line(fmt.Sprintf("To get the file, please join our channel: %s", cfg.Channel)).
		Blank().
		Line("After joining, tap the button below 👇").
		Inline(promptKeyboard(cfg)).
		Build()
	if _, err := m.Send(ctx, f.out, kit.ChatTarget{ChatID: msg.ChatID}); err != nil {
		f.logSendFailure(log, "prompt", err)
	}
	return OutcomePrompted
}

// Recheck handles the "I've joined" button. The callback is answered before
// the membership lookup runs.
func (f *Flow) Recheck(ctx context.Context, cb kit.Callback) Outcome {
	user := cb.From
	log := f.log.With(logx.Int64("user_id", user.ID))
	if err := f.out.AnswerCallback(ctx, cb.ID, ""); err != nil {
		log.Debug("answer callback failed", logx.Err(err))
	}
	log.Info("membership re-check requested", logx.String("name", senderName(user)))

	f.reg.Upsert(ctx, registry.CandidateFrom(user))

	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	v := f.gate.Check(ctx, user.ID)
	if v.Verified() {
		log.Info("membership confirmed on re-check; delivering")
		m := tgui.New().Line("Great! Check passed. Sending your file...").Build()
		f.edit(ctx, log, ref, m, "success")
		return f.deliver(ctx, user.ID)
	}

	cfg := f.config()
	log.Info("still not a member", logx.String("verdict", v.Kind.String()), logx.String("reason", string(v.Reason)))
	m := tgui.New().
		Line("Hmm, I checked, but I don't see you among the channel's members yet.").
		Blank().
		Line(fmt.Sprintf("Make sure you joined %s and tap the button again.", cfg.Channel)).
		Inline(promptKeyboard(cfg)).
		Build()
	f.edit(ctx, log, ref, m, "not_yet")
	return OutcomePrompted
}

func (f *Flow) edit(ctx context.Context, log logx.Logger, ref kit.MessageRef, m tgui.Message, what string) {
	err := m.Edit(ctx, f.out, ref)
	if err == nil || kit.KindOf(err) == kit.KindNotModified {
		return
	}
	log.Error("edit prompt failed", logx.String("prompt", what), logx.Err(err))
}

// CheckAsset reports whether the configured asset is a readable regular file.
func (f *Flow) CheckAsset() (os.FileInfo, error) {
	return statAsset(f.config().AssetPath)
}

func statAsset(path string) (os.FileInfo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: no path configured", ErrAssetMissing)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetMissing, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrAssetMissing, path)
	}
	return fi, nil
}

func (f *Flow) deliver(ctx context.Context, userID int64) Outcome {
	cfg := f.config()
	log := f.log.With(logx.Int64("user_id", userID), logx.String("asset", cfg.AssetPath))
	to := kit.ChatTarget{ChatID: userID}

	fi, err := statAsset(cfg.AssetPath)
	if err != nil {
		log.Error("asset not found; cannot deliver", logx.Err(err))
		if _, serr := f.out.SendText(ctx, to, "Sorry, there is a problem with the file. The administrator has been notified!", nil); serr != nil {
			f.logSendFailure(log, "apology", serr)
		}
		if f.notify != nil {
			alert := fmt.Sprintf("‼️ ERROR: asset file %s not found while delivering to user %d!", cfg.AssetPath, userID)
			if nerr := f.notify.NotifyAdmin(ctx, notifier.PriorityCritical, alert); nerr != nil && !errors.Is(nerr, notifier.ErrDeduped) {
				log.Error("admin notification about missing asset failed", logx.Err(nerr))
			}
		}
		return OutcomeDeliveryError
	}

	name := cfg.FileName
	if name == "" {
		name = filepath.Base(cfg.AssetPath)
	}
	log.Info("sending asset", logx.String("size", humanize.Bytes(uint64(fi.Size()))))
	doc := kit.Document{Path: cfg.AssetPath, FileName: name, Caption: cfg.Caption}
	if _, err := f.out.SendDocument(ctx, to, doc, &kit.SendOptions{ParseMode: "HTML"}); err != nil {
		if kit.IsBlocked(err) {
			log.Warn("user blocked the bot; asset not delivered")
			return OutcomeDeliveryError
		}
		log.Error("asset send failed", logx.Err(err))
		if _, serr := f.out.SendText(ctx, to, "Sorry, an error occurred while sending the file.", nil); serr != nil {
			f.logSendFailure(log, "apology", serr)
		}
		return OutcomeDeliveryError
	}
	log.Info("asset delivered")
	return OutcomeDelivered
}

func (f *Flow) logSendFailure(log logx.Logger, what string, err error) {
	if kit.IsBlocked(err) {
		log.Warn("user blocked the bot", logx.String("message", what))
		return
	}
	log.Error("send failed", logx.String("message", what), logx.Err(err))
}

// JoinURL returns the link of the join button.
func JoinURL(cfg Config) string {
	if u := strings.TrimSpace(cfg.JoinURL); u != "" {
		return u
	}
	return "https://t.me/" + strings.TrimPrefix(strings.TrimSpace(cfg.Channel), "@")
}

func promptKeyboard(cfg Config) *tgui.Inline {
	return tgui.NewInline().
		Row(tgui.URLBtn("Join the channel", JoinURL(cfg))).
		Row(tgui.Btn("✅ I've joined", CheckCallback))
}

func senderName(u kit.Sender) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.FirstName
}
