package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gatebot/internal/gate"
	"gatebot/internal/notifier"
	"gatebot/internal/registry"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/transporttest"
	logx "gatebot/pkg/logx"
)

const adminID = 999

type harness struct {
	ad   *transporttest.Adapter
	reg  *registry.Service
	flow *Flow
	cfg  Config
}

func newHarness(t *testing.T, withAsset bool) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Path: filepath.Join(dir, "users.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	asset := filepath.Join(dir, "kit.zip")
	if withAsset {
		require.NoError(t, os.WriteFile(asset, []byte("payload"), 0o600))
	}

	ad := transporttest.New()
	reg := registry.New(st, logx.Nop())
	g := gate.New(ad, "@drums", logx.Nop())
	n := notifier.New(notifier.Config{AdminID: adminID, RatePerSec: 100}, ad, logx.Nop())
	cfg := Config{Channel: "@drums", AssetPath: asset, Caption: "<b>enjoy</b>"}
	return &harness{ad: ad, reg: reg, flow: New(cfg, ad, reg, g, n, logx.Nop()), cfg: cfg}
}

func startMsg(id int64) kit.Message {
	return kit.Message{ID: 1, ChatID: id, From: kit.Sender{ID: id, Username: "u", FirstName: "Ann"}, Text: "/start"}
}

func TestStartMemberDelivers(t *testing.T) {
	h := newHarness(t, true)
	h.ad.Statuses[10] = "member"

	out := h.flow.Start(context.Background(), startMsg(10))
	require.Equal(t, OutcomeDelivered, out)

	docs := h.ad.DocumentsTo(10)
	require.Len(t, docs, 1)
	require.Equal(t, h.cfg.AssetPath, docs[0].Doc.Path)
	require.Equal(t, "kit.zip", docs[0].Doc.FileName)
	require.Equal(t, "<b>enjoy</b>", docs[0].Doc.Caption)
	require.Equal(t, "HTML", docs[0].Opt.ParseMode)
	require.Empty(t, h.ad.TextsTo(10))
	require.Equal(t, 1, h.reg.Count(context.Background()))
}

func TestStartNonMemberIsPrompted(t *testing.T) {
	for _, status := range []string{"left", "kicked", "restricted"} {
		h := newHarness(t, true)
		h.ad.Statuses[10] = status

		out := h.flow.Start(context.Background(), startMsg(10))
		require.Equal(t, OutcomePrompted, out, status)
		require.Empty(t, h.ad.DocumentsTo(10))

		texts := h.ad.TextsTo(10)
		require.Len(t, texts, 1)
		require.Contains(t, texts[0].Text, "@drums")
		kb := texts[0].Opt.Keyboard
		require.Len(t, kb, 2)
		require.Equal(t, "https://t.me/drums", kb[0][0].URL)
		require.Equal(t, "gate:check", kb[1][0].Data)

		// Registration happened even though nothing was delivered.
		require.Contains(t, h.reg.Snapshot(context.Background()), int64(10))
	}
}

func TestStartIndeterminateIsPrompted(t *testing.T) {
	h := newHarness(t, true)
	h.ad.StatusErr[10] = kit.NewError("getChatMember", kit.KindMemberListInaccessible, errors.New("member list is inaccessible"))

	require.Equal(t, OutcomePrompted, h.flow.Start(context.Background(), startMsg(10)))
	require.Empty(t, h.ad.DocumentsTo(10))
}

func TestStartEscapesFirstName(t *testing.T) {
	h := newHarness(t, true)
	msg := startMsg(10)
	msg.From.FirstName = "<script>"
	h.flow.Start(context.Background(), msg)
	require.Contains(t, h.ad.TextsTo(10)[0].Text, "&lt;script&gt;")
}

type orderCheckingGate struct {
	t  *testing.T
	ad *transporttest.Adapter
	v  gate.Verdict
}

func (g orderCheckingGate) Check(ctx context.Context, userID int64) gate.Verdict {
	require.Len(g.t, g.ad.Answers, 1, "callback must be answered before the lookup")
	return g.v
}

func TestRecheckSuccessEditsThenDelivers(t *testing.T) {
	h := newHarness(t, true)
	h.flow.gate = orderCheckingGate{t: t, ad: h.ad, v: gate.Verdict{Kind: gate.Member}}

	cb := kit.Callback{ID: "cb1", From: kit.Sender{ID: 10, FirstName: "Ann"}, ChatID: 10, MessageID: 77, Data: CheckCallback}
	require.Equal(t, OutcomeDelivered, h.flow.Recheck(context.Background(), cb))

	require.Len(t, h.ad.Edits, 1)
	require.Equal(t, kit.MessageRef{ChatID: 10, MessageID: 77}, h.ad.Edits[0].Ref)
	require.Contains(t, h.ad.Edits[0].Text, "Check passed")
	require.Empty(t, h.ad.Edits[0].Opt.Keyboard)
	require.Len(t, h.ad.DocumentsTo(10), 1)
}

func TestRecheckNotYetEditsPrompt(t *testing.T) {
	h := newHarness(t, true)
	h.ad.Statuses[10] = "left"

	cb := kit.Callback{ID: "cb1", From: kit.Sender{ID: 10}, ChatID: 10, MessageID: 77}
	require.Equal(t, OutcomePrompted, h.flow.Recheck(context.Background(), cb))
	require.Len(t, h.ad.Edits, 1)
	require.Contains(t, h.ad.Edits[0].Text, "don&#39;t see you")
	require.Len(t, h.ad.Edits[0].Opt.Keyboard, 2)
	require.Empty(t, h.ad.Texts)
}

func TestRecheckIgnoresNotModified(t *testing.T) {
	h := newHarness(t, true)
	h.ad.Statuses[10] = "left"
	h.ad.EditErr = kit.NewError("editMessageText", kit.KindNotModified, errors.New("message is not modified"))

	cb := kit.Callback{ID: "cb1", From: kit.Sender{ID: 10}, ChatID: 10, MessageID: 77}
	require.Equal(t, OutcomePrompted, h.flow.Recheck(context.Background(), cb))
	require.Empty(t, h.ad.Texts)
}

func TestMissingAssetApologizesAndNotifiesAdmin(t *testing.T) {
	h := newHarness(t, false)
	h.ad.Statuses[10] = "member"

	require.Equal(t, OutcomeDeliveryError, h.flow.Start(context.Background(), startMsg(10)))
	require.Empty(t, h.ad.Documents)

	user := h.ad.TextsTo(10)
	require.Len(t, user, 1)
	require.Contains(t, user[0].Text, "administrator has been notified")

	admin := h.ad.TextsTo(adminID)
	require.Len(t, admin, 1)
	require.Contains(t, admin[0].Text, h.cfg.AssetPath)
	require.Contains(t, admin[0].Text, "10")
}

func TestBlockedDeliveryIsSilent(t *testing.T) {
	h := newHarness(t, true)
	h.ad.Statuses[10] = "member"
	h.ad.DocErr[10] = kit.NewError("sendDocument", kit.KindBlocked, errors.New("bot was blocked by the user"))

	require.Equal(t, OutcomeDeliveryError, h.flow.Start(context.Background(), startMsg(10)))
	require.Empty(t, h.ad.Texts)
}

func TestOtherDeliveryFailureApologizesOnce(t *testing.T) {
	h := newHarness(t, true)
	h.ad.Statuses[10] = "member"
	h.ad.DocErr[10] = kit.NewError("sendDocument", kit.KindOther, errors.New("file too big"))

	require.Equal(t, OutcomeDeliveryError, h.flow.Start(context.Background(), startMsg(10)))
	texts := h.ad.TextsTo(10)
	require.Len(t, texts, 1)
	require.Equal(t, "Sorry, an error occurred while sending the file.", texts[0].Text)
	require.Empty(t, texts[0].Opt.ParseMode)
}

func TestApplySwitchesAsset(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.flow.CheckAsset()
	require.ErrorIs(t, err, ErrAssetMissing)

	other := filepath.Join(t.TempDir(), "other.zip")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))
	cfg := h.cfg
	cfg.AssetPath = other
	cfg.FileName = "Drums.zip"
	h.flow.Apply(cfg)

	fi, err := h.flow.CheckAsset()
	require.NoError(t, err)
	require.Equal(t, int64(1), fi.Size())

	h.ad.Statuses[10] = "creator"
	require.Equal(t, OutcomeDelivered, h.flow.Start(context.Background(), startMsg(10)))
	require.Equal(t, "Drums.zip", h.ad.DocumentsTo(10)[0].Doc.FileName)
}

func TestJoinURL(t *testing.T) {
	require.Equal(t, "https://t.me/drums", JoinURL(Config{Channel: " @drums "}))
	require.Equal(t, "https://t.me/+abc", JoinURL(Config{Channel: "-1001", JoinURL: "https://t.me/+abc"}))
}
