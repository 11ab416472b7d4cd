package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gatebot/internal/registry"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/transporttest"
	logx "gatebot/pkg/logx"
)

const admin = 1000

type recordingAuditor struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (r *recordingAuditor) Audit(ctx context.Context, e storage.AuditEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

type fixture struct {
	ad    *transporttest.Adapter
	reg   *registry.Service
	audit *recordingAuditor
	eng   *Engine
}

func newFixture(t *testing.T, users ...int64) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "users.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st, logx.Nop())
	for _, id := range users {
		reg.Upsert(context.Background(), registry.Candidate{ID: id, DisplayName: "u"})
	}
	ad := transporttest.New()
	audit := &recordingAuditor{}
	eng := New(Config{AdminID: admin, Workers: 3, SendTimeout: time.Second}, reg, audit, ad, logx.Nop())
	return &fixture{ad: ad, reg: reg, audit: audit, eng: eng}
}

func TestRunIsolatesFailuresAndPrunesBlocked(t *testing.T) {
	f := newFixture(t, 1, 2, 3, 4, 5)
	f.ad.TextErr[3] = kit.NewError("sendMessage", kit.KindBlocked, errors.New("Forbidden: bot was blocked by the user"))
	f.ad.TextErr[4] = kit.NewError("sendMessage", kit.KindOther, errors.New("Bad Request: can't parse entities"))

	var started int
	rep, err := f.eng.Run(context.Background(), Request{CallerID: admin, Text: "<b>hi</b>", OnStart: func(n int) { started = n }})
	require.NoError(t, err)

	require.Equal(t, 5, started)
	require.Equal(t, 5, rep.Total)
	require.Equal(t, 3, rep.Sent)
	require.Equal(t, 2, rep.Failed)
	require.Equal(t, 1, rep.Blocked)
	require.Equal(t, 1, rep.Pruned)
	require.NotEmpty(t, rep.RunID)

	after := f.reg.Snapshot(context.Background())
	require.Len(t, after, 4)
	require.NotContains(t, after, int64(3))
	require.Contains(t, after, int64(4))

	for _, id := range []int64{1, 2, 5} {
		sent := f.ad.TextsTo(id)
		require.Len(t, sent, 1)
		require.Equal(t, "<b>hi</b>", sent[0].Text)
		require.Equal(t, "HTML", sent[0].Opt.ParseMode)
	}

	require.Len(t, f.audit.entries, 1)
	require.Equal(t, "broadcast", f.audit.entries[0].Action)
	require.Equal(t, 3, f.audit.entries[0].OK)

	last, ok := f.eng.Last()
	require.True(t, ok)
	require.Equal(t, rep, last)
}

func TestRunDeniedForNonAdmin(t *testing.T) {
	f := newFixture(t, 1, 2)
	_, err := f.eng.Run(context.Background(), Request{CallerID: 1, Text: "x"})
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Empty(t, f.ad.Texts)
	require.Equal(t, 2, f.reg.Count(context.Background()))
	require.Len(t, f.audit.entries, 1)
	require.Equal(t, "broadcast.denied", f.audit.entries[0].Action)
}

func TestRunDeniedWhenAdminUnset(t *testing.T) {
	f := newFixture(t, 1)
	f.eng.Apply(Config{})
	_, err := f.eng.Run(context.Background(), Request{CallerID: 0, Text: "x"})
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestRunRejectsBlankText(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.eng.Run(context.Background(), Request{CallerID: admin, Text: " \n\t"})
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, f.ad.Texts)
}

func TestRunWithEmptyRegistry(t *testing.T) {
	f := newFixture(t)
	called := false
	_, err := f.eng.Run(context.Background(), Request{CallerID: admin, Text: "x", OnStart: func(int) { called = true }})
	require.ErrorIs(t, err, ErrNoRecipients)
	require.False(t, called)
	require.Empty(t, f.ad.Texts)
}

func TestRunKeepsUsersRegisteredDuringPass(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	f.ad.TextErr[2] = kit.NewError("sendMessage", kit.KindBlocked, errors.New("blocked"))

	var once sync.Once
	f.ad.OnSend = func(kit.ChatTarget) {
		once.Do(func() {
			f.reg.Upsert(context.Background(), registry.Candidate{ID: 77, DisplayName: "late"})
		})
	}

	rep, err := f.eng.Run(context.Background(), Request{CallerID: admin, Text: "x"})
	require.NoError(t, err)
	require.Equal(t, 3, rep.Total)
	require.Equal(t, 1, rep.Pruned)

	after := f.reg.Snapshot(context.Background())
	require.Contains(t, after, int64(77))
	require.NotContains(t, after, int64(2))
	require.Len(t, after, 3)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, 1)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.ad.OnSend = func(kit.ChatTarget) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.Run(context.Background(), Request{CallerID: admin, Text: "first"})
		done <- err
	}()

	<-entered
	require.True(t, f.eng.Running())
	_, err := f.eng.Run(context.Background(), Request{CallerID: admin, Text: "second"})
	require.ErrorIs(t, err, ErrBroadcastRunning)

	close(release)
	require.NoError(t, <-done)
	require.False(t, f.eng.Running())
}

func TestRunPacedCountsAreExact(t *testing.T) {
	f := newFixture(t, 1, 2, 3, 4, 5, 6)
	f.eng.Apply(Config{AdminID: admin, Workers: 2, RatePerSec: 1000})
	rep, err := f.eng.Run(context.Background(), Request{CallerID: admin, Text: "x"})
	require.NoError(t, err)
	require.Equal(t, 6, rep.Sent)
	require.Zero(t, rep.Failed)
	require.Zero(t, rep.Pruned)
}

func TestRunPrunesBlockedAfterCancel(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	f.eng.Apply(Config{AdminID: admin, Workers: 1, SendTimeout: time.Second})
	f.ad.TextErr[1] = kit.NewError("sendMessage", kit.KindBlocked, errors.New("Forbidden: bot was blocked by the user"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ad.OnSend = func(to kit.ChatTarget) {
		if to.ChatID == 1 {
			cancel()
		}
	}

	rep, err := f.eng.Run(ctx, Request{CallerID: admin, Text: "x"})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Blocked)
	require.Equal(t, 1, rep.Pruned)

	after := f.reg.Snapshot(context.Background())
	require.NotContains(t, after, int64(1))
	require.Len(t, after, 2)
}
