package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kit "gatebot/internal/transport"
	"gatebot/internal/transport/transporttest"
	logx "gatebot/pkg/logx"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in, name, rest string
		ok             bool
	}{
		{"/start", "start", "", true},
		{"  /Start@GateBot  ", "start", "", true},
		{"/broadcast Hello <b>all</b>", "broadcast", "Hello <b>all</b>", true},
		{"/broadcast@bot   line1\nline2  x", "broadcast", "line1\nline2  x", true},
		{"/broadcast\nnext line", "broadcast", "next line", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"/@bot", "", "", false},
	}
	for _, c := range cases {
		name, rest, ok := ParseCommand(c.in)
		require.Equal(t, c.ok, ok, c.in)
		require.Equal(t, c.name, name, c.in)
		require.Equal(t, c.rest, rest, c.in)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	require.Equal(t, "start", sanitizeTelegramCommand(" Start "))
	require.Equal(t, "users_list", sanitizeTelegramCommand("users-list"))
	require.Equal(t, "", sanitizeTelegramCommand("!!!"))
}

type recorder struct {
	mu   sync.Mutex
	reqs []Request
}

func (r *recorder) handle(ctx context.Context, req *Request) error {
	r.mu.Lock()
	r.reqs = append(r.reqs, *req)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.reqs...)
}

func runUpdates(t *testing.T, rt *Router, ups ...kit.Update) {
	t.Helper()
	ch := make(chan kit.Update, len(ups))
	for _, u := range ups {
		ch <- u
	}
	close(ch)
	done := make(chan error, 1)
	go func() { done <- rt.DispatchLoop(context.Background(), ch) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func msgUpdate(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, From: kit.Sender{ID: from}, Text: text}}
}

func TestDispatchCommandsAndCallbacks(t *testing.T) {
	ad := transporttest.New()
	rt := New(Config{Workers: 2}, ad, logx.Nop())
	starts, casts, checks := &recorder{}, &recorder{}, &recorder{}
	rt.SetRoutes(
		[]Command{
			{Name: "start", InMenu: true, Description: "Get the file", Handle: starts.handle},
			{Name: "broadcast", Handle: casts.handle},
		},
		[]CallbackRoute{{Scope: "gate", Action: "check", Handle: checks.handle}},
	)

	runUpdates(t, rt,
		msgUpdate(1, "/start"),
		msgUpdate(2, "/broadcast hi <b>there</b>"),
		msgUpdate(3, "just chatting"),
		msgUpdate(4, "/unknown"),
		kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c1", From: kit.Sender{ID: 5}, ChatID: 5, MessageID: 9, Data: "gate:check"}},
		kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c2", From: kit.Sender{ID: 6}, Data: "other:thing"}},
	)

	require.Len(t, starts.all(), 1)
	require.Equal(t, int64(1), starts.all()[0].From.ID)
	require.NotEmpty(t, starts.all()[0].ReqID)

	require.Len(t, casts.all(), 1)
	require.Equal(t, "hi <b>there</b>", casts.all()[0].Args)

	require.Len(t, checks.all(), 1)
	require.Equal(t, int64(5), checks.all()[0].Chat.ChatID)

	// Only the unknown callback is answered by the router itself.
	require.Equal(t, []string{"c2"}, ad.Answers)
	require.Empty(t, ad.Texts)
}

func TestPanicIsRecoveredWithApology(t *testing.T) {
	ad := transporttest.New()
	rt := New(Config{Workers: 1}, ad, logx.Nop())
	after := &recorder{}
	rt.SetRoutes([]Command{
		{Name: "boom", Handle: func(ctx context.Context, req *Request) error { panic("kaboom") }},
		{Name: "start", Handle: after.handle},
	}, nil)

	runUpdates(t, rt, msgUpdate(7, "/boom"), msgUpdate(7, "/start"))

	texts := ad.TextsTo(7)
	require.Len(t, texts, 1)
	require.Contains(t, texts[0].Text, "something went wrong")
	require.Len(t, after.all(), 1, "worker must survive a handler panic")
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline bool
	h := Chain(func(ctx context.Context, req *Request) error {
		_, deadline = ctx.Deadline()
		return nil
	}, MWTimeout(time.Second))
	require.NoError(t, h(context.Background(), &Request{}))
	require.True(t, deadline)
}

func TestMenuCommands(t *testing.T) {
	rt := New(Config{}, transporttest.New(), logx.Nop())
	rt.SetRoutes([]Command{
		{Name: "start", InMenu: true, Description: "Get the file", Handle: (&recorder{}).handle},
		{Name: "broadcast", Handle: (&recorder{}).handle},
		{Name: "nohandler", InMenu: true},
	}, nil)
	require.Equal(t, []kit.BotCommand{{Command: "start", Description: "Get the file"}}, rt.MenuCommands())
}

func TestRouteAfterStopIsBusy(t *testing.T) {
	ad := transporttest.New()
	rt := New(Config{Workers: 1}, ad, logx.Nop())
	rt.SetRoutes([]Command{{Name: "start", Handle: (&recorder{}).handle}}, nil)
	runUpdates(t, rt)

	rt.Route(context.Background(), msgUpdate(3, "/start"))
	require.Len(t, ad.TextsTo(3), 1)
	require.Contains(t, ad.TextsTo(3)[0].Text, "busy")
}
