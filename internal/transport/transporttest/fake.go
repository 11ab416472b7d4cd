// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	kit "gatebot/internal/transport"
)

type SentText struct {
	To   kit.ChatTarget
	Text string
	Opt  kit.SendOptions
}

type SentDocument struct {
	To  kit.ChatTarget
	Doc kit.Document
	Opt kit.SendOptions
}

type Edit struct {
	Ref  kit.MessageRef
	Text string
	Opt  kit.SendOptions
}

// Adapter records every outbound call. Failures are injected per chat id.
type Adapter struct {
	mu sync.Mutex

	Texts     []SentText
	Documents []SentDocument
	Edits     []Edit
	Answers   []string

	// TextErr / DocErr fail sends to the given chat.
	TextErr map[int64]error
	DocErr  map[int64]error
	EditErr error

	// Statuses maps user id to membership status; StatusErr overrides it.
	Statuses  map[int64]string
	StatusErr map[int64]error

	// OnSend runs before every SendText (used to interleave concurrent work).
	OnSend func(to kit.ChatTarget)

	nextID int
}

func New() *Adapter {
	return &Adapter{
		TextErr:   map[int64]error{},
		DocErr:    map[int64]error{},
		Statuses:  map[int64]string{},
		StatusErr: map[int64]error{},
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error                          { return nil }

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if a.OnSend != nil {
		a.OnSend(to)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.TextErr[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	a.Texts = append(a.Texts, SentText{To: to, Text: text, Opt: deref(opt)})
	a.nextID++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.nextID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.EditErr != nil {
		return a.EditErr
	}
	a.Edits = append(a.Edits, Edit{Ref: ref, Text: text, Opt: deref(opt)})
	return nil
}

func (a *Adapter) SendDocument(ctx context.Context, to kit.ChatTarget, doc kit.Document, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.DocErr[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	a.Documents = append(a.Documents, SentDocument{To: to, Doc: doc, Opt: deref(opt)})
	a.nextID++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.nextID}, nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Answers = append(a.Answers, callbackID)
	return nil
}

func (a *Adapter) MemberStatus(ctx context.Context, chat string, userID int64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.StatusErr[userID]; err != nil {
		return "", err
	}
	st, ok := a.Statuses[userID]
	if !ok {
		return "", kit.NewError("getChatMember", kit.KindUserNotFound, fmt.Errorf("user %d not found", userID))
	}
	return st, nil
}

// TextsTo returns the texts sent to chatID.
func (a *Adapter) TextsTo(chatID int64) []SentText {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []SentText
	for _, t := range a.Texts {
		if t.To.ChatID == chatID {
			out = append(out, t)
		}
	}
	return out
}

// DocumentsTo returns the documents sent to chatID.
func (a *Adapter) DocumentsTo(chatID int64) []SentDocument {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []SentDocument
	for _, d := range a.Documents {
		if d.To.ChatID == chatID {
			out = append(out, d)
		}
	}
	return out
}

func deref(opt *kit.SendOptions) kit.SendOptions {
	if opt == nil {
		return kit.SendOptions{}
	}
	return *opt
}
