package transport

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories the core switches on.
type ErrorKind string

const (
	KindNone ErrorKind = ""
	// KindBlocked: the recipient closed the channel (blocked the bot,
	// deactivated, never started it).
	KindBlocked ErrorKind = "blocked"
	// KindMemberListInaccessible: the bot lacks the privilege to read members.
	KindMemberListInaccessible ErrorKind = "member_list_inaccessible"
	KindUserNotFound           ErrorKind = "user_not_found"
	KindChatNotFound           ErrorKind = "chat_not_found"
	// KindNotParticipant: the bot itself is not a member of the chat.
	KindNotParticipant ErrorKind = "not_participant"
	KindForbidden      ErrorKind = "forbidden"
	// KindNotModified: an edit produced identical content.
	KindNotModified ErrorKind = "not_modified"
	KindOther       ErrorKind = "other"
)

// Error is returned by adapters for every failed call.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with op and kind. A nil err yields nil.
func NewError(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err. Errors that did not come from an
// adapter are KindOther; nil is KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var te *Error
	if errors.As(err, &te) && te.Kind != KindNone {
		return te.Kind
	}
	return KindOther
}

// IsBlocked reports whether err means the recipient blocked the bot.
func IsBlocked(err error) bool { return KindOf(err) == KindBlocked }
