package adapter

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "gatebot/internal/transport"
)

const opGetChatMember = "getChatMember"

// classify maps a Bot API failure onto the transport error kinds. This is the
// only place that looks at Telegram error descriptions.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return kit.NewError(op, kindOf(op, err), err)
}

func kindOf(op string, err error) kit.ErrorKind {
	msg := strings.ToLower(err.Error())
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	}

	if op == opGetChatMember {
		switch {
		case strings.Contains(msg, "member list is inaccessible"):
			return kit.KindMemberListInaccessible
		case strings.Contains(msg, "user not found"), strings.Contains(msg, "participant_id_invalid"):
			return kit.KindUserNotFound
		case strings.Contains(msg, "chat not found"):
			return kit.KindChatNotFound
		case strings.Contains(msg, "bot is not a member"), strings.Contains(msg, "not a member of the channel"):
			return kit.KindNotParticipant
		case code == 403, strings.Contains(msg, "forbidden"):
			return kit.KindForbidden
		}
		return kit.KindOther
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return kit.KindBlocked
	case strings.Contains(msg, "message is not modified"):
		return kit.KindNotModified
	case code == 403, strings.Contains(msg, "forbidden"):
		// Blocked, deactivated, or never started: the recipient is unreachable.
		return kit.KindBlocked
	case strings.Contains(msg, "chat not found"):
		return kit.KindChatNotFound
	}
	return kit.KindOther
}
