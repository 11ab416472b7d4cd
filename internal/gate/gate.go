// Package gate decides whether a user is a member of the configured channel.
package gate

import (
	"context"
	"strings"
	"sync"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type Kind int

const (
	Indeterminate Kind = iota
	Member
	NotMember
)

func (k Kind) String() string {
	switch k {
	case Member:
		return "member"
	case NotMember:
		return "not_member"
	default:
		return "indeterminate"
	}
}

// Reason explains an Indeterminate verdict.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonMemberListInaccessible means the bot is not allowed to read the
	// member list: a deployment problem, not a fact about the user.
	ReasonMemberListInaccessible Reason = "member_list_inaccessible"
	ReasonUserNotFound           Reason = "user_not_found"
	ReasonGroupNotFound          Reason = "group_not_found"
	ReasonNotParticipant         Reason = "not_participant"
	ReasonForbidden              Reason = "forbidden"
	ReasonUnknown                Reason = "unknown"
)

// Verdict is the classified result of one membership lookup.
type Verdict struct {
	Kind   Kind
	Reason Reason
	Status string
	Err    error
}

// Verified reports whether the user may receive gated content.
func (v Verdict) Verified() bool { return v.Kind == Member }

// Lookup is the membership authority.
type Lookup interface {
	MemberStatus(ctx context.Context, chat string, userID int64) (string, error)
}

type Gate struct {
	lookup Lookup
	log    logx.Logger

	mu      sync.RWMutex
	channel string
}

func New(lookup Lookup, channel string, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{lookup: lookup, channel: strings.TrimSpace(channel), log: log}
}

// SetChannel switches the channel checked by subsequent calls.
func (g *Gate) SetChannel(channel string) {
	g.mu.Lock()
	g.channel = strings.TrimSpace(channel)
	g.mu.Unlock()
}

func (g *Gate) Channel() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.channel
}

// Check issues one membership lookup and classifies the outcome. It has no
// local side effects.
func (g *Gate) Check(ctx context.Context, userID int64) Verdict {
	channel := g.Channel()
	status, err := g.lookup.MemberStatus(ctx, channel, userID)
	if err != nil {
		v := Verdict{Kind: Indeterminate, Reason: reasonFor(transportKind(err)), Err: err}
		g.logIndeterminate(channel, userID, v)
		return v
	}

	v := Classify(status)
	if v.Kind == NotMember && !knownStatus(status) {
		g.log.Warn("unknown membership status; treating as not a member", logx.Int64("user_id", userID), logx.String("status", status))
	}
	g.log.Debug("membership checked", logx.Int64("user_id", userID), logx.String("channel", channel), logx.String("status", status), logx.String("verdict", v.Kind.String()))
	return v
}

// Classify maps a raw membership status onto Member or NotMember.
func Classify(status string) Verdict {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "member", "administrator", "creator", "owner":
		return Verdict{Kind: Member, Status: s}
	default:
		return Verdict{Kind: NotMember, Status: s}
	}
}

func knownStatus(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "member", "administrator", "creator", "owner", "restricted", "left", "kicked":
		return true
	}
	return false
}

func transportKind(err error) kit.ErrorKind { return kit.KindOf(err) }

func reasonFor(k kit.ErrorKind) Reason {
	switch k {
	case kit.KindMemberListInaccessible:
		return ReasonMemberListInaccessible
	case kit.KindUserNotFound:
		return ReasonUserNotFound
	case kit.KindChatNotFound:
		return ReasonGroupNotFound
	case kit.KindNotParticipant:
		return ReasonNotParticipant
	case kit.KindForbidden:
		return ReasonForbidden
	default:
		return ReasonUnknown
	}
}

func (g *Gate) logIndeterminate(channel string, userID int64, v Verdict) {
	fields := []logx.Field{
		logx.Int64("user_id", userID),
		logx.String("channel", channel),
		logx.String("reason", string(v.Reason)),
		logx.Err(v.Err),
	}
	switch v.Reason {
	case ReasonMemberListInaccessible, ReasonForbidden:
		g.log.Error("membership check impossible: make the bot an administrator of the channel", fields...)
	case ReasonGroupNotFound:
		g.log.Error("membership check failed: channel not found, check gate.channel", fields...)
	case ReasonNotParticipant:
		g.log.Error("membership check failed: the bot is not in the channel", fields...)
	case ReasonUserNotFound:
		g.log.Warn("membership check failed: user not found", fields...)
	default:
		g.log.Error("membership check failed", fields...)
	}
}
