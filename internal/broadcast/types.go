package broadcast

import (
	"context"
	"errors"
	"time"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
)

var (
	ErrPermissionDenied = errors.New("broadcast: permission denied")
	ErrEmptyMessage     = errors.New("broadcast: empty message")
	ErrNoRecipients     = errors.New("broadcast: no recipients")
	ErrBroadcastRunning = errors.New("broadcast: another broadcast is running")
)

type Config struct {
	// AdminID is the only caller allowed to broadcast. Zero disables broadcasts.
	AdminID int64
	Workers int
	// RatePerSec paces outbound sends; zero means unpaced.
	RatePerSec  float64
	SendTimeout time.Duration
}

type Request struct {
	CallerID int64
	// Text is HTML and sent verbatim.
	Text string
	// OnStart, when set, runs once the recipient list is known and before the
	// first send.
	OnStart func(total int)
}

// Report is the exact outcome of one pass. Sent + Failed == Total and
// Blocked <= Failed.
type Report struct {
	RunID    string
	Total    int
	Sent     int
	Failed   int
	Blocked  int
	Pruned   int
	Duration time.Duration
}

type Registry interface {
	Snapshot(ctx context.Context) storage.Users
	Prune(ctx context.Context, ids []int64) int
}

type Auditor interface {
	Audit(ctx context.Context, e storage.AuditEntry)
}

type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}
