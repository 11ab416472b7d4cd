package storage

import (
	"context"
	"time"
)

// UserRecord is one requester ever seen by the bot.
type UserRecord struct {
	ID          int64
	Handle      *string
	DisplayName string
	Surname     *string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// Users is the whole registry keyed by user id. Iteration order carries no meaning.
type Users map[int64]UserRecord

// Clone returns a copy that can be mutated without touching u.
func (u Users) Clone() Users {
	out := make(Users, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// IDs returns the user ids in unspecified order.
func (u Users) IDs() []int64 {
	out := make([]int64, 0, len(u))
	for id := range u {
		out = append(out, id)
	}
	return out
}

// Config selects and configures a driver.
type Config struct {
	Driver      string // "file" (default) or "sqlite"
	Path        string
	BusyTimeout time.Duration // sqlite only
	// ReadOnly never touches the stored data: no migration, no quarantine,
	// no schema setup. Writes fail with ErrReadOnly.
	ReadOnly bool
}

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time      `json:"at"`
	ActorID int64          `json:"actor_id"`
	Action  string         `json:"action"`
	Target  string         `json:"target,omitempty"`
	OK      int            `json:"ok"`
	Fail    int            `json:"fail"`
	Error   string         `json:"err,omitempty"`
	TookMS  int64          `json:"took_ms"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Driver is a storage backend. ReadUsers returns an empty registry, not an
// error, when nothing has been persisted yet.
type Driver interface {
	ReadUsers(ctx context.Context) (Users, error)
	WriteUsers(ctx context.Context, users Users) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
