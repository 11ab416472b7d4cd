// Package registry tracks every requester the bot has seen.
//
// Each mutation is a transaction: load the whole registry from the store,
// mutate it, save it whole. One mutex serializes the transactions so two
// writers can never clobber each other's save. A transaction whose load
// failed never saves: an empty view written back would wipe the registry.
package registry

import (
	"context"
	"sync"
	"time"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Store is the persistence the registry needs. *storage.Store implements it.
type Store interface {
	Load(ctx context.Context) (storage.Users, error)
	Save(ctx context.Context, users storage.Users) error
}

// pruneCommitTimeout bounds a prune that outlives its caller's context.
const pruneCommitTimeout = 10 * time.Second

// Candidate is the identity observed on an inbound update.
type Candidate struct {
	ID          int64
	Handle      *string
	DisplayName string
	Surname     *string
}

type UpsertResult struct {
	IsNew bool
	// Changed reports whether handle or names differed from the stored record.
	Changed bool
}

type Service struct {
	mu    sync.Mutex
	store Store
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Service)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert records c. CreatedAt is written once; every other field is
// overwritten and the registry is persisted on every call whose load
// succeeded. The result always reflects the in-memory view.
func (s *Service) Upsert(ctx context.Context, c Candidate) UpsertResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, loadErr := s.store.Load(ctx)
	if users == nil {
		users = storage.Users{}
	}
	save := func() {
		if loadErr != nil {
			s.log.Warn("registry unavailable; update kept in memory only", logx.Int64("user_id", c.ID), logx.Err(loadErr))
			return
		}
		_ = s.store.Save(ctx, users)
	}
	now := s.now()

	prev, ok := users[c.ID]
	if !ok {
		users[c.ID] = storage.UserRecord{
			ID:          c.ID,
			Handle:      c.Handle,
			DisplayName: c.DisplayName,
			Surname:     c.Surname,
			CreatedAt:   now,
			LastSeenAt:  now,
		}
		save()
		s.log.Info("user registered", logx.Int64("user_id", c.ID), logx.String("name", displayName(c)))
		return UpsertResult{IsNew: true}
	}

	changed := !equalPtr(prev.Handle, c.Handle) || prev.DisplayName != c.DisplayName || !equalPtr(prev.Surname, c.Surname)
	prev.Handle = c.Handle
	prev.DisplayName = c.DisplayName
	prev.Surname = c.Surname
	prev.LastSeenAt = now
	users[c.ID] = prev
	save()

	if changed {
		s.log.Info("user updated", logx.Int64("user_id", c.ID), logx.String("name", displayName(c)))
	} else {
		s.log.Debug("user seen", logx.Int64("user_id", c.ID))
	}
	return UpsertResult{Changed: changed}
}

// Prune removes ids from a freshly loaded registry and saves it, so entries
// registered after the caller's snapshot are kept. It returns how many of ids
// were removed from the persisted registry: zero when the load or the save
// failed. The commit ignores cancellation of ctx.
func (s *Service) Prune(ctx context.Context, ids []int64) int {
	if len(ids) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pruneCommitTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.store.Load(ctx)
	if err != nil {
		s.log.Error("registry prune skipped", logx.Int("requested", len(ids)), logx.Err(err))
		return 0
	}
	removed := 0
	for _, id := range ids {
		if _, ok := users[id]; ok {
			delete(users, id)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	if err := s.store.Save(ctx, users); err != nil {
		s.log.Error("registry prune not persisted", logx.Int("requested", len(ids)), logx.Err(err))
		return 0
	}
	s.log.Info("registry pruned", logx.Int("requested", len(ids)), logx.Int("removed", removed), logx.Int("remaining", len(users)))
	return removed
}

// Snapshot returns the current registry. The result is owned by the caller.
// It is empty when the store cannot be read.
func (s *Service) Snapshot(ctx context.Context) storage.Users {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, _ := s.store.Load(ctx)
	return users
}

func (s *Service) Count(ctx context.Context) int {
	return len(s.Snapshot(ctx))
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func displayName(c Candidate) string {
	if c.Handle != nil && *c.Handle != "" {
		return "@" + *c.Handle
	}
	return c.DisplayName
}

// CandidateFrom maps an update sender onto a Candidate. Empty handle and
// surname become nil.
func CandidateFrom(u kit.Sender) Candidate {
	c := Candidate{ID: u.ID, DisplayName: u.FirstName}
	if u.Username != "" {
		h := u.Username
		c.Handle = &h
	}
	if u.LastName != "" {
		l := u.LastName
		c.Surname = &l
	}
	return c
}
