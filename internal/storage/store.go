package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "gatebot/pkg/logx"
)

var (
	ErrMalformed = errors.New("registry file is malformed")
	ErrReadOnly  = errors.New("registry opened read-only")
)

// MalformedError reports a registry document that could not be decoded.
// MovedTo is set once the document has been renamed out of the way.
type MalformedError struct {
	Cause   error
	MovedTo string
}

func (e *MalformedError) Error() string {
	if e.MovedTo != "" {
		return fmt.Sprintf("%s: %v (moved to %s)", ErrMalformed, e.Cause, e.MovedTo)
	}
	return fmt.Sprintf("%s: %v", ErrMalformed, e.Cause)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }
func (e *MalformedError) Unwrap() error        { return e.Cause }

// Store applies the registry persistence policy on top of a Driver.
type Store struct {
	d   Driver
	log logx.Logger
}

// Open initializes the configured driver.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		d   Driver
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file", "json":
		d, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		d, err = openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown registry driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(d, log), nil
}

// NewStore wraps an already opened driver.
func NewStore(d Driver, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{d: d, log: log}
}

// Load reads the whole registry. On failure it logs and returns an empty
// registry together with the error; callers must not save that empty view
// back. A malformed document that was moved aside is not a failure: the
// registry starts over empty.
func (s *Store) Load(ctx context.Context) (Users, error) {
	users, err := s.d.ReadUsers(ctx)
	if err != nil {
		var me *MalformedError
		if errors.As(err, &me) && me.MovedTo != "" {
			s.log.Error("registry file malformed; starting with an empty registry", logx.String("moved_to", me.MovedTo), logx.Err(me.Cause))
			return Users{}, nil
		}
		s.log.Error("registry load failed", logx.Err(err))
		return Users{}, err
	}
	if users == nil {
		users = Users{}
	}
	return users, nil
}

// Save replaces the persisted registry. Failures are logged and returned.
func (s *Store) Save(ctx context.Context, users Users) error {
	start := time.Now()
	if err := s.d.WriteUsers(ctx, users); err != nil {
		s.log.Error("registry save failed", logx.Int("users", len(users)), logx.Err(err))
		return err
	}
	s.log.Debug("registry saved", logx.Int("users", len(users)), logx.Duration("took", time.Since(start)))
	return nil
}

// Audit appends an audit entry, best effort.
func (s *Store) Audit(ctx context.Context, e AuditEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := s.d.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (s *Store) Close() error { return s.d.Close() }
