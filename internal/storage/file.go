package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "gatebot/pkg/logx"
)

// fileDriver keeps the registry in one JSON document:
//
//	{"<id>": {"handle": ..., "displayName": ..., "surname": ..., "createdAt": ..., "lastSeenAt": ...}}
//
// Writes go to a temp file that is renamed over the document.
type fileDriver struct {
	log logx.Logger
	now func() time.Time

	path      string
	auditPath string
	readOnly  bool

	mu        sync.Mutex
	auditFile *os.File
}

type fileRecord struct {
	Handle      *string   `json:"handle"`
	DisplayName string    `json:"displayName"`
	Surname     *string   `json:"surname"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// legacyRecord is the entry shape written by the first version of the bot.
type legacyRecord struct {
	Username          *string `json:"username"`
	FirstName         *string `json:"first_name"`
	LastName          *string `json:"last_name"`
	AddedAt           string  `json:"added_at"`
	LastInteractionAt string  `json:"last_interaction_at"`
}

func openFile(cfg Config, log logx.Logger) (*fileDriver, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("registry.path is required for file driver")
	}
	if !cfg.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	prefix := strings.TrimSuffix(path, filepath.Ext(path))
	return &fileDriver{
		log:       log,
		now:       time.Now,
		path:      path,
		auditPath: prefix + ".audit.jsonl",
		readOnly:  cfg.ReadOnly,
	}, nil
}

func (d *fileDriver) ReadUsers(ctx context.Context) (Users, error) {
	b, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return Users{}, nil
	}
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Users{}, nil
	}

	switch b[0] {
	case '{':
		users, err := decodeMapping(b)
		if err != nil {
			return nil, d.quarantine(err)
		}
		return users, nil
	case '[':
		users, err := d.decodeLegacyList(b)
		if err != nil {
			return nil, d.quarantine(err)
		}
		if d.readOnly {
			return users, nil
		}
		d.log.Warn("legacy registry format detected; migrating", logx.String("path", d.path), logx.Int("users", len(users)))
		if err := d.WriteUsers(ctx, users); err != nil {
			d.log.Error("persisting migrated registry failed", logx.Err(err))
		}
		return users, nil
	default:
		return nil, d.quarantine(errors.New("unexpected top-level value"))
	}
}

// quarantine moves a malformed document aside so the next save cannot destroy it.
func (d *fileDriver) quarantine(cause error) error {
	if d.readOnly {
		return &MalformedError{Cause: cause}
	}
	aside := fmt.Sprintf("%s.corrupt-%d", d.path, d.now().Unix())
	if err := os.Rename(d.path, aside); err != nil {
		return &MalformedError{Cause: fmt.Errorf("%v (move aside failed: %v)", cause, err)}
	}
	return &MalformedError{Cause: cause, MovedTo: aside}
}

func decodeMapping(b []byte) (Users, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	users := make(Users, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id key %q", k)
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", id, err)
		}
		rec.ID = id
		users[id] = rec
	}
	return users, nil
}

func decodeRecord(v json.RawMessage) (UserRecord, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(v, &probe); err != nil {
		return UserRecord{}, err
	}
	if _, current := probe["displayName"]; current || len(probe) == 0 {
		var fr fileRecord
		if err := json.Unmarshal(v, &fr); err != nil {
			return UserRecord{}, err
		}
		return UserRecord{
			Handle:      fr.Handle,
			DisplayName: fr.DisplayName,
			Surname:     fr.Surname,
			CreatedAt:   fr.CreatedAt,
			LastSeenAt:  fr.LastSeenAt,
		}, nil
	}

	var lr legacyRecord
	if err := json.Unmarshal(v, &lr); err != nil {
		return UserRecord{}, err
	}
	rec := UserRecord{Handle: lr.Username, Surname: lr.LastName}
	if lr.FirstName != nil {
		rec.DisplayName = *lr.FirstName
	}
	rec.CreatedAt = parseLegacyTime(lr.AddedAt)
	rec.LastSeenAt = parseLegacyTime(lr.LastInteractionAt)
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = rec.CreatedAt
	}
	return rec, nil
}

// parseLegacyTime accepts ISO-8601 with or without zone; naive values are local time.
func parseLegacyTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (d *fileDriver) decodeLegacyList(b []byte) (Users, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var ids []any
	if err := dec.Decode(&ids); err != nil {
		return nil, err
	}
	now := d.now()
	users := make(Users, len(ids))
	for _, v := range ids {
		var raw string
		switch x := v.(type) {
		case json.Number:
			raw = x.String()
		case string:
			raw = x
		default:
			return nil, fmt.Errorf("legacy id %v is not a number", v)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("legacy id %q: %w", raw, err)
		}
		users[id] = UserRecord{ID: id, DisplayName: "Unknown", CreatedAt: now, LastSeenAt: now}
	}
	return users, nil
}

func (d *fileDriver) WriteUsers(ctx context.Context, users Users) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	out := make(map[string]fileRecord, len(users))
	for id, u := range users {
		out[strconv.FormatInt(id, 10)] = fileRecord{
			Handle:      u.Handle,
			DisplayName: u.DisplayName,
			Surname:     u.Surname,
			CreatedAt:   u.CreatedAt,
			LastSeenAt:  u.LastSeenAt,
		}
	}
	b, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (d *fileDriver) AppendAudit(ctx context.Context, e AuditEntry) error {
	if d.readOnly {
		return ErrReadOnly
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.auditFile == nil {
		f, err := os.OpenFile(d.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		d.auditFile = f
	}
	return json.NewEncoder(d.auditFile).Encode(e)
}

func (d *fileDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.auditFile == nil {
		return nil
	}
	err := d.auditFile.Close()
	d.auditFile = nil
	return err
}
