package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "gatebot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteDriver struct {
	db       *sql.DB
	log      logx.Logger
	readOnly bool
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteDriver, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("registry.path is required for sqlite driver")
	}
	dsn := path
	if cfg.ReadOnly {
		dsn = "file:" + path + "?mode=ro"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &sqliteDriver{db: db, log: log, readOnly: cfg.ReadOnly}
	if cfg.BusyTimeout > 0 {
		d.pragma(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if cfg.ReadOnly {
		log.Debug("sqlite registry opened read-only", logx.String("path", path))
		return d, nil
	}
	d.pragma("PRAGMA journal_mode = WAL")
	d.pragma("PRAGMA synchronous = NORMAL")

	start := time.Now()
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite registry ready", logx.String("path", path), logx.Duration("migrate_took", time.Since(start)))
	return d, nil
}

// pragma applies a tuning statement. The registry still works without it.
func (d *sqliteDriver) pragma(stmt string) {
	if _, err := d.db.Exec(stmt); err != nil {
		d.log.Warn("sqlite pragma failed", logx.String("stmt", stmt), logx.Err(err))
	}
}

func (d *sqliteDriver) ReadUsers(ctx context.Context) (Users, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, handle, display_name, surname, created_at, last_seen_at FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := Users{}
	for rows.Next() {
		var (
			u                   UserRecord
			handle, surname     sql.NullString
			createdAt, lastSeen string
		)
		if err := rows.Scan(&u.ID, &handle, &u.DisplayName, &surname, &createdAt, &lastSeen); err != nil {
			return nil, err
		}
		u.Handle = fromNull(handle)
		u.Surname = fromNull(surname)
		if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("user %d created_at: %w", u.ID, err)
		}
		if u.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
			return nil, fmt.Errorf("user %d last_seen_at: %w", u.ID, err)
		}
		users[u.ID] = u
	}
	return users, rows.Err()
}

// WriteUsers replaces the table content in one transaction.
func (d *sqliteDriver) WriteUsers(ctx context.Context, users Users) error {
	if d.readOnly {
		return ErrReadOnly
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM users`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO users(id, handle, display_name, surname, created_at, last_seen_at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, u := range users {
		if _, err := stmt.ExecContext(ctx, id, toNull(u.Handle), u.DisplayName, toNull(u.Surname),
			u.CreatedAt.Format(time.RFC3339Nano), u.LastSeenAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert user %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (d *sqliteDriver) AppendAudit(ctx context.Context, e AuditEntry) error {
	if d.readOnly {
		return ErrReadOnly
	}
	var meta any
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, ok, fail, err, took_ms, meta) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS, meta,
	)
	return err
}

func (d *sqliteDriver) Close() error { return d.db.Close() }

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func toNull(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
