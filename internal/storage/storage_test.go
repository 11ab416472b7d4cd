package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "gatebot/pkg/logx"
)

func strp(s string) *string { return &s }

func openTestStore(t *testing.T, driver string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "users.json")
	if driver == "sqlite" {
		path = filepath.Join(t.TempDir(), "users.db")
	}
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func mustLoad(t *testing.T, st *Store) Users {
	t.Helper()
	users, err := st.Load(context.Background())
	require.NoError(t, err)
	return users
}

func sampleUsers() Users {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return Users{
		1: {ID: 1, Handle: strp("alice"), DisplayName: "Alice", Surname: nil, CreatedAt: created, LastSeenAt: created.Add(time.Hour)},
		2: {ID: 2, Handle: nil, DisplayName: "Bob", Surname: strp("Builder"), CreatedAt: created, LastSeenAt: created},
	}
}

func TestFileLoadMissingIsEmpty(t *testing.T) {
	st, path := openTestStore(t, "file")
	users := mustLoad(t, st)
	require.Empty(t, users)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "load must not create the file")
}

func TestFileSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, path := openTestStore(t, "file")
	require.NoError(t, st.Save(ctx, sampleUsers()))

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, st.Save(ctx, mustLoad(t, st)))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))

	got := mustLoad(t, st)
	require.Len(t, got, 2)
	require.Equal(t, "alice", *got[1].Handle)
	require.Nil(t, got[1].Surname)
	require.Nil(t, got[2].Handle)
	require.Equal(t, "Builder", *got[2].Surname)
	require.True(t, got[1].LastSeenAt.Equal(sampleUsers()[1].LastSeenAt))
}

func TestFilePersistedShape(t *testing.T) {
	ctx := context.Background()
	st, path := openTestStore(t, "file")
	require.NoError(t, st.Save(ctx, sampleUsers()))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Contains(t, raw, "1")
	require.Equal(t, "alice", raw["1"]["handle"])
	require.Nil(t, raw["1"]["surname"])
	require.Equal(t, "Alice", raw["1"]["displayName"])
	require.Equal(t, "2024-05-01T10:00:00Z", raw["1"]["createdAt"])
	require.Equal(t, "2024-05-01T11:00:00Z", raw["1"]["lastSeenAt"])
}

func TestFileLegacyListMigratesOnce(t *testing.T) {
	st, path := openTestStore(t, "file")
	require.NoError(t, os.WriteFile(path, []byte(`[101, "102", 103]`), 0o600))

	before := time.Now().Add(-time.Second)
	users := mustLoad(t, st)
	require.Len(t, users, 3)
	for _, id := range []int64{101, 102, 103} {
		u, ok := users[id]
		require.True(t, ok)
		require.Equal(t, id, u.ID)
		require.Equal(t, "Unknown", u.DisplayName)
		require.Nil(t, u.Handle)
		require.Nil(t, u.Surname)
		require.True(t, u.CreatedAt.After(before))
	}

	// The migrated mapping is on disk now; a second load must not re-migrate.
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, byte('{'), b[0])

	again := mustLoad(t, st)
	require.Len(t, again, 3)
	for id, u := range users {
		require.True(t, u.CreatedAt.Equal(again[id].CreatedAt))
	}
}

func TestFileReadsFirstVersionEntries(t *testing.T) {
	st, path := openTestStore(t, "file")
	doc := `{"42": {"username": "carol", "first_name": "Carol", "last_name": null,
		"added_at": "2024-01-02T15:04:05.123456", "last_interaction_at": "2024-01-03T08:00:00"}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	users := mustLoad(t, st)
	require.Len(t, users, 1)
	u := users[42]
	require.Equal(t, "carol", *u.Handle)
	require.Equal(t, "Carol", u.DisplayName)
	require.Nil(t, u.Surname)
	require.Equal(t, 2024, u.CreatedAt.Year())
	require.Equal(t, 3, u.LastSeenAt.Day())
}

func TestFileMalformedIsEmptyAndQuarantined(t *testing.T) {
	st, path := openTestStore(t, "file")
	require.NoError(t, os.WriteFile(path, []byte(`{"1": {`), 0o600))

	require.Empty(t, mustLoad(t, st))

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestFileEmptyDocumentIsEmpty(t *testing.T) {
	st, path := openTestStore(t, "file")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	require.Empty(t, mustLoad(t, st))
}

func TestSaveFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	// A directory where the temp file should go makes every write fail.
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))

	require.Error(t, st.Save(context.Background(), sampleUsers()))
	require.Empty(t, mustLoad(t, st))
}

func TestFileAuditAppends(t *testing.T) {
	ctx := context.Background()
	st, path := openTestStore(t, "file")
	st.Audit(ctx, AuditEntry{ActorID: 7, Action: "broadcast", OK: 3, Fail: 2})
	st.Audit(ctx, AuditEntry{ActorID: 8, Action: "broadcast.denied"})

	f, err := os.Open(filepath.Join(filepath.Dir(path), "users.audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var lines []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "broadcast", lines[0].Action)
	require.Equal(t, 3, lines[0].OK)
	require.False(t, lines[1].At.IsZero())
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, _ := openTestStore(t, "sqlite")
	require.Empty(t, mustLoad(t, st))

	require.NoError(t, st.Save(ctx, sampleUsers()))
	got := mustLoad(t, st)
	require.Len(t, got, 2)
	require.Equal(t, "alice", *got[1].Handle)
	require.Nil(t, got[2].Handle)
	require.True(t, got[1].CreatedAt.Equal(sampleUsers()[1].CreatedAt))

	// Whole replacement: a smaller registry drops the missing rows.
	delete(got, 1)
	require.NoError(t, st.Save(ctx, got))
	require.Len(t, mustLoad(t, st), 1)

	st.Audit(ctx, AuditEntry{ActorID: 1, Action: "broadcast", Meta: map[string]any{"blocked": 1}})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestLoadFailureIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	// Reading a directory fails without the document being malformed.
	require.NoError(t, os.Mkdir(path, 0o755))

	users, err := st.Load(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMalformed)
	require.NotNil(t, users)
	require.Empty(t, users)
}

func TestFileReadOnlyLeavesDocumentsAlone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	legacy := filepath.Join(dir, "legacy.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`[101, 102]`), 0o600))
	st, err := Open(Config{Driver: "file", Path: legacy, ReadOnly: true}, logx.Nop())
	require.NoError(t, err)
	users, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	b, err := os.ReadFile(legacy)
	require.NoError(t, err)
	require.Equal(t, `[101, 102]`, string(b), "a read-only load must not migrate")
	require.ErrorIs(t, st.Save(ctx, users), ErrReadOnly)
	require.NoError(t, st.Close())

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"1": {`), 0o600))
	st, err = Open(Config{Driver: "file", Path: broken, ReadOnly: true}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.Load(ctx)
	require.ErrorIs(t, err, ErrMalformed)
	_, err = os.Stat(broken)
	require.NoError(t, err, "a read-only load must not move the document aside")
	matches, err := filepath.Glob(broken + ".corrupt-*")
	require.NoError(t, err)
	require.Empty(t, matches)

	_, err = os.Stat(filepath.Join(dir, "broken.audit.jsonl"))
	require.True(t, os.IsNotExist(err))
}

func TestSQLiteReadOnly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.db")
	rw, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, rw.Save(ctx, sampleUsers()))
	require.NoError(t, rw.Close())

	ro, err := Open(Config{Driver: "sqlite", Path: path, ReadOnly: true}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ro.Close() })
	require.Len(t, mustLoad(t, ro), 2)
	require.ErrorIs(t, ro.Save(ctx, Users{}), ErrReadOnly)
	require.Len(t, mustLoad(t, ro), 2)
}

func TestSQLiteOpenLogs(t *testing.T) {
	var buf bytes.Buffer
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "users.db"), BusyTimeout: time.Second}, logx.NewWriter(&buf, "debug"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.Contains(t, buf.String(), "sqlite registry ready")
	require.NotContains(t, buf.String(), "sqlite pragma failed")
}
