package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, opts ...Option) (*Service, *storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "users.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop(), opts...), st
}

func strp(s string) *string { return &s }

func TestUpsertNewThenExisting(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, st := newTestRegistry(t, WithClock(clk.Now))

	res := reg.Upsert(ctx, Candidate{ID: 1, Handle: strp("neo"), DisplayName: "Thomas"})
	require.True(t, res.IsNew)

	clk.Advance(time.Hour)
	res = reg.Upsert(ctx, Candidate{ID: 1, Handle: strp("neo"), DisplayName: "Thomas"})
	require.False(t, res.IsNew)
	require.False(t, res.Changed)

	users, err := st.Load(ctx)
	require.NoError(t, err)
	u := users[1]
	require.True(t, u.CreatedAt.Equal(clk.Now().Add(-time.Hour)))
	require.True(t, u.LastSeenAt.Equal(clk.Now()), "last seen must advance even when nothing changed")
}

func TestUpsertKeepsCreatedAtAndTakesLastValues(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, st := newTestRegistry(t, WithClock(clk.Now))
	first := clk.Now()

	seq := []Candidate{
		{ID: 9, Handle: nil, DisplayName: "A"},
		{ID: 9, Handle: strp("a1"), DisplayName: "A", Surname: strp("X")},
		{ID: 9, Handle: strp("a2"), DisplayName: "B", Surname: nil},
	}
	for i, c := range seq {
		res := reg.Upsert(ctx, c)
		require.Equal(t, i == 0, res.IsNew)
		if i > 0 {
			require.True(t, res.Changed)
		}
		clk.Advance(time.Minute)
	}

	users, err := st.Load(ctx)
	require.NoError(t, err)
	u := users[9]
	require.True(t, u.CreatedAt.Equal(first))
	require.Equal(t, "a2", *u.Handle)
	require.Equal(t, "B", u.DisplayName)
	require.Nil(t, u.Surname)
	require.True(t, u.LastSeenAt.Equal(first.Add(2*time.Minute)))
}

func TestConcurrentUpsertsAreNotLost(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			reg.Upsert(ctx, Candidate{ID: id, DisplayName: fmt.Sprintf("u%d", id)})
			reg.Upsert(ctx, Candidate{ID: id, DisplayName: fmt.Sprintf("u%d", id)})
		}(int64(i))
	}
	wg.Wait()
	require.Equal(t, n, reg.Count(ctx))
}

func TestPruneKeepsEntriesAddedAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	for i := int64(1); i <= 3; i++ {
		reg.Upsert(ctx, Candidate{ID: i, DisplayName: "x"})
	}
	snap := reg.Snapshot(ctx)
	require.Len(t, snap, 3)

	reg.Upsert(ctx, Candidate{ID: 4, DisplayName: "late"})

	removed := reg.Prune(ctx, []int64{2, 99})
	require.Equal(t, 1, removed)

	after := reg.Snapshot(ctx)
	require.Len(t, after, 3)
	require.Contains(t, after, int64(4))
	require.NotContains(t, after, int64(2))
}

func TestPruneNothingIsNoop(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.Zero(t, reg.Prune(context.Background(), nil))
}

func TestCandidateFrom(t *testing.T) {
	c := CandidateFrom(kit.Sender{ID: 5, FirstName: "Ann"})
	require.Equal(t, int64(5), c.ID)
	require.Nil(t, c.Handle)
	require.Nil(t, c.Surname)

	c = CandidateFrom(kit.Sender{ID: 5, Username: "ann", FirstName: "Ann", LastName: "Lee"})
	require.Equal(t, "ann", *c.Handle)
	require.Equal(t, "Lee", *c.Surname)
}

// flakyDriver is an in-memory driver whose reads and writes can be made to
// fail a given number of times.
type flakyDriver struct {
	mu         sync.Mutex
	users      storage.Users
	failReads  int
	failWrites int
	writes     int
}

func (d *flakyDriver) ReadUsers(ctx context.Context) (storage.Users, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failReads > 0 {
		d.failReads--
		return nil, errors.New("read users: too many open files")
	}
	return d.users.Clone(), nil
}

func (d *flakyDriver) WriteUsers(ctx context.Context, users storage.Users) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.failWrites > 0 {
		d.failWrites--
		return errors.New("write users: no space left on device")
	}
	d.writes++
	d.users = users.Clone()
	return nil
}

func (d *flakyDriver) AppendAudit(ctx context.Context, e storage.AuditEntry) error { return nil }
func (d *flakyDriver) Close() error                                              { return nil }

func (d *flakyDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

func seededDriver(n int) *flakyDriver {
	users := storage.Users{}
	for i := 1; i <= n; i++ {
		users[int64(i)] = storage.UserRecord{ID: int64(i), DisplayName: "u"}
	}
	return &flakyDriver{users: users}
}

func TestUpsertAfterFailedLoadKeepsRegistry(t *testing.T) {
	ctx := context.Background()
	d := seededDriver(100)
	reg := New(storage.NewStore(d, logx.Nop()), logx.Nop())

	d.failReads = 1
	res := reg.Upsert(ctx, Candidate{ID: 500, DisplayName: "new"})
	require.True(t, res.IsNew, "the in-memory view decides IsNew")
	require.Equal(t, 100, d.count())
	require.Zero(t, d.writes)

	res = reg.Upsert(ctx, Candidate{ID: 500, DisplayName: "new"})
	require.True(t, res.IsNew)
	require.Equal(t, 101, d.count())
}

func TestPruneAfterFailedLoadRemovesNothing(t *testing.T) {
	d := seededDriver(3)
	reg := New(storage.NewStore(d, logx.Nop()), logx.Nop())

	d.failReads = 1
	require.Zero(t, reg.Prune(context.Background(), []int64{1}))
	require.Equal(t, 3, d.count())
}

func TestPruneReportsOnlyPersistedRemovals(t *testing.T) {
	d := seededDriver(3)
	reg := New(storage.NewStore(d, logx.Nop()), logx.Nop())

	d.failWrites = 1
	require.Zero(t, reg.Prune(context.Background(), []int64{1, 2}))
	require.Equal(t, 3, d.count())

	require.Equal(t, 2, reg.Prune(context.Background(), []int64{1, 2}))
	require.Equal(t, 1, d.count())
}

func TestPruneCommitsAfterCancel(t *testing.T) {
	d := seededDriver(3)
	reg := New(storage.NewStore(d, logx.Nop()), logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, 1, reg.Prune(ctx, []int64{2}))
	require.Equal(t, 2, d.count())
	require.NotContains(t, reg.Snapshot(context.Background()), int64(2))
}

func TestSnapshotAfterFailedLoadIsEmpty(t *testing.T) {
	d := seededDriver(2)
	reg := New(storage.NewStore(d, logx.Nop()), logx.Nop())

	d.failReads = 1
	require.Empty(t, reg.Snapshot(context.Background()))
	require.Equal(t, 2, reg.Count(context.Background()))
}
