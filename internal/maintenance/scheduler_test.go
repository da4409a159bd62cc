package maintenance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/mktops/internal/domain"
	"github.com/SirClappington/mktops/internal/jobs"
	"github.com/SirClappington/mktops/internal/queue"
	"github.com/SirClappington/mktops/internal/storage"
)

func setup(t *testing.T, cfg Config, mover DelayMover, leader Leader) (*Scheduler, *jobs.Client, *storage.SQLite) {
	t.Helper()
	store, err := storage.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := jobs.NewClient(store, nil, 0, zaptest.NewLogger(t))
	s, err := New(cfg, client, store, mover, leader, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, client, store
}

type fixedLeader struct {
	lead     bool
	released int
}

func (l *fixedLeader) TryLead(context.Context, int64) (bool, func(), error) {
	if !l.lead {
		return false, nil, nil
	}
	return true, func() { l.released++ }, nil
}

func TestReapStale(t *testing.T) {
	s, client, store := setup(t, Config{ProcessingTimeout: 15 * time.Minute}, nil, nil)
	ctx := context.Background()

	retried, err := client.Enqueue(ctx, domain.EnrichResource, domain.ResourceReturn, "r-1", jobs.WithMaxRetries(1))
	require.NoError(t, err)
	final, err := client.Enqueue(ctx, domain.EnrichResource, domain.ResourceReturn, "r-2", jobs.WithMaxRetries(0))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := client.ClaimNext(ctx)
		require.NoError(t, err)
	}

	n, err := s.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing has timed out yet")

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = s.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{retried, final} {
		j, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.Failed, j.Status)
		assert.Equal(t, ReapMessage, *j.ErrorMessage)
	}

	hist, err := client.History(ctx, domain.ResourceReturn, "r-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, domain.Pending, hist[0].Status)
}

func TestEnqueueHousekeepingJobs(t *testing.T) {
	s, client, _ := setup(t, Config{}, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.EnqueueCleanup(ctx))
	require.NoError(t, s.EnqueueMetrics(ctx))

	first, err := client.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshMetrics, first.Type)
	assert.Equal(t, 0, first.MaxRetries)

	second, err := client.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Cleanup, second.Type)
	assert.Equal(t, 1, second.Priority)
}

func TestGuardedRunsOnlyWhileLeading(t *testing.T) {
	leader := &fixedLeader{}
	s, _, _ := setup(t, Config{}, nil, leader)

	calls := 0
	run := s.guarded(task{name: "count", slot: slotReap, fn: func(context.Context) error {
		calls++
		return nil
	}})

	run()
	assert.Zero(t, calls)

	leader.lead = true
	run()
	run()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, leader.released)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	store, err := storage.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	defer store.Close()

	_, err = New(Config{ReapSchedule: "every now and then"}, jobs.NewClient(store, nil, 0, nil), store, nil, nil, nil)
	assert.ErrorContains(t, err, "schedule reap")
}

func TestSchedulerMovesDueSignals(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	signal := queue.New(rdb)
	ctx := context.Background()

	require.NoError(t, signal.Notify(ctx, "job-1", time.Now().Add(500*time.Millisecond)))

	s, _, _ := setup(t, Config{ReapSchedule: "@every 1h"}, signal, AdvisoryLeader(soloLocker{}, DefaultLockKey))
	s.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, s.Stop(stopCtx))
	}()

	id, err := signal.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

// memLocker mimics try-lock semantics of database advisory locks.
type memLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func (l *memLocker) TryAdvisoryLock(_ context.Context, key int64) (bool, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[int64]bool{}
	}
	if l.held[key] {
		return false, nil, nil
	}
	l.held[key] = true
	return true, func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

func TestTasksAreElectedIndependently(t *testing.T) {
	locker := &memLocker{}
	leader := AdvisoryLeader(locker, DefaultLockKey)
	s, _, _ := setup(t, Config{}, nil, leader)
	ctx := context.Background()

	ok, release, err := leader.TryLead(ctx, slotMoveDue)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	var reaped, moved bool
	s.guarded(task{name: "reap", slot: slotReap, fn: func(context.Context) error {
		reaped = true
		return nil
	}})()
	s.guarded(task{name: "move-due", slot: slotMoveDue, fn: func(context.Context) error {
		moved = true
		return nil
	}})()

	assert.True(t, reaped, "a held move-due lock does not block the reaper")
	assert.False(t, moved, "the same slot stays exclusive")
	assert.NotEqual(t, SlotLockKey(DefaultLockKey, slotReap), SlotLockKey(DefaultLockKey, slotMoveDue))

	locker.mu.Lock()
	assert.Len(t, locker.held, 1, "the reaper released its lock")
	locker.mu.Unlock()
}

type soloLocker struct{}

func (soloLocker) TryAdvisoryLock(context.Context, int64) (bool, func(), error) {
	return true, func() {}, nil
}
