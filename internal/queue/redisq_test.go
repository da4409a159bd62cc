package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignal(t *testing.T) (*Signal, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestSignal_NotifyAndWait(t *testing.T) {
	q, _ := newSignal(t)
	ctx := context.Background()

	require.NoError(t, q.Ping(ctx))
	require.NoError(t, q.Notify(ctx, "job-1", time.Now()))
	require.NoError(t, q.Notify(ctx, "job-2", time.Time{}))

	id, err := q.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	id, err = q.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-2", id)
}

func TestSignal_WaitTimesOut(t *testing.T) {
	q, _ := newSignal(t)

	id, err := q.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestSignal_DelayedSignalsMoveWhenDue(t *testing.T) {
	q, mr := newSignal(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	require.NoError(t, q.Notify(ctx, "later", runAt))
	assert.False(t, mr.Exists(signalKey))

	members, err := mr.ZMembers(delayKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, members)

	n, err := q.MoveDue(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.MoveDue(ctx, runAt.Add(time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := mr.List(signalKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, list)
	assert.False(t, mr.Exists(delayKey))
}

func TestSignal_BacklogIsBounded(t *testing.T) {
	q, mr := newSignal(t)
	ctx := context.Background()

	for i := 0; i < maxSignals+10; i++ {
		require.NoError(t, q.Notify(ctx, "x", time.Time{}))
	}
	list, err := mr.List(signalKey)
	require.NoError(t, err)
	assert.Len(t, list, maxSignals)
}
