// Package queue signals job workers through Redis. The database stays the
// source of truth for job state; Redis only carries wake-ups, so a lost
// signal costs one poll interval and never a job.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

const (
	signalKey = "jobs:signal"
	delayKey  = "jobs:delay"

	// bound on buffered wake-ups when no worker is listening
	maxSignals = 1000
)

type Signal struct{ rdb *r.Client }

func New(rdb *r.Client) *Signal { return &Signal{rdb} }

// Notify wakes one waiting worker for jobID. Jobs that run in the future are
// parked in the delay set until MoveDue releases them.
func (q *Signal) Notify(ctx context.Context, jobID string, runAt time.Time) error {
	if time.Until(runAt) > 0 {
		err := q.rdb.ZAdd(ctx, delayKey, r.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
		return errors.Wrap(err, "park delayed signal")
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, signalKey, jobID)
	pipe.LTrim(ctx, signalKey, 0, maxSignals-1)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "push signal")
}

// Wait blocks up to block for a signal and returns the job id it carried.
// An empty id with a nil error means the wait timed out.
func (q *Signal) Wait(ctx context.Context, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, signalKey).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// MoveDue releases up to batch delayed signals whose run time has passed and
// reports how many were moved.
func (q *Signal) MoveDue(ctx context.Context, now time.Time, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, errors.Wrap(err, "scan delayed signals")
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, signalKey, id)
		pipe.ZRem(ctx, delayKey, id)
	}
	pipe.LTrim(ctx, signalKey, 0, maxSignals-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "move delayed signals")
	}
	return len(ids), nil
}

func (q *Signal) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
