package maintenance

import "context"

// DefaultLockKey is the base of the advisory lock keys schedulers compete for.
const DefaultLockKey int64 = 42

// Task slots. Each maintenance task is elected separately so that a
// frequent task never makes another one skip its run.
const (
	slotReap int64 = iota + 1
	slotCleanup
	slotMetrics
	slotMoveDue
)

// Leader decides whether this process may run the maintenance task in slot
// now. The release func must be called when the task is done.
type Leader interface {
	TryLead(ctx context.Context, slot int64) (bool, func(), error)
}

// AdvisoryLocker is implemented by storage.Postgres.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error)
}

type advisoryLeader struct {
	locker AdvisoryLocker
	key    int64
}

// AdvisoryLeader elects through database advisory locks, so only one of
// several scheduler replicas runs each task. Every slot locks its own key
// derived from key.
func AdvisoryLeader(l AdvisoryLocker, key int64) Leader {
	return advisoryLeader{locker: l, key: key}
}

func (a advisoryLeader) TryLead(ctx context.Context, slot int64) (bool, func(), error) {
	return a.locker.TryAdvisoryLock(ctx, SlotLockKey(a.key, slot))
}

// SlotLockKey is the advisory lock key of a task slot under base.
func SlotLockKey(base, slot int64) int64 {
	return base<<16 | slot
}

// Solo always leads. Use it with a single-writer datastore.
type Solo struct{}

func (Solo) TryLead(context.Context, int64) (bool, func(), error) { return true, func() {}, nil }
