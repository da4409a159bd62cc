// Package maintenance runs the periodic housekeeping of the job queue:
// reaping jobs stuck in processing, releasing delayed wake-ups, and
// enqueueing the cleanup and metrics jobs.
package maintenance

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/mktops/internal/domain"
	"github.com/SirClappington/mktops/internal/jobs"
)

const (
	taskTimeout = time.Minute
	reapBatch   = 500
	moveBatch   = 200

	moveDueSchedule = "@every 1s"

	// ReapMessage is recorded on jobs failed by the reaper.
	ReapMessage = "processing timeout"
)

type Config struct {
	ReapSchedule      string
	CleanupSchedule   string
	MetricsSchedule   string
	ProcessingTimeout time.Duration
}

// StaleFinder lists jobs that have been processing since before cutoff.
type StaleFinder interface {
	StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// DelayMover releases delayed wake-up signals that are due.
type DelayMover interface {
	MoveDue(ctx context.Context, now time.Time, batch int64) (int, error)
}

type task struct {
	name string
	spec string
	slot int64
	fn   func(context.Context) error
}

type Scheduler struct {
	cfg    Config
	client *jobs.Client
	stale  StaleFinder
	mover  DelayMover
	leader Leader
	log    *zap.Logger
	now    func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the maintenance tasks. mover may be nil when Redis is not
// configured.
func New(cfg Config, client *jobs.Client, stale StaleFinder, mover DelayMover, leader Leader, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if leader == nil {
		leader = Solo{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		client: client,
		stale:  stale,
		mover:  mover,
		leader: leader,
		log:    log,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}

	cl := cronLogger{log.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	tasks := []task{
		{"reap", cfg.ReapSchedule, slotReap, s.reap},
		{"cleanup", cfg.CleanupSchedule, slotCleanup, s.EnqueueCleanup},
		{"metrics", cfg.MetricsSchedule, slotMetrics, s.EnqueueMetrics},
	}
	if mover != nil {
		tasks = append(tasks, task{"move-due", moveDueSchedule, slotMoveDue, s.moveDue})
	}
	for _, t := range tasks {
		if t.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(t.spec, s.guarded(t)); err != nil {
			cancel()
			return nil, errors.Wrapf(err, "schedule %s %q", t.name, t.spec)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.log.Info("maintenance scheduler started", zap.Int("tasks", len(s.cron.Entries())))
	s.cron.Start()
}

// Stop cancels running tasks and waits for them, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.log.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// guarded wraps the task so that it only runs while this process leads its
// slot.
func (s *Scheduler) guarded(t task) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, taskTimeout)
		defer cancel()

		ok, release, err := s.leader.TryLead(ctx, t.slot)
		if err != nil {
			s.log.Warn("leader election failed", zap.String("task", t.name), zap.Error(err))
			return
		}
		if !ok {
			return
		}
		defer release()

		if err := t.fn(ctx); err != nil {
			s.log.Error("maintenance task failed", zap.String("task", t.name), zap.Error(err))
		}
	}
}

// ReapStale fails every job that has been processing for longer than the
// processing timeout. The failure goes through the normal completion path,
// so jobs with retries left are re-queued.
func (s *Scheduler) ReapStale(ctx context.Context) (int, error) {
	ids, err := s.stale.StaleJobs(ctx, s.now().Add(-s.cfg.ProcessingTimeout), reapBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.client.Complete(ctx, id, false, ReapMessage); err != nil {
			s.log.Warn("reaping job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("stale jobs reaped", zap.Int("count", n))
	}
	return n, nil
}

func (s *Scheduler) reap(ctx context.Context) error {
	_, err := s.ReapStale(ctx)
	return err
}

func (s *Scheduler) EnqueueCleanup(ctx context.Context) error {
	_, err := s.client.Enqueue(ctx, domain.Cleanup, "system", "jobs", jobs.WithPriority(1))
	return err
}

func (s *Scheduler) EnqueueMetrics(ctx context.Context) error {
	_, err := s.client.Enqueue(ctx, domain.RefreshMetrics, "system", "metrics", jobs.WithMaxRetries(0))
	return err
}

func (s *Scheduler) moveDue(ctx context.Context) error {
	n, err := s.mover.MoveDue(ctx, s.now(), moveBatch)
	if n > 0 {
		s.log.Debug("delayed signals released", zap.Int("count", n))
	}
	return err
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
