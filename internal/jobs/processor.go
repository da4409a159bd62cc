package jobs

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/mktops/internal/domain"
)

const (
	DefaultBatchSize    = 50
	DefaultPollInterval = 5 * time.Second
)

// Handler runs one job. A returned error or a panic fails the attempt.
type Handler func(ctx context.Context, job *domain.Job) error

// Waiter blocks until a worker wake-up arrives or block elapses.
type Waiter interface {
	Wait(ctx context.Context, block time.Duration) (string, error)
}

type Processor struct {
	client *Client
	waiter Waiter
	log    *zap.Logger

	batch int
	poll  time.Duration

	mu       sync.RWMutex
	handlers map[domain.JobType]Handler

	triggered atomic.Bool
	inflight  sync.WaitGroup
}

type ProcessorOption func(*Processor)

// WithBatchSize bounds how many jobs one drain claims.
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batch = n
		}
	}
}

func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.poll = d
		}
	}
}

// NewProcessor builds a processor. waiter may be nil, in which case Run
// polls on a ticker.
func NewProcessor(client *Client, waiter Waiter, log *zap.Logger, opts ...ProcessorOption) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Processor{
		client:   client,
		waiter:   waiter,
		log:      log,
		batch:    DefaultBatchSize,
		poll:     DefaultPollInterval,
		handlers: make(map[domain.JobType]Handler),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) Register(jobType domain.JobType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

func (p *Processor) handler(jobType domain.JobType) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Drain claims and runs jobs until none is eligible or the batch limit is
// reached, and reports how many it ran.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	n := 0
	for n < p.batch {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		job, err := p.client.ClaimNext(ctx)
		if err != nil {
			return n, errors.Wrap(err, "claim next job")
		}
		if job == nil {
			return n, nil
		}
		p.execute(ctx, job)
		n++
	}
	return n, nil
}

func (p *Processor) execute(ctx context.Context, job *domain.Job) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.RetryCount+1))
	start := time.Now()
	// the outcome must be recorded even when ctx ends mid-job
	done := context.WithoutCancel(ctx)

	err := p.run(ctx, job)
	if err != nil {
		log.Error("job failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		if cerr := p.client.Complete(done, job.ID, false, err.Error()); cerr != nil {
			log.Error("recording job failure", zap.Error(cerr))
		}
		return
	}

	log.Info("job completed", zap.Duration("took", time.Since(start)))
	if cerr := p.client.Complete(done, job.ID, true, ""); cerr != nil {
		log.Error("recording job success", zap.Error(cerr))
	}
}

func (p *Processor) run(ctx context.Context, job *domain.Job) (err error) {
	h, ok := p.handler(job.Type)
	if !ok {
		return errors.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job handler panicked", zap.String("job_id", job.ID), zap.ByteString("stack", debug.Stack()))
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// Trigger starts a drain in the background and returns immediately. The
// drain outlives ctx's cancellation. While one triggered drain is running
// further triggers are dropped; the running drain picks their jobs up.
func (p *Processor) Trigger(ctx context.Context) bool {
	if !p.triggered.CompareAndSwap(false, true) {
		return false
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer p.triggered.Store(false)

		n, err := p.Drain(context.WithoutCancel(ctx))
		if err != nil {
			p.log.Error("triggered drain failed", zap.Int("processed", n), zap.Error(err))
			return
		}
		p.log.Debug("triggered drain finished", zap.Int("processed", n))
	}()
	return true
}

// Shutdown waits for a triggered drain to finish, or for ctx to end.
func (p *Processor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is done, sleeping between drains on the
// wake-up signal or, without one, on the poll interval.
func (p *Processor) Run(ctx context.Context) {
	var tick <-chan time.Time
	if p.waiter == nil {
		t := time.NewTicker(p.poll)
		defer t.Stop()
		tick = t.C
	}

	p.log.Info("job processor started", zap.Int("batch", p.batch), zap.Duration("poll", p.poll))
	defer p.log.Info("job processor stopped")

	for {
		n, err := p.Drain(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Error("drain failed", zap.Error(err))
		}
		if n >= p.batch {
			continue
		}

		if p.waiter == nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
			continue
		}

		if _, err := p.waiter.Wait(ctx, p.poll); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("waiting for job signal", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
		}
	}
}
