// Package jobs is the background job queue as the rest of the service sees
// it: a client to enqueue and inspect jobs, and a processor that claims and
// runs them. State transitions and mutual exclusion live in the datastore.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/mktops/internal/domain"
)

const DefaultRetention = 7 * 24 * time.Hour

// Store is the datastore procedures the queue is built on.
type Store interface {
	EnqueueJob(ctx context.Context, p domain.EnqueueParams) (string, error)
	ClaimNextJob(ctx context.Context) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	CompleteJob(ctx context.Context, id string, success bool, errMsg string) error
	JobStatusCounts(ctx context.Context) (domain.StatusCounts, error)
	JobHistory(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.Job, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier wakes workers when a job becomes runnable.
type Notifier interface {
	Notify(ctx context.Context, jobID string, runAt time.Time) error
}

type Client struct {
	store     Store
	notify    Notifier
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewClient builds a queue client. notify may be nil, in which case workers
// find new jobs by polling.
func NewClient(store Store, notify Notifier, retention time.Duration, log *zap.Logger) *Client {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{store: store, notify: notify, retention: retention, log: log, now: time.Now}
}

type enqueueOptions struct {
	priority   int
	maxRetries int
	runAt      time.Time
	metadata   any
}

type Option func(*enqueueOptions)

func WithPriority(p int) Option { return func(o *enqueueOptions) { o.priority = p } }

func WithMaxRetries(n int) Option { return func(o *enqueueOptions) { o.maxRetries = n } }

// WithRunAt delays the job until t.
func WithRunAt(t time.Time) Option { return func(o *enqueueOptions) { o.runAt = t } }

// WithMetadata attaches v, encoded as JSON, to the job.
func WithMetadata(v any) Option { return func(o *enqueueOptions) { o.metadata = v } }

// Enqueue inserts a pending job and returns its id.
func (c *Client) Enqueue(ctx context.Context, jobType domain.JobType, resourceType, resourceID string, opts ...Option) (string, error) {
	o := enqueueOptions{priority: domain.DefaultPriority, maxRetries: domain.DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	p := domain.EnqueueParams{
		Type:         jobType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Priority:     o.priority,
		MaxRetries:   o.maxRetries,
		ScheduledAt:  o.runAt,
	}
	if o.metadata != nil {
		raw, err := json.Marshal(o.metadata)
		if err != nil {
			return "", errors.Wrapf(domain.ErrInvalidJob, "metadata: %v", err)
		}
		p.Metadata = raw
	}

	id, err := c.store.EnqueueJob(ctx, p)
	if err != nil {
		return "", err
	}
	c.log.Debug("job enqueued",
		zap.String("job_id", id), zap.String("job_type", string(jobType)),
		zap.String("resource_type", resourceType), zap.String("resource_id", resourceID))

	if c.notify != nil {
		if err := c.notify.Notify(ctx, id, o.runAt); err != nil {
			c.log.Warn("job signal failed", zap.String("job_id", id), zap.Error(err))
		}
	}
	return id, nil
}

// ClaimNext returns the next eligible job, already marked processing, or nil
// when nothing is due.
func (c *Client) ClaimNext(ctx context.Context) (*domain.Job, error) {
	return c.store.ClaimNextJob(ctx)
}

// Complete records the outcome of a claimed job. Calling it again for the
// same job has no effect.
func (c *Client) Complete(ctx context.Context, id string, success bool, errMsg string) error {
	return c.store.CompleteJob(ctx, id, success, errMsg)
}

// Get returns a single job. Unknown ids yield domain.ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (*domain.Job, error) {
	return c.store.GetJob(ctx, id)
}

func (c *Client) Status(ctx context.Context) (domain.StatusCounts, error) {
	return c.store.JobStatusCounts(ctx)
}

// History returns the most recent jobs of a resource, newest first.
func (c *Client) History(ctx context.Context, resourceType, resourceID string) ([]domain.Job, error) {
	return c.store.JobHistory(ctx, resourceType, resourceID, domain.HistoryLimit)
}

// CleanupOld deletes completed jobs older than the retention period.
func (c *Client) CleanupOld(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteCompletedBefore(ctx, c.now().Add(-c.retention))
	if err != nil {
		return 0, err
	}
	c.log.Info("old jobs cleaned up", zap.Int64("deleted", n))
	return n, nil
}
