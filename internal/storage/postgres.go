package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/mktops/internal/domain"
)

const pgJobColumns = `id, job_type, status, resource_type, resource_id, priority, retry_count, max_retries,
  scheduled_at, started_at, completed_at, error_message, metadata, created_at`

// Postgres is the production datastore. Job claims use row locks with
// SKIP LOCKED so concurrent workers never receive the same job.
type Postgres struct{ db *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db} }

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func (s *Postgres) EnqueueJob(ctx context.Context, p domain.EnqueueParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return insertPGJob(ctx, s.db, withDefaults(p, time.Now().UTC()), 0)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPGJob(ctx context.Context, db pgQuerier, p domain.EnqueueParams, retryCount int) (string, error) {
	id := uuid.NewString()
	err := db.QueryRow(ctx, `insert into jobs(
id, job_type, status, resource_type, resource_id, priority, retry_count, max_retries, scheduled_at, metadata
) values ($1,$2,'pending',$3,$4,$5,$6,$7,$8,$9) returning id`,
		id, string(p.Type), p.ResourceType, p.ResourceID, p.Priority, retryCount, p.MaxRetries,
		p.ScheduledAt, nullableJSON(p.Metadata),
	).Scan(&id)
	if err != nil {
		return "", errors.Wrap(err, "insert job")
	}
	return id, nil
}

func (s *Postgres) ClaimNextJob(ctx context.Context) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update jobs
   set status = 'processing', started_at = now()
 where id = (
   select id from jobs
    where status = 'pending' and scheduled_at <= now()
    order by priority desc, scheduled_at asc, created_at asc
    for update skip locked
    limit 1)
returning `+pgJobColumns)
	j, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	return j, nil
}

func (s *Postgres) CompleteJob(ctx context.Context, id string, success bool, errMsg string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		j, err := scanPGJob(tx.QueryRow(ctx, `select `+pgJobColumns+` from jobs where id = $1 for update`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrNotFound, "job %s", id)
		}
		if err != nil {
			return errors.Wrap(err, "load job")
		}
		if j.Status != domain.Processing {
			return nil
		}

		status := domain.Completed
		if !success {
			status = domain.Failed
		}
		if _, err := tx.Exec(ctx,
			`update jobs set status = $2, completed_at = now(), error_message = $3 where id = $1`,
			id, string(status), nullableString(errMsg),
		); err != nil {
			return errors.Wrap(err, "complete job")
		}

		if !success {
			if p, ok := retryOf(j, time.Now().UTC()); ok {
				if _, err := insertPGJob(ctx, tx, p, j.RetryCount+1); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanPGJob(s.db.QueryRow(ctx, `select `+pgJobColumns+` from jobs where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

func (s *Postgres) JobStatusCounts(ctx context.Context) (domain.StatusCounts, error) {
	rows, err := s.db.Query(ctx, `select status, count(*) from jobs group by status`)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}
	defer rows.Close()

	out := domain.StatusCounts{domain.Pending: 0, domain.Processing: 0, domain.Completed: 0, domain.Failed: 0}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.Status(status)] = n
	}
	return out, rows.Err()
}

func (s *Postgres) JobHistory(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+pgJobColumns+` from jobs
 where resource_type = $1 and resource_id = $2
 order by created_at desc limit $3`, resourceType, resourceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "job history")
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Postgres) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`select id from jobs where status = 'processing' and started_at < $1 order by started_at limit $2`,
		cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "stale jobs")
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Postgres) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from jobs where status = 'completed' and completed_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete completed jobs")
	}
	return tag.RowsAffected(), nil
}

const pgReturnColumns = `id, order_id, status, reason, created_at, shipping_lead_days, delivery_lead_days,
  review_due_at, expires_at, updated_at, enriched_at`

func (s *Postgres) UpsertReturn(ctx context.Context, r domain.Return) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `insert into returns(`+pgReturnColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
on conflict (id) do update set
  order_id = excluded.order_id,
  status = excluded.status,
  reason = excluded.reason,
  created_at = excluded.created_at,
  shipping_lead_days = excluded.shipping_lead_days,
  delivery_lead_days = excluded.delivery_lead_days,
  review_due_at = excluded.review_due_at,
  expires_at = excluded.expires_at,
  updated_at = excluded.updated_at,
  enriched_at = coalesce(excluded.enriched_at, returns.enriched_at)`,
		r.ID, r.OrderID, r.Status, r.Reason, r.CreatedAt, r.ShippingLeadDays, r.DeliveryLeadDays,
		r.ReviewDueAt, r.ExpiresAt, r.UpdatedAt, r.EnrichedAt,
	)
	return errors.Wrap(err, "upsert return")
}

func (s *Postgres) GetReturn(ctx context.Context, id string) (*domain.Return, error) {
	r, err := scanPGReturn(s.db.QueryRow(ctx, `select `+pgReturnColumns+` from returns where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "return %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get return")
	}
	return r, nil
}

func (s *Postgres) ListReturns(ctx context.Context, f domain.ReturnFilter) ([]domain.Return, error) {
	rows, err := s.db.Query(ctx, `select `+pgReturnColumns+` from returns
 where ($1::text[] is null or status = any($1))
   and ($2 = '' or order_id = $2)
   and ($3::timestamptz is null or created_at >= $3)
   and ($4::timestamptz is null or created_at <= $4)
 order by created_at desc limit $5`,
		nullableStrings(f.Statuses), f.OrderID, f.From, f.To, listLimit(f.Limit))
	if err != nil {
		return nil, errors.Wrap(err, "list returns")
	}
	defer rows.Close()

	var out []domain.Return
	for rows.Next() {
		r, err := scanPGReturn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Postgres) ReturnStatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `select status, count(*) from returns group by status`)
	if err != nil {
		return nil, errors.Wrap(err, "count returns")
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// TryAdvisoryLock takes a session-level advisory lock on a dedicated
// connection. The returned release func unlocks and returns the connection.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return false, nil, errors.Wrap(err, "acquire conn")
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return false, nil, errors.Wrap(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return false, nil, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), "select pg_advisory_unlock($1)", key)
		conn.Release()
	}
	return true, release, nil
}

func scanPGJob(row pgx.Row) (*domain.Job, error) {
	var (
		j        domain.Job
		jobType  string
		status   string
		metadata []byte
	)
	if err := row.Scan(&j.ID, &jobType, &status, &j.ResourceType, &j.ResourceID, &j.Priority, &j.RetryCount,
		&j.MaxRetries, &j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.ErrorMessage, &metadata, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Type = domain.JobType(jobType)
	j.Status = domain.Status(status)
	j.Metadata = metadata
	return &j, nil
}

func scanPGReturn(row pgx.Row) (*domain.Return, error) {
	var r domain.Return
	if err := row.Scan(&r.ID, &r.OrderID, &r.Status, &r.Reason, &r.CreatedAt, &r.ShippingLeadDays,
		&r.DeliveryLeadDays, &r.ReviewDueAt, &r.ExpiresAt, &r.UpdatedAt, &r.EnrichedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullableStrings(v []string) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
