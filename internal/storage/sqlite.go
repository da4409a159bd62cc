package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/SirClappington/mktops/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  id            TEXT PRIMARY KEY,
  job_type      TEXT    NOT NULL,
  status        TEXT    NOT NULL,
  resource_type TEXT    NOT NULL,
  resource_id   TEXT    NOT NULL,
  priority      INTEGER NOT NULL DEFAULT 5,
  retry_count   INTEGER NOT NULL DEFAULT 0,
  max_retries   INTEGER NOT NULL DEFAULT 3,
  scheduled_at  INTEGER NOT NULL,
  started_at    INTEGER,
  completed_at  INTEGER,
  error_message TEXT,
  metadata      TEXT,
  created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, priority, scheduled_at);
CREATE INDEX IF NOT EXISTS jobs_resource_idx ON jobs (resource_type, resource_id, created_at);

CREATE TABLE IF NOT EXISTS returns (
  id                 TEXT PRIMARY KEY,
  order_id           TEXT    NOT NULL,
  status             TEXT    NOT NULL,
  reason             TEXT    NOT NULL DEFAULT '',
  created_at         INTEGER NOT NULL,
  shipping_lead_days INTEGER,
  delivery_lead_days INTEGER,
  review_due_at      INTEGER,
  expires_at         INTEGER,
  updated_at         INTEGER NOT NULL,
  enriched_at        INTEGER
);
CREATE INDEX IF NOT EXISTS returns_status_idx ON returns (status, created_at);
`

const sqliteJobColumns = `id, job_type, status, resource_type, resource_id, priority, retry_count, max_retries,
  scheduled_at, started_at, completed_at, error_message, metadata, created_at`

// SQLite is the single-file datastore used for local development and tests.
// Writes are serialized through one connection.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create sqlite schema")
	}
	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) EnqueueJob(ctx context.Context, p domain.EnqueueParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return s.insertJob(ctx, s.db, withDefaults(p, s.now()), 0)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) insertJob(ctx context.Context, ex execer, p domain.EnqueueParams, retryCount int) (string, error) {
	id := uuid.NewString()
	_, err := ex.ExecContext(ctx, `INSERT INTO jobs (
id, job_type, status, resource_type, resource_id, priority, retry_count, max_retries, scheduled_at, metadata, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(p.Type), string(domain.Pending), p.ResourceType, p.ResourceID, p.Priority, retryCount,
		p.MaxRetries, p.ScheduledAt.UnixMilli(), nullableMetadata(p.Metadata), s.now().UnixMilli(),
	)
	if err != nil {
		return "", errors.Wrap(err, "insert job")
	}
	return id, nil
}

// ClaimNextJob moves the most urgent due pending job to processing and
// returns it, or nil when nothing is due.
func (s *SQLite) ClaimNextJob(ctx context.Context) (*domain.Job, error) {
	now := s.now().UnixMilli()
	row := s.db.QueryRowContext(ctx, `UPDATE jobs SET status = ?, started_at = ?
WHERE status = ? AND id = (
  SELECT id FROM jobs
   WHERE status = ? AND scheduled_at <= ?
   ORDER BY priority DESC, scheduled_at ASC, created_at ASC
   LIMIT 1)
RETURNING `+sqliteJobColumns,
		string(domain.Processing), now, string(domain.Pending), string(domain.Pending), now,
	)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	return j, nil
}

// CompleteJob records the outcome of a processing job. Jobs that are no
// longer processing are left untouched, which makes the call idempotent.
// A failure with retries left inserts a new pending attempt.
func (s *SQLite) CompleteJob(ctx context.Context, id string, success bool, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	j, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "load job")
	}
	if j.Status != domain.Processing {
		return tx.Commit()
	}

	status := domain.Completed
	if !success {
		status = domain.Failed
	}
	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, error_message = ? WHERE id = ? AND status = ?`,
		string(status), now.UnixMilli(), nullableString(errMsg), id, string(domain.Processing),
	); err != nil {
		return errors.Wrap(err, "complete job")
	}

	if !success {
		if p, ok := retryOf(j, now); ok {
			if _, err := s.insertJob(ctx, tx, p, j.RetryCount+1); err != nil {
				return err
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

func (s *SQLite) JobStatusCounts(ctx context.Context) (domain.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func (s *SQLite) JobHistory(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs
WHERE resource_type = ? AND resource_id = ?
ORDER BY created_at DESC, rowid DESC LIMIT ?`, resourceType, resourceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "job history")
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// StaleJobs lists jobs that have been processing since before cutoff.
func (s *SQLite) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? AND started_at < ? ORDER BY started_at LIMIT ?`,
		string(domain.Processing), cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "stale jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND completed_at < ?`, string(domain.Completed), cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "delete completed jobs")
	}
	return res.RowsAffected()
}

const sqliteReturnColumns = `id, order_id, status, reason, created_at, shipping_lead_days, delivery_lead_days,
  review_due_at, expires_at, updated_at, enriched_at`

func (s *SQLite) UpsertReturn(ctx context.Context, r domain.Return) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO returns (`+sqliteReturnColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  order_id = excluded.order_id,
  status = excluded.status,
  reason = excluded.reason,
  created_at = excluded.created_at,
  shipping_lead_days = excluded.shipping_lead_days,
  delivery_lead_days = excluded.delivery_lead_days,
  review_due_at = excluded.review_due_at,
  expires_at = excluded.expires_at,
  updated_at = excluded.updated_at,
  enriched_at = COALESCE(excluded.enriched_at, returns.enriched_at)`,
		r.ID, r.OrderID, r.Status, r.Reason, r.CreatedAt.UnixMilli(),
		nullableInt(r.ShippingLeadDays), nullableInt(r.DeliveryLeadDays),
		nullableMillis(r.ReviewDueAt), nullableMillis(r.ExpiresAt),
		r.UpdatedAt.UnixMilli(), nullableMillis(r.EnrichedAt),
	)
	return errors.Wrap(err, "upsert return")
}

func (s *SQLite) GetReturn(ctx context.Context, id string) (*domain.Return, error) {
	r, err := scanSQLiteReturn(s.db.QueryRowContext(ctx, `SELECT `+sqliteReturnColumns+` FROM returns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "return %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get return")
	}
	return r, nil
}

func (s *SQLite) ListReturns(ctx context.Context, f domain.ReturnFilter) ([]domain.Return, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.To.UnixMilli())
	}

	query := `SELECT ` + sqliteReturnColumns + ` FROM returns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, listLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list returns")
	}
	defer rows.Close()

	var out []domain.Return
	for rows.Next() {
		r, err := scanSQLiteReturn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLite) ReturnStatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM returns GROUP BY status`)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scanner) (*domain.Job, error) {
	var (
		j                      domain.Job
		jobType, status        string
		scheduledMs, createdMs int64
		startedMs, completedMs sql.NullInt64
		errorMsg, metadata     sql.NullString
	)
	if err := row.Scan(&j.ID, &jobType, &status, &j.ResourceType, &j.ResourceID, &j.Priority, &j.RetryCount,
		&j.MaxRetries, &scheduledMs, &startedMs, &completedMs, &errorMsg, &metadata, &createdMs); err != nil {
		return nil, err
	}
	j.Type = domain.JobType(jobType)
	j.Status = domain.Status(status)
	j.ScheduledAt = time.UnixMilli(scheduledMs).UTC()
	j.CreatedAt = time.UnixMilli(createdMs).UTC()
	j.StartedAt = timeFromMillis(startedMs)
	j.CompletedAt = timeFromMillis(completedMs)
	if errorMsg.Valid {
		v := errorMsg.String
		j.ErrorMessage = &v
	}
	if metadata.Valid {
		j.Metadata = []byte(metadata.String)
	}
	return &j, nil
}

func scanSQLiteReturn(row scanner) (*domain.Return, error) {
	var (
		r                    domain.Return
		createdMs, updatedMs int64
		shipping, delivery   sql.NullInt64
		reviewMs, expiresMs  sql.NullInt64
		enrichedMs           sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.OrderID, &r.Status, &r.Reason, &createdMs, &shipping, &delivery,
		&reviewMs, &expiresMs, &updatedMs, &enrichedMs); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	r.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	r.ShippingLeadDays = intFromNull(shipping)
	r.DeliveryLeadDays = intFromNull(delivery)
	r.ReviewDueAt = timeFromMillis(reviewMs)
	r.ExpiresAt = timeFromMillis(expiresMs)
	r.EnrichedAt = timeFromMillis(enrichedMs)
	return &r, nil
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableMetadata(m []byte) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}
