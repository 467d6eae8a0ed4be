package storage

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/dsarq/internal/domain"
)

// Store persists job records in Postgres (source of truth). Redis only
// carries dispatch ordering; every state transition lands here first.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobCols = `id, user_id, requested_by, request_type, region, status, priority,
retry_count, max_retries, metadata, result, error, sla_met,
created_at, scheduled_for, started_at, completed_at, failed_at, updated_at`

func (s *Store) InsertJob(ctx context.Context, j *domain.Job) error {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}
	_, err = s.db.Exec(ctx, `insert into dsar_jobs(
id, user_id, requested_by, request_type, region, status, priority,
retry_count, max_retries, metadata, created_at, scheduled_for
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		j.ID, j.UserID, j.RequestedBy, j.RequestType, j.Region, j.Status, j.Priority,
		j.RetryCount, j.MaxRetries, meta, j.CreatedAt, j.ScheduledFor,
	)
	return errors.Wrap(err, "insert job")
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobCols+` from dsar_jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return j, err
}

// Claim atomically transitions a pending job to IN_PROGRESS and records
// startedAt. The conditional update is the mutual-exclusion boundary:
// of any number of concurrent claims, exactly one sees a row.
func (s *Store) Claim(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update dsar_jobs
    set status = 'IN_PROGRESS', started_at = now(), updated_at = now()
  where id = $1 and status = 'PENDING'
  returning `+jobCols, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrClaimed
	}
	return j, err
}

func (s *Store) MarkCompleted(ctx context.Context, id string, result []byte, slaMet bool) error {
	_, err := s.db.Exec(ctx, `update dsar_jobs
    set status = 'COMPLETED', completed_at = now(), result = $2, sla_met = $3, updated_at = now()
  where id = $1`, id, result, slaMet)
	return errors.Wrap(err, "mark completed")
}

func (s *Store) MarkFailed(ctx context.Context, id string, msg string) error {
	_, err := s.db.Exec(ctx, `update dsar_jobs
    set status = 'FAILED', failed_at = now(), error = $2, updated_at = now()
  where id = $1`, id, msg)
	return errors.Wrap(err, "mark failed")
}

// RequeueRetry is the one transition back from IN_PROGRESS to PENDING:
// resets startedAt, bumps retryCount and pushes scheduledFor out by the
// backoff delay, all in a single statement.
func (s *Store) RequeueRetry(ctx context.Context, id string, errMsg string, runAt time.Time) error {
	_, err := s.db.Exec(ctx, `update dsar_jobs
    set status = 'PENDING', started_at = null, retry_count = retry_count + 1,
        scheduled_for = $2, error = $3, updated_at = now()
  where id = $1 and status = 'IN_PROGRESS'`, id, runAt, errMsg)
	return errors.Wrap(err, "requeue retry")
}

// Cancel is only legal while the job is still pending.
func (s *Store) Cancel(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `update dsar_jobs
    set status = 'CANCELLED', updated_at = now()
  where id = $1 and status = 'PENDING'`, id)
	if err != nil {
		return errors.Wrap(err, "cancel job")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidState
}

// DuePending feeds the dispatch queue: pending jobs in one region whose
// scheduled time has arrived, in dispatch order.
func (s *Store) DuePending(ctx context.Context, region string, now time.Time, limit int) ([]domain.DispatchRef, error) {
	rows, err := s.db.Query(ctx, `select id, priority, created_at from dsar_jobs
   where region = $1 and status = 'PENDING' and scheduled_for <= $2
   order by priority asc, created_at asc limit $3`, region, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "due pending")
	}
	defer rows.Close()

	var out []domain.DispatchRef
	for rows.Next() {
		var r domain.DispatchRef
		if err := rows.Scan(&r.ID, &r.Priority, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Counts(ctx context.Context) (domain.Metrics, error) {
	var m domain.Metrics
	err := s.db.QueryRow(ctx, `select
  count(*) filter (where status = 'PENDING' and scheduled_for <= now()),
  count(*) filter (where status = 'IN_PROGRESS'),
  count(*) filter (where status = 'COMPLETED'),
  count(*) filter (where status = 'FAILED'),
  count(*) filter (where status = 'PENDING' and scheduled_for > now()),
  count(*)
from dsar_jobs`).Scan(&m.Waiting, &m.Active, &m.Completed, &m.Failed, &m.Delayed, &m.Total)
	return m, errors.Wrap(err, "counts")
}

// RequeueStale returns to PENDING any job claimed before the cutoff and
// never finalized (worker crashed between claim and result). The attempt
// never reported back, so it does not consume retry budget.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `update dsar_jobs
    set status = 'PENDING', started_at = null, scheduled_for = now(), updated_at = now()
  where status = 'IN_PROGRESS' and started_at < $1`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "requeue stale")
	}
	return tag.RowsAffected(), nil
}

// PurgeExpired removes completed and cancelled jobs past the retention
// window. Failed jobs are never auto-removed.
func (s *Store) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from dsar_jobs
  where status in ('COMPLETED','CANCELLED') and updated_at < $1`,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, errors.Wrap(err, "purge expired")
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var meta, result []byte
	err := row.Scan(&j.ID, &j.UserID, &j.RequestedBy, &j.RequestType, &j.Region, &j.Status,
		&j.Priority, &j.RetryCount, &j.MaxRetries, &meta, &result, &j.Error, &j.SlaMet,
		&j.CreatedAt, &j.ScheduledFor, &j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, errors.Wrap(err, "decode metadata")
		}
	}
	j.Result = result
	return &j, nil
}
