package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/montecast-ai/montecast/internal/model"
)

const jobColumns = `id, status, progress, config, logs, error_code, error_message,
	cancel_requested, idempotency_key, config_hash, created_at, started_at, completed_at`

// CreateJob enqueues a simulation job. The returned bool reports whether a
// new row was created: when an idempotency key is already known with the
// same config hash, the original job is returned with created=false; a
// known key with a different hash returns ErrIdempotencyMismatch.
func (db *DB) CreateJob(ctx context.Context, job model.SimulationJob) (model.SimulationJob, bool, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	cfgRaw, err := json.Marshal(job.Config)
	if err != nil {
		return model.SimulationJob{}, false, fmt.Errorf("storage: encode job config: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO simulation_jobs (id, status, progress, config, config_hash, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		job.ID, job.Status, job.Progress, cfgRaw, job.ConfigHash, job.IdempotencyKey, job.CreatedAt,
	)
	if err != nil {
		return model.SimulationJob{}, false, fmt.Errorf("storage: create job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return job, true, nil
	}

	// The key is taken; replay or reject depending on the stored hash.
	existing, err := db.getJobByIdempotencyKey(ctx, *job.IdempotencyKey)
	if err != nil {
		return model.SimulationJob{}, false, err
	}
	if existing.ConfigHash != job.ConfigHash {
		return model.SimulationJob{}, false, ErrIdempotencyMismatch
	}
	return existing, false, nil
}

func (db *DB) getJobByIdempotencyKey(ctx context.Context, key string) (model.SimulationJob, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM simulation_jobs WHERE idempotency_key = $1`, key)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SimulationJob{}, ErrNotFound
		}
		return model.SimulationJob{}, fmt.Errorf("storage: get job by idempotency key: %w", err)
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.SimulationJob, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM simulation_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SimulationJob{}, ErrNotFound
		}
		return model.SimulationJob{}, fmt.Errorf("storage: get job: %w", err)
	}
	return j, nil
}

// ListJobsFilter narrows and pages ListJobs output.
type ListJobsFilter struct {
	Status model.JobStatus // empty matches all statuses
	Limit  int
	Offset int
}

// ListJobs returns jobs newest first plus the total count for the filter.
func (db *DB) ListJobs(ctx context.Context, f ListJobsFilter) ([]model.SimulationJob, int, error) {
	where := ""
	args := []any{}
	if f.Status != "" {
		where = " WHERE status = $1"
		args = append(args, f.Status)
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM simulation_jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(
		`SELECT %s FROM simulation_jobs%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		jobColumns, where, limit, offset,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.SimulationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ClaimNextJob atomically claims the oldest queued job. FOR UPDATE SKIP
// LOCKED makes concurrent claims race-free across worker instances.
// Returns ErrNotFound when the queue is empty.
func (db *DB) ClaimNextJob(ctx context.Context) (model.SimulationJob, error) {
	row := db.pool.QueryRow(ctx, `
		UPDATE simulation_jobs
		SET status = 'running', started_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM simulation_jobs
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SimulationJob{}, ErrNotFound
		}
		return model.SimulationJob{}, fmt.Errorf("storage: claim job: %w", err)
	}
	return j, nil
}

// UpdateJobProgress records progress for a running job and reports whether
// cancellation has been requested, in a single round trip. The update also
// bumps updated_at, which doubles as the worker heartbeat.
func (db *DB) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress float64) (cancelRequested bool, err error) {
	err = db.pool.QueryRow(ctx,
		`UPDATE simulation_jobs
		 SET progress = $2, updated_at = now()
		 WHERE id = $1 AND status = 'running'
		 RETURNING cancel_requested`,
		id, progress,
	).Scan(&cancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("storage: update job progress: %w", err)
	}
	return cancelRequested, nil
}

// AppendJobLog attaches one diagnostic line to a job's log array.
func (db *DB) AppendJobLog(ctx context.Context, id uuid.UUID, level, message string) error {
	entry, err := json.Marshal(model.JobLogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("storage: encode job log entry: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE simulation_jobs SET logs = logs || $2::jsonb, updated_at = now() WHERE id = $1`,
		id, entry,
	)
	if err != nil {
		return fmt.Errorf("storage: append job log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishJob moves a running job to a terminal status. Progress snaps to 1
// only on success; failed and cancelled jobs keep their last reported value.
func (db *DB) FinishJob(ctx context.Context, id uuid.UUID, status model.JobStatus, errCode, errMessage *string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: finish job: %q is not a terminal status", status)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE simulation_jobs
		 SET status = $2,
		     error_code = $3,
		     error_message = $4,
		     progress = CASE WHEN $2 = 'done' THEN 1 ELSE progress END,
		     completed_at = now(),
		     updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, status, errCode, errMessage,
	)
	if err != nil {
		return fmt.Errorf("storage: finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel cancels a queued job immediately or flags a running job
// for cooperative cancellation. Returns the job's resulting status;
// terminal jobs return their status alongside ErrNotCancellable.
func (db *DB) RequestCancel(ctx context.Context, id uuid.UUID) (model.JobStatus, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("storage: begin cancel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status model.JobStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM simulation_jobs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: lock job for cancel: %w", err)
	}

	switch status {
	case model.JobStatusQueued:
		if _, err := tx.Exec(ctx,
			`UPDATE simulation_jobs
			 SET status = 'cancelled', completed_at = now(), updated_at = now()
			 WHERE id = $1`, id,
		); err != nil {
			return "", fmt.Errorf("storage: cancel queued job: %w", err)
		}
		status = model.JobStatusCancelled
	case model.JobStatusRunning:
		if _, err := tx.Exec(ctx,
			`UPDATE simulation_jobs SET cancel_requested = TRUE, updated_at = now() WHERE id = $1`, id,
		); err != nil {
			return "", fmt.Errorf("storage: flag job cancellation: %w", err)
		}
	default:
		return status, ErrNotCancellable
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("storage: commit cancel: %w", err)
	}
	return status, nil
}

// RequeueJob returns a running job to the queue with its progress reset.
// Used during worker shutdown so in-flight jobs are picked up by the next
// process instead of waiting for the abandoned-job sweep.
func (db *DB) RequeueJob(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE simulation_jobs
		 SET status = 'queued', progress = 0, started_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountJobsByStatus returns a census of jobs grouped by status.
func (db *DB) CountJobsByStatus(ctx context.Context) (model.JobCounts, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM simulation_jobs GROUP BY status`)
	if err != nil {
		return model.JobCounts{}, fmt.Errorf("storage: count jobs by status: %w", err)
	}
	defer rows.Close()

	var c model.JobCounts
	for rows.Next() {
		var (
			status model.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return model.JobCounts{}, fmt.Errorf("storage: scan job count: %w", err)
		}
		switch status {
		case model.JobStatusQueued:
			c.Queued = n
		case model.JobStatusRunning:
			c.Running = n
		case model.JobStatusDone:
			c.Done = n
		case model.JobStatusFailed:
			c.Failed = n
		case model.JobStatusCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

// PurgeOldJobs deletes terminal jobs whose completion is older than ttl.
// Result bundles cascade with their job rows.
func (db *DB) PurgeOldJobs(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM simulation_jobs
		 WHERE status IN ('done', 'failed', 'cancelled')
		   AND completed_at < now() - ($1 * interval '1 microsecond')`,
		ttl.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailAbandonedJobs marks running jobs whose heartbeat (updated_at) is
// older than staleAfter as failed. Covers workers that died mid-job and
// lets their jobs surface as failures instead of running forever.
func (db *DB) FailAbandonedJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE simulation_jobs
		 SET status = 'failed',
		     error_code = $2,
		     error_message = 'job abandoned: worker stopped reporting progress',
		     completed_at = now(),
		     updated_at = now()
		 WHERE status = 'running'
		   AND updated_at < now() - ($1 * interval '1 microsecond')`,
		staleAfter.Microseconds(), model.JobErrInternal,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: fail abandoned jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (model.SimulationJob, error) {
	var (
		j       model.SimulationJob
		cfgRaw  []byte
		logsRaw []byte
	)
	if err := row.Scan(
		&j.ID, &j.Status, &j.Progress, &cfgRaw, &logsRaw, &j.ErrorCode, &j.ErrorMessage,
		&j.CancelRequested, &j.IdempotencyKey, &j.ConfigHash, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		return model.SimulationJob{}, err
	}
	if err := json.Unmarshal(cfgRaw, &j.Config); err != nil {
		return model.SimulationJob{}, fmt.Errorf("storage: decode job config: %w", err)
	}
	if len(logsRaw) > 0 {
		if err := json.Unmarshal(logsRaw, &j.Logs); err != nil {
			return model.SimulationJob{}, fmt.Errorf("storage: decode job logs: %w", err)
		}
	}
	if len(j.Logs) == 0 {
		j.Logs = nil
	}
	return j, nil
}
