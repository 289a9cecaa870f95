package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
)

// EnqueueJob inserts a pending job and returns it.
func (s *Store) EnqueueJob(ctx context.Context, jobType, payload string) (*Job, error) {
	if payload == "" {
		payload = "{}"
	}
	now := nowUTC()
	job := &Job{
		JobID:     uuid.NewString(),
		Type:      jobType,
		Status:    JobStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (job_id, type, status,
		payload, created_at, updated_at) VALUES (?, ?, 'pending', ?, ?, ?)`,
		job.JobID, job.Type, job.Payload, now, now)
	if err != nil {
		return nil, apperr.Storage("enqueue job", err)
	}
	s.log.Info("job_enqueued", "job_id", job.JobID, "type", jobType)
	return job, nil
}

const jobColumns = `job_id, type, status, payload, progress, stage, error,
	retries, created_at, updated_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var started, completed sql.NullTime
	err := row.Scan(&j.JobID, &j.Type, &j.Status, &j.Payload, &j.Progress,
		&j.Stage, &j.Error, &j.Retries, &j.CreatedAt, &j.UpdatedAt,
		&started, &completed)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// GetJob returns a job by id, or NotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("job not found: " + jobID)
	}
	if err != nil {
		return nil, apperr.Storage("query job", err)
	}
	return job, nil
}

// ClaimNextJob atomically transitions the oldest pending job to running and
// returns it, or nil when the queue is empty. The status guard on the
// UPDATE makes the claim safe even with multiple workers on one database.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("begin claim tx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' ORDER BY created_at, job_id LIMIT 1`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("query pending job", err)
	}

	now := nowUTC()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running',
		started_at = ?, updated_at = ? WHERE job_id = ? AND status = 'pending'`,
		now, now, job.JobID)
	if err != nil {
		return nil, apperr.Storage("claim job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.ErrCodeTxFailed, err)
	}

	job.Status = JobStatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	return job, nil
}

// UpdateJobProgress records advisory progress (0..100) and a stage message.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress int, stage string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress = ?, stage = ?,
		updated_at = ? WHERE job_id = ?`, progress, stage, nowUTC(), jobID)
	if err != nil {
		return apperr.Storage("update job progress", err)
	}
	return nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed',
		progress = 100, completed_at = ?, updated_at = ? WHERE job_id = ?`,
		now, now, jobID)
	if err != nil {
		return apperr.Storage("complete job", err)
	}
	s.log.Info("job_completed", "job_id", jobID)
	return nil
}

// FailJob marks a job failed with a structured error string.
func (s *Store) FailJob(ctx context.Context, jobID, errMsg string) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'failed',
		error = ?, completed_at = ?, updated_at = ? WHERE job_id = ?`,
		errMsg, now, now, jobID)
	if err != nil {
		return apperr.Storage("fail job", err)
	}
	s.log.Warn("job_failed", "job_id", jobID, "error", errMsg)
	return nil
}

// SweepStaleJobs requeues running jobs whose last update is older than
// staleAfter. Jobs already at maxRetries are failed instead. Run at worker
// startup and periodically after.
func (s *Store) SweepStaleJobs(ctx context.Context, staleAfter time.Duration, maxRetries int) (requeued, failed int, err error) {
	cutoff := nowUTC().Add(-staleAfter)
	now := nowUTC()

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'failed',
		error = 'exceeded retry limit after stale recovery',
		completed_at = ?, updated_at = ?
		WHERE status = 'running' AND updated_at < ? AND retries >= ?`,
		now, now, cutoff, maxRetries)
	if err != nil {
		return 0, 0, apperr.Storage("fail stale jobs", err)
	}
	nFailed, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = 'pending',
		retries = retries + 1, stage = '', progress = 0, started_at = NULL,
		updated_at = ? WHERE status = 'running' AND updated_at < ?`,
		now, cutoff)
	if err != nil {
		return 0, 0, apperr.Storage("requeue stale jobs", err)
	}
	nRequeued, _ := res.RowsAffected()

	if nRequeued > 0 || nFailed > 0 {
		s.log.Warn("stale_jobs_swept", "requeued", nRequeued, "failed", nFailed)
	}
	return int(nRequeued), int(nFailed), nil
}

// JobStats returns queue counters by status.
func (s *Store) JobStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, apperr.Storage("query job stats", err)
	}
	defer rows.Close()

	stats := map[string]int{
		JobStatusPending:   0,
		JobStatusRunning:   0,
		JobStatusCompleted: 0,
		JobStatusFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Storage("scan job stats", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
