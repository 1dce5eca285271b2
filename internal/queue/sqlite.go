package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/covechat/cove/internal/database"
	"github.com/covechat/cove/internal/models"
)

// SQLiteQueue persists jobs in the shared application database.
type SQLiteQueue struct {
	db *database.DB
}

func NewSQLiteQueue(db *database.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db}
}

const jobColumns = "id, name, data, state, delay_until, error, created_at, updated_at, finished_at"

func (q *SQLiteQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (q *SQLiteQueue) Add(ctx context.Context, name string, data json.RawMessage, opts AddOptions) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        opts.JobID,
		Name:      name,
		Data:      data,
		State:     models.JobWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Delay > 0 {
		until := now.Add(opts.Delay)
		job.State = models.JobDelayed
		job.DelayUntil = &until
	}

	_, err := q.db.ExecContext(ctx,
		"INSERT INTO jobs (id, name, data, state, delay_until, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		job.ID, job.Name, string(job.Data), string(job.State), job.DelayUntil, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrJobExists
		}
		return nil, fmt.Errorf("add job %s: %w", job.ID, err)
	}
	return job, nil
}

func (q *SQLiteQueue) Remove(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

func (q *SQLiteQueue) UpdateData(ctx context.Context, id string, data json.RawMessage) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE jobs SET data = ?, updated_at = ? WHERE id = ?",
		string(data), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job %s data: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ClaimNext atomically moves the oldest ready job (waiting, or delayed
// and due) to active and returns it. Returns nil, nil when no job is
// ready.
func (q *SQLiteQueue) ClaimNext(ctx context.Context, name string) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+` FROM jobs
		 WHERE name = ? AND (state = ? OR (state = ? AND delay_until <= ?))
		 ORDER BY created_at ASC LIMIT 1`,
		name, string(models.JobWaiting), string(models.JobDelayed), now,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?",
		string(models.JobActive), now, job.ID,
	); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}

	job.State = models.JobActive
	job.UpdatedAt = now
	return job, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, models.JobCompleted, "")
}

func (q *SQLiteQueue) Fail(ctx context.Context, id, reason string) error {
	return q.finish(ctx, id, models.JobFailed, reason)
}

func (q *SQLiteQueue) finish(ctx context.Context, id string, state models.JobState, reason string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, error = ?, updated_at = ?, finished_at = ? WHERE id = ?",
		string(state), reason, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// PromoteDelayed moves due delayed jobs to waiting so pollers pick
// them up without re-checking delay_until.
func (q *SQLiteQueue) PromoteDelayed(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, updated_at = ? WHERE state = ? AND delay_until <= ?",
		string(models.JobWaiting), time.Now().UTC(), string(models.JobDelayed), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecoverStuck fails active jobs that have not progressed within the
// window. Covers workers that died mid-job; a fresh enqueue then
// recreates work under the same key.
func (q *SQLiteQueue) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, error = 'recovered: worker lost', updated_at = ?, finished_at = ? WHERE state = ? AND updated_at < ?",
		string(models.JobFailed), now, now, string(models.JobActive), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeFinished deletes terminal jobs older than the retention window.
func (q *SQLiteQueue) PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE state IN (?, ?) AND finished_at < ?",
		string(models.JobCompleted), string(models.JobFailed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var data, state string
	var delayUntil, finishedAt sql.NullTime
	if err := row.Scan(&job.ID, &job.Name, &data, &state, &delayUntil, &job.Error, &job.CreatedAt, &job.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	job.Data = json.RawMessage(data)
	job.State = models.JobState(state)
	if delayUntil.Valid {
		job.DelayUntil = &delayUntil.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}
