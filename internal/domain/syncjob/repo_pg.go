package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrsync/internal/platform/db"
)

type jobRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &jobRepoPG{pool: pool}
}

func (r *jobRepoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const jobColumns = `job_id, profile_id, provider, status, started_at, completed_at, error, created_at, updated_at`

func (r *jobRepoPG) UpsertPending(ctx context.Context, jobID, profileID, provider string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sync_job (job_id, profile_id, provider, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			status = 'pending',
			started_at = NULL,
			completed_at = NULL,
			error = NULL,
			updated_at = EXCLUDED.updated_at
		WHERE sync_job.updated_at <= EXCLUDED.updated_at`,
		jobID, profileID, provider, at)
	if err != nil {
		return fmt.Errorf("upsert pending job %s: %w", jobID, err)
	}
	return nil
}

func (r *jobRepoPG) MarkSyncing(ctx context.Context, jobID, profileID, provider string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sync_job (job_id, profile_id, provider, status, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'syncing', $4, $4, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			status = 'syncing',
			started_at = EXCLUDED.started_at,
			completed_at = NULL,
			error = NULL,
			updated_at = EXCLUDED.updated_at`,
		jobID, profileID, provider, at)
	if err != nil {
		return fmt.Errorf("mark job %s syncing: %w", jobID, err)
	}
	return nil
}

func (r *jobRepoPG) MarkSuccess(ctx context.Context, jobID string, at time.Time) error {
	return r.finish(ctx, jobID, StatusSuccess, nil, at)
}

func (r *jobRepoPG) MarkFailed(ctx context.Context, jobID, message string, at time.Time) error {
	return r.finish(ctx, jobID, StatusFailed, &message, at)
}

func (r *jobRepoPG) finish(ctx context.Context, jobID, status string, message *string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_job SET status = $2, error = $3, completed_at = $4, updated_at = $4
		WHERE job_id = $1`,
		jobID, status, message, at)
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", jobID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *jobRepoPG) Get(ctx context.Context, jobID string) (*SyncJob, error) {
	var j SyncJob
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_job WHERE job_id = $1`, jobID).Scan(
		&j.JobID, &j.ProfileID, &j.Provider, &j.Status,
		&j.StartedAt, &j.CompletedAt, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &j, nil
}
