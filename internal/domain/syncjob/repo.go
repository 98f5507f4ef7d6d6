package syncjob

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("sync job not found")

// Repository persists SyncJob rows. Every write stamps updated_at with the
// supplied time.
type Repository interface {
	// UpsertPending creates the row or resets it to pending, unless it was
	// updated after at (a worker already picked the job up).
	UpsertPending(ctx context.Context, jobID, profileID, provider string, at time.Time) error
	MarkSyncing(ctx context.Context, jobID, profileID, provider string, at time.Time) error
	MarkSuccess(ctx context.Context, jobID string, at time.Time) error
	MarkFailed(ctx context.Context, jobID, message string, at time.Time) error
	Get(ctx context.Context, jobID string) (*SyncJob, error)
}
