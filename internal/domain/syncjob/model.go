package syncjob

import (
	"fmt"
	"time"
)

// Job statuses stored on the SyncJob row.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// SyncJob is the durable record of the latest sync for a profile and
// provider. There is one row per job id, reused across runs.
type SyncJob struct {
	JobID       string     `json:"jobId"`
	ProfileID   string     `json:"profileId"`
	Provider    string     `json:"provider"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// JobID is deterministic so that concurrent requests for the same profile
// and provider collapse into one queued task.
func JobID(profileID, provider string) string {
	return fmt.Sprintf("sync:%s:%s", profileID, provider)
}

func CooldownKey(profileID, provider string) string {
	return fmt.Sprintf("sync:cooldown:%s:%s", profileID, provider)
}

// Sync states reported by the resolver.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateCooldown = "cooldown"
)

// Resolution is the authoritative answer to "may this profile sync now".
type Resolution struct {
	Status            string `json:"status"`
	JobID             string `json:"jobId,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// TaskPayload is the queued unit of work.
type TaskPayload struct {
	JobID     string `json:"jobId"`
	ProfileID string `json:"profileId"`
	UserID    string `json:"userId"`
	Provider  string `json:"provider"`
}

// CreateResult is returned to the caller of CreateSyncJob.
type CreateResult struct {
	JobID             string `json:"jobId,omitempty"`
	Status            string `json:"status"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}
