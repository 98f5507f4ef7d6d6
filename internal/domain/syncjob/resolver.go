package syncjob

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/platform/metrics"
)

// Resolver decides whether a profile may sync now. It checks the queue's
// execution lock, then the cooldown marker, then the durable SyncJob row;
// the first tier with an answer wins. Queue and cooldown failures fall
// through to the durable row.
type Resolver struct {
	queue      Queue
	cooldown   cache.CooldownStore
	repo       Repository
	window     time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

func NewResolver(queue Queue, cooldown cache.CooldownStore, repo Repository, window, staleAfter time.Duration, logger zerolog.Logger) *Resolver {
	return &Resolver{
		queue:      queue,
		cooldown:   cooldown,
		repo:       repo,
		window:     window,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With().Str("component", "sync_status").Logger(),
	}
}

func (r *Resolver) Resolve(ctx context.Context, profileID, provider string) (*Resolution, error) {
	jobID := JobID(profileID, provider)
	log := r.logger.With().Str("job_id", jobID).Logger()

	state, err := r.queue.State(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Msg("queue state unavailable")
	} else if Running(state) {
		return r.result(metrics.TierQueue, &Resolution{Status: StateRunning, JobID: jobID}), nil
	}

	remaining, err := r.cooldown.Remaining(ctx, CooldownKey(profileID, provider))
	if err != nil {
		log.Warn().Err(err).Msg("cooldown marker unavailable")
	} else if remaining > 0 {
		return r.result(metrics.TierCooldown, &Resolution{Status: StateCooldown, RetryAfterSeconds: seconds(remaining)}), nil
	}

	job, err := r.repo.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return r.result(metrics.TierNone, &Resolution{Status: StateIdle}), nil
	}
	if err != nil {
		return nil, err
	}

	now := r.now()
	switch job.Status {
	case StatusSuccess:
		if job.CompletedAt == nil {
			break
		}
		if left := r.window - now.Sub(*job.CompletedAt); left > 0 {
			// The marker was lost while the durable row still says we are
			// cooling down; put it back.
			if err := r.cooldown.Set(ctx, CooldownKey(profileID, provider), left); err != nil {
				log.Warn().Err(err).Msg("re-arm cooldown marker")
			}
			return r.result(metrics.TierDurable, &Resolution{Status: StateCooldown, RetryAfterSeconds: seconds(left)}), nil
		}
	case StatusPending, StatusSyncing:
		if now.Sub(job.UpdatedAt) < r.staleAfter {
			return r.result(metrics.TierDurable, &Resolution{Status: StateRunning, JobID: jobID}), nil
		}
		log.Warn().Str("status", job.Status).Time("updated_at", job.UpdatedAt).Msg("ignoring abandoned job row")
	}

	return r.result(metrics.TierNone, &Resolution{Status: StateIdle}), nil
}

func (r *Resolver) result(tier string, res *Resolution) *Resolution {
	metrics.SyncStatusTotal.WithLabelValues(res.Status, tier).Inc()
	return res
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
