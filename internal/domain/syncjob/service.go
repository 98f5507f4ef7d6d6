package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/platform/metrics"
	"github.com/ehr/ehrsync/internal/platform/realtime"
	"github.com/ehr/ehrsync/internal/provider"
)

// Service orchestrates sync jobs: it decides whether to enqueue, and runs a
// queued job against the provider adapter.
type Service struct {
	repo      Repository
	queue     Queue
	resolver  *Resolver
	registry  *provider.Registry
	cooldown  cache.CooldownStore
	publisher realtime.Publisher
	window    time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(
	repo Repository,
	queue Queue,
	resolver *Resolver,
	registry *provider.Registry,
	cooldown cache.CooldownStore,
	publisher realtime.Publisher,
	window time.Duration,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		queue:     queue,
		resolver:  resolver,
		registry:  registry,
		cooldown:  cooldown,
		publisher: publisher,
		window:    window,
		now:       time.Now,
		logger:    logger.With().Str("component", "sync_orchestrator").Logger(),
	}
}

// CreateSyncJob enqueues a sync unless one is already running or the
// profile is cooling down after a successful sync.
func (s *Service) CreateSyncJob(ctx context.Context, profileID, userID, providerName string) (*CreateResult, error) {
	if _, err := s.registry.Get(providerName); err != nil {
		return nil, err
	}

	res, err := s.resolver.Resolve(ctx, profileID, providerName)
	if err != nil {
		return nil, fmt.Errorf("resolve sync status: %w", err)
	}
	switch res.Status {
	case StateRunning:
		return &CreateResult{JobID: res.JobID, Status: StateRunning}, nil
	case StateCooldown:
		return &CreateResult{Status: StateCooldown, RetryAfterSeconds: res.RetryAfterSeconds}, nil
	}

	jobID := JobID(profileID, providerName)
	enqueuedAt := s.now().UTC()
	created, err := s.queue.Enqueue(ctx, TaskPayload{
		JobID:     jobID,
		ProfileID: profileID,
		UserID:    userID,
		Provider:  providerName,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return &CreateResult{JobID: jobID, Status: StateRunning}, nil
	}

	if err := s.repo.UpsertPending(ctx, jobID, profileID, providerName, enqueuedAt); err != nil {
		return nil, err
	}
	metrics.SyncJobsTotal.WithLabelValues(providerName, StatusPending).Inc()

	s.logger.Info().
		Str("job_id", jobID).
		Str("profile_id", profileID).
		Str("provider", providerName).
		Msg("sync job enqueued")
	return &CreateResult{JobID: jobID, Status: StatusPending}, nil
}

// SyncProfile runs one attempt of a queued job. A success starts the
// cooldown window; a failure is recorded and returned so the queue can
// retry. The failed progress event is only published when no retry will
// follow.
func (s *Service) SyncProfile(ctx context.Context, userID, profileID, providerName, jobID string) error {
	log := s.logger.With().
		Str("job_id", jobID).
		Str("profile_id", profileID).
		Str("provider", providerName).
		Str("user_id", userID).
		Logger()

	start := s.now()
	if err := s.repo.MarkSyncing(ctx, jobID, profileID, providerName, start.UTC()); err != nil {
		return err
	}
	metrics.SyncJobsTotal.WithLabelValues(providerName, StatusSyncing).Inc()
	log.Info().Msg("sync started")

	err := s.runAdapter(ctx, profileID, providerName, jobID)
	finished := s.now()
	elapsed := finished.Sub(start).Seconds()

	if err == nil {
		if err := s.repo.MarkSuccess(ctx, jobID, finished.UTC()); err != nil {
			return err
		}
		if err := s.cooldown.Set(ctx, CooldownKey(profileID, providerName), s.window); err != nil {
			log.Warn().Err(err).Msg("set cooldown marker")
		}
		metrics.SyncJobsTotal.WithLabelValues(providerName, StatusSuccess).Inc()
		metrics.SyncJobDuration.WithLabelValues(providerName, StatusSuccess).Observe(elapsed)
		s.publish(ctx, realtime.NewEvent(jobID, realtime.EventComplete, realtime.ResourceAll))
		log.Info().Float64("seconds", elapsed).Msg("sync completed")
		return nil
	}

	message := provider.UserMessage(err, providerName)
	if markErr := s.repo.MarkFailed(ctx, jobID, message, finished.UTC()); markErr != nil {
		log.Error().Err(markErr).Msg("record sync failure")
	}
	metrics.SyncJobsTotal.WithLabelValues(providerName, StatusFailed).Inc()
	metrics.SyncJobDuration.WithLabelValues(providerName, StatusFailed).Observe(elapsed)

	retrying := provider.Retryable(err) && !finalAttempt(ctx)
	if !retrying {
		event := realtime.NewEvent(jobID, realtime.EventFailed, realtime.ResourceAll)
		event.Message = message
		s.publish(ctx, event)
	}
	log.Error().Err(err).Bool("retrying", retrying).Msg("sync failed")
	return err
}

func (s *Service) runAdapter(ctx context.Context, profileID, providerName, jobID string) error {
	adapter, err := s.registry.Get(providerName)
	if err != nil {
		return err
	}
	return adapter.Sync(ctx, profileID, jobID)
}

func (s *Service) publish(ctx context.Context, event realtime.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("job_id", event.JobID).Str("event", event.Event).Msg("publish progress event")
	}
}

// Status resolves the sync state and returns the latest job row, which is
// nil when the profile never synced with the provider.
func (s *Service) Status(ctx context.Context, profileID, providerName string) (*Resolution, *SyncJob, error) {
	res, err := s.resolver.Resolve(ctx, profileID, providerName)
	if err != nil {
		return nil, nil, err
	}
	job, err := s.repo.Get(ctx, JobID(profileID, providerName))
	if errors.Is(err, ErrNotFound) {
		return res, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return res, job, nil
}

// TerminalEvent returns the final progress event of a finished job so a
// client that attaches late does not wait forever. A failed job that the
// queue will retry is not finished.
func (s *Service) TerminalEvent(ctx context.Context, jobID string) (*realtime.Event, error) {
	job, err := s.repo.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var event realtime.Event
	switch job.Status {
	case StatusSuccess:
		event = realtime.NewEvent(jobID, realtime.EventComplete, realtime.ResourceAll)
	case StatusFailed:
		state, err := s.queue.State(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if Running(state) {
			return nil, nil
		}
		event = realtime.NewEvent(jobID, realtime.EventFailed, realtime.ResourceAll)
		if job.Error != nil {
			event.Message = *job.Error
		}
	default:
		return nil, nil
	}
	if job.CompletedAt != nil {
		event.Timestamp = job.CompletedAt.UTC()
	}
	return &event, nil
}
