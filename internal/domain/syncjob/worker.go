package syncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/provider"
)

// Syncer runs one attempt of a queued sync.
type Syncer interface {
	SyncProfile(ctx context.Context, userID, profileID, providerName, jobID string) error
}

// Worker consumes sync tasks from the queue.
type Worker struct {
	syncer Syncer
	logger zerolog.Logger
}

func NewWorker(syncer Syncer, logger zerolog.Logger) *Worker {
	return &Worker{syncer: syncer, logger: logger.With().Str("component", "sync_worker").Logger()}
}

func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeSync, w.ProcessTask)
}

// ProcessTask decodes the payload and runs the sync. Failures that a retry
// cannot fix skip the remaining attempts.
func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p TaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode sync task: %v: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" || p.ProfileID == "" || p.Provider == "" {
		return fmt.Errorf("incomplete sync task payload: %w", asynq.SkipRetry)
	}

	err := w.syncer.SyncProfile(ctx, p.UserID, p.ProfileID, p.Provider, p.JobID)
	if err == nil {
		return nil
	}
	if !provider.Retryable(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// finalAttempt reports whether the current task has no retries left.
// Outside a queue handler every call is final.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// RetryDelay backs off exponentially from base: base, 2·base, 4·base, ...
func RetryDelay(base time.Duration) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		if n < 0 {
			n = 0
		}
		if n > 20 {
			n = 20
		}
		return base << uint(n)
	}
}

// NewServer builds the queue consumer for the sync queue.
func NewServer(opt asynq.RedisConnOpt, concurrency int, backoffBase time.Duration, logger zerolog.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{QueueName: 1},
		RetryDelayFunc:  RetryDelay(backoffBase),
		Logger:          &asynqLogger{logger: logger.With().Str("component", "asynq").Logger()},
		ShutdownTimeout: 30 * time.Second,
	})
}

// asynqLogger routes asynq's own logging through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
