package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	TaskTypeSync = "sync:ehr"
	QueueName    = "sync"
)

// Queue states as seen by the status resolver.
const (
	QueueStateNone    = ""
	QueueStateWaiting = "waiting"
	QueueStateActive  = "active"
	QueueStateDelayed = "delayed"
	QueueStateDone    = "done"
)

// Queue is the durable job queue. Task ids are job ids, so a second enqueue
// for a job that is still waiting, running or scheduled for retry is a no-op.
type Queue interface {
	// Enqueue reports whether a new task was created. false means the
	// payload collapsed into a live task with the same id.
	Enqueue(ctx context.Context, payload TaskPayload) (bool, error)
	// State returns the queue state of the task, QueueStateNone when the
	// queue does not know the id.
	State(ctx context.Context, jobID string) (string, error)
}

// Running reports whether a queue state holds the execution lock.
func Running(state string) bool {
	switch state {
	case QueueStateWaiting, QueueStateActive, QueueStateDelayed:
		return true
	}
	return false
}

// AsynqQueue is the redis-backed Queue.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
	logger    zerolog.Logger
}

// NewAsynqQueue allows maxAttempts executions per job (the first run plus
// maxAttempts-1 retries).
func NewAsynqQueue(opt asynq.RedisConnOpt, maxAttempts int, logger zerolog.Logger) *AsynqQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		maxRetry:  maxAttempts - 1,
		logger:    logger.With().Str("component", "sync_queue").Logger(),
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, payload TaskPayload) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal task payload: %w", err)
	}
	task := asynq.NewTask(TaskTypeSync, data,
		asynq.TaskID(payload.JobID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(q.maxRetry),
	)

	_, err = q.client.EnqueueContext(ctx, task)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return false, fmt.Errorf("enqueue %s: %w", payload.JobID, err)
	}

	// The id is taken. A finished task only blocks the id, so drop it and
	// enqueue again; a live one absorbs this request.
	state, err := q.State(ctx, payload.JobID)
	if err != nil {
		return false, err
	}
	if Running(state) {
		return false, nil
	}
	if err := q.inspector.DeleteTask(QueueName, payload.JobID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("delete finished task %s: %w", payload.JobID, err)
	}
	q.logger.Debug().Str("job_id", payload.JobID).Str("previous_state", state).Msg("replacing finished task")

	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// Another process won the race to re-enqueue.
			return false, nil
		}
		return false, fmt.Errorf("enqueue %s: %w", payload.JobID, err)
	}
	return true, nil
}

func (q *AsynqQueue) State(_ context.Context, jobID string) (string, error) {
	info, err := q.inspector.GetTaskInfo(QueueName, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return QueueStateNone, nil
	}
	if err != nil {
		return QueueStateNone, fmt.Errorf("inspect task %s: %w", jobID, err)
	}
	return mapTaskState(info.State), nil
}

func mapTaskState(s asynq.TaskState) string {
	switch s {
	case asynq.TaskStatePending, asynq.TaskStateAggregating:
		return QueueStateWaiting
	case asynq.TaskStateActive:
		return QueueStateActive
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return QueueStateDelayed
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		return QueueStateDone
	}
	return QueueStateNone
}

// PruneArchived deletes archived (permanently failed) tasks whose last
// failure is older than retention. It returns the number deleted.
func (q *AsynqQueue) PruneArchived(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)

	var expired []string
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		tasks, err := q.inspector.ListArchivedTasks(QueueName, asynq.Page(page), asynq.PageSize(100))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("list archived tasks: %w", err)
		}
		for _, t := range tasks {
			if !t.LastFailedAt.After(cutoff) {
				expired = append(expired, t.ID)
			}
		}
		if len(tasks) < 100 {
			break
		}
	}

	deleted := 0
	for _, id := range expired {
		if err := q.inspector.DeleteTask(QueueName, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return deleted, fmt.Errorf("delete archived task %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func (q *AsynqQueue) Close() error {
	if err := q.inspector.Close(); err != nil {
		return err
	}
	return q.client.Close()
}
