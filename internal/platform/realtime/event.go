// Package realtime carries sync progress events from whichever process runs
// a job to whichever process holds the client's live connection.
package realtime

import (
	"context"
	"time"
)

// Progress event names, in the order a job emits them.
const (
	EventConnected   = "connected"
	EventFetching    = "fetching"
	EventFetched     = "fetched"
	EventFailed      = "failed"
	EventNormalizing = "normalizing"
	EventCleaning    = "cleaning"
	EventComplete    = "complete"
)

// ResourceAll tags job-level events.
const ResourceAll = "all"

const channelPrefix = "sync:progress:"

// Event is one progress notification for a sync job.
type Event struct {
	JobID        string    `json:"jobId"`
	Event        string    `json:"event"`
	ResourceType string    `json:"resourceType"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool {
	if e.ResourceType != ResourceAll {
		return false
	}
	return e.Event == EventComplete || e.Event == EventFailed
}

// Publisher emits progress events. Publishing is best effort: callers log
// failures and carry on, the SyncJob row is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Channel returns the pub/sub channel for a job.
func Channel(jobID string) string {
	return channelPrefix + jobID
}

// NewEvent stamps an event with the current time.
func NewEvent(jobID, event, resourceType string) Event {
	return Event{JobID: jobID, Event: event, ResourceType: resourceType, Timestamp: time.Now().UTC()}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
