package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/metrics"
)

// RedisBus publishes progress events on per-job redis channels so any
// process can publish and any process can relay.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(event.JobID), data).Err(); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}

// Relay subscribes to every job channel and hands payloads to the local hub.
type Relay struct {
	client *redis.Client
	hub    *Hub
	logger zerolog.Logger
}

func NewRelay(client *redis.Client, hub *Hub, logger zerolog.Logger) *Relay {
	return &Relay{
		client: client,
		hub:    hub,
		logger: logger.With().Str("component", "progress_relay").Logger(),
	}
}

// Run blocks until ctx is cancelled. ready, if non-nil, is closed once the
// subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe progress channels: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info().Msg("progress relay started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg)
		}
	}
}

func (r *Relay) deliver(msg *redis.Message) {
	jobID := strings.TrimPrefix(msg.Channel, channelPrefix)
	if r.hub.JobClientCount(jobID) == 0 {
		return
	}

	var event Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding malformed progress event")
		return
	}
	event.JobID = jobID

	metrics.ProgressRelayEventsTotal.Inc()
	r.hub.Broadcast(event)
}
