package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Client is one live progress connection, subscribed to a single job.
type Client struct {
	ID    string
	JobID string
	Send  chan []byte
}

// NewClient creates a client with a buffered send channel.
func NewClient(id, jobID string) *Client {
	return &Client{ID: id, JobID: jobID, Send: make(chan []byte, 64)}
}

// Hub tracks the live clients of this process by job id. Broadcast never
// blocks: a client whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger.With().Str("component", "progress_hub").Logger(),
	}
}

// Register subscribes the client to its job.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.JobID] == nil {
		h.clients[client.JobID] = make(map[*Client]struct{})
	}
	h.clients[client.JobID][client] = struct{}{}
}

// Unregister removes the client and closes its Send channel. Calling it
// twice is safe.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := subscribers[client]; !ok {
		return
	}

	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, client.JobID)
	}
	close(client.Send)
}

// Broadcast sends the event to every client of event.JobID.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal progress event")
		return
	}
	h.broadcastRaw(event.JobID, data)
}

func (h *Hub) broadcastRaw(jobID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[jobID] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("job_id", jobID).Str("client_id", client.ID).Msg("client buffer full, event dropped")
		}
	}
}

// Publish delivers locally. It lets a single-process deployment use the hub
// as its Publisher without a redis bus.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subscribers := range h.clients {
		n += len(subscribers)
	}
	return n
}

func (h *Hub) JobClientCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}
