package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// TerminalLookup reports the final event of a job that has already finished,
// or nil while the job is still pending, running or waiting for a retry.
type TerminalLookup interface {
	TerminalEvent(ctx context.Context, jobID string) (*Event, error)
}

// StreamHandler serves the live progress stream for one job over SSE or a
// websocket. Disconnecting only unregisters the client; the job keeps running.
type StreamHandler struct {
	hub       *Hub
	lookup    TerminalLookup
	heartbeat time.Duration
	upgrader  gorillawebsocket.Upgrader
	logger    zerolog.Logger
}

func NewStreamHandler(hub *Hub, lookup TerminalLookup, allowedOrigins []string, logger zerolog.Logger) *StreamHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}

	return &StreamHandler{
		hub:       hub,
		lookup:    lookup,
		heartbeat: 15 * time.Second,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		logger: logger.With().Str("component", "progress_stream").Logger(),
	}
}

func (h *StreamHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/progress/:jobId", h.StreamSSE)
	g.GET("/progress/:jobId/ws", h.StreamWebSocket)
}

// StreamSSE writes events as "data: {json}" frames and a comment line as
// heartbeat.
func (h *StreamHandler) StreamSSE(c echo.Context) error {
	jobID := c.Param("jobId")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "jobId is required")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	send := func(data []byte) error {
		if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
			return err
		}
		res.Flush()
		return nil
	}
	ping := func() error {
		if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
			return err
		}
		res.Flush()
		return nil
	}

	return h.stream(c.Request().Context(), jobID, send, ping)
}

// StreamWebSocket mirrors StreamSSE with one text message per event.
func (h *StreamHandler) StreamWebSocket(c echo.Context) error {
	jobID := c.Param("jobId")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "jobId is required")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Inbound messages are ignored; a read error means the peer went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(data []byte) error {
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteMessage(gorillawebsocket.TextMessage, data)
	}
	ping := func() error {
		return ws.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(10*time.Second))
	}

	err = h.stream(ctx, jobID, send, ping)
	ws.WriteControl(gorillawebsocket.CloseMessage,
		gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return err
}

func (h *StreamHandler) stream(ctx context.Context, jobID string, send func([]byte) error, ping func() error) error {
	logger := h.logger.With().Str("job_id", jobID).Logger()

	// Register before looking at the job row so an event published in
	// between is buffered rather than lost.
	client := NewClient(uuid.New().String(), jobID)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	if err := h.sendEvent(send, NewEvent(jobID, EventConnected, ResourceAll)); err != nil {
		return nil
	}

	final, err := h.lookup.TerminalEvent(ctx, jobID)
	if err != nil {
		logger.Warn().Err(err).Msg("terminal state lookup failed, streaming live events only")
	}
	if final != nil {
		h.sendEvent(send, *final)
		return nil
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("progress client disconnected")
			return nil
		case data, ok := <-client.Send:
			if !ok {
				return nil
			}
			if err := send(data); err != nil {
				return nil
			}
			var event Event
			if json.Unmarshal(data, &event) == nil && event.Terminal() {
				return nil
			}
		case <-ticker.C:
			if err := ping(); err != nil {
				return nil
			}
		}
	}
}

func (h *StreamHandler) sendEvent(send func([]byte) error, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return send(data)
}
