package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type fakeLookup struct {
	event *Event
	err   error
}

func (f *fakeLookup) TerminalEvent(_ context.Context, jobID string) (*Event, error) {
	if f.event != nil {
		ev := *f.event
		ev.JobID = jobID
		return &ev, f.err
	}
	return nil, f.err
}

func newStreamServer(t *testing.T, hub *Hub, lookup TerminalLookup) *httptest.Server {
	t.Helper()
	e := echo.New()
	h := NewStreamHandler(hub, lookup, nil, zerolog.Nop())
	h.RegisterRoutes(e.Group("/api/v1/ehr"))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func readSSEEvents(t *testing.T, body *bufio.Reader, n int) []Event {
	t.Helper()
	var events []Event
	for len(events) < n {
		line, err := body.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v (got %d events)", err, len(events))
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestStreamSSE_FinishedJobGetsTerminalImmediately(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	lookup := &fakeLookup{event: &Event{Event: EventComplete, ResourceType: ResourceAll}}
	srv := newStreamServer(t, hub, lookup)

	resp, err := http.Get(srv.URL + "/api/v1/ehr/progress/sync:p1:epic")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	events := readSSEEvents(t, bufio.NewReader(resp.Body), 2)
	if events[0].Event != EventConnected {
		t.Errorf("expected connected first, got %s", events[0].Event)
	}
	if events[1].Event != EventComplete || events[1].JobID != "sync:p1:epic" {
		t.Errorf("expected complete for the job, got %+v", events[1])
	}

	// The handler returns after the terminal event, which unregisters the client.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Error("expected client to be unregistered after terminal event")
	}
}

func TestStreamSSE_RelaysLiveEventsUntilTerminal(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := newStreamServer(t, hub, &fakeLookup{})

	resp, err := http.Get(srv.URL + "/api/v1/ehr/progress/job-7")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	connected := readSSEEvents(t, reader, 1)
	if connected[0].Event != EventConnected {
		t.Fatalf("expected connected, got %s", connected[0].Event)
	}

	ctx := context.Background()
	hub.Publish(ctx, NewEvent("job-7", EventFetching, "Observation"))
	hub.Publish(ctx, NewEvent("job-7", EventFailed, "Observation"))
	hub.Publish(ctx, NewEvent("job-7", EventFailed, ResourceAll))

	events := readSSEEvents(t, reader, 3)
	if events[0].Event != EventFetching || events[1].Event != EventFailed || !events[2].Terminal() {
		t.Errorf("unexpected event sequence: %+v", events)
	}
}

func TestStreamWebSocket_FinishedJob(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	lookup := &fakeLookup{event: &Event{Event: EventFailed, ResourceType: ResourceAll, Message: "sync failed"}}
	srv := newStreamServer(t, hub, lookup)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ehr/progress/job-9/ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var got []Event
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, ev)
	}

	if got[0].Event != EventConnected || got[1].Event != EventFailed || got[1].Message != "sync failed" {
		t.Errorf("unexpected events: %+v", got)
	}
}
