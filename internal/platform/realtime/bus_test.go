package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRelay_DeliversPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	publisherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	relayClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer publisherClient.Close()
	defer relayClient.Close()

	hub := NewHub(zerolog.Nop())
	client := NewClient("c1", "sync:p1:epic")
	hub.Register(client)
	defer hub.Unregister(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	relay := NewRelay(relayClient, hub, zerolog.Nop())
	go relay.Run(ctx, ready)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}

	bus := NewRedisBus(publisherClient)
	if err := bus.Publish(ctx, NewEvent("sync:p1:epic", EventFetching, "Patient")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent("sync:other:epic", EventFetching, "Patient")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case data := <-client.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.JobID != "sync:p1:epic" || ev.Event != EventFetching || ev.ResourceType != "Patient" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not relayed to the local client")
	}

	select {
	case data := <-client.Send:
		t.Fatalf("unexpected event for another job: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBus_PublishesOnJobChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub := client.Subscribe(context.Background(), Channel("job-1"))
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus := NewRedisBus(client)
	if err := bus.Publish(context.Background(), NewEvent("job-1", EventComplete, ResourceAll)); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Channel != "sync:progress:job-1" {
			t.Errorf("unexpected channel %s", msg.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message on job channel")
	}
}
