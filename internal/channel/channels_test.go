package channel

import (
	"context"
	"testing"

	"shopflow/models"
)

func TestSendObservationDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()

	ctx := context.Background()
	obs := models.Observation{URL: "https://host/a.json", Body: []byte(`{}`)}

	if !c.SendObservation(ctx, obs) {
		t.Fatalf("first send should succeed")
	}
	if c.SendObservation(ctx, obs) {
		t.Fatalf("second send should drop, buffer is full")
	}

	stats := c.GetStats()
	if stats.ObservationsSent != 1 || stats.ObservationsDropped != 1 {
		t.Errorf("stats = %+v, want 1 sent / 1 dropped", stats)
	}
}

func TestSendEventRoundTrip(t *testing.T) {
	c := NewChannels(1, 2)
	defer c.Close()

	ctx := context.Background()
	ev := models.CaptureEvent{SourceID: "cart-log", RecordedAt: "2024-05-01:10:00:00"}

	if !c.SendEvent(ctx, ev) {
		t.Fatalf("send failed")
	}
	got := <-c.Events
	if got.SourceID != ev.SourceID || got.RecordedAt != ev.RecordedAt {
		t.Errorf("got %+v, want %+v", got, ev)
	}
}
