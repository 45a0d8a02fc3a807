package observe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTeeFansOutInOrder(t *testing.T) {
	first := &Collector{}
	second := &Collector{}

	sink := Tee(nil, first, second)
	event := Event{Kind: KindLayer, Status: StatusCompleted, LayerID: "reason"}
	if err := sink.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	if len(first.Events()) != 1 || len(second.Events()) != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
	if first.Events()[0].LayerID != "reason" {
		t.Fatalf("unexpected event: %+v", first.Events()[0])
	}
}

func TestTeeStopsOnFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	failing := SinkFunc(func(context.Context, Event) error { return boom })
	after := &Collector{}

	sink := Tee(failing, after)
	if err := sink.Emit(context.Background(), Event{Kind: KindTurn}); !errors.Is(err, boom) {
		t.Fatalf("expected fan-out error, got %v", err)
	}
	if len(after.Events()) != 0 {
		t.Fatalf("expected fan-out to stop at the failing sink")
	}
}

func TestTeeEmptyIsNoop(t *testing.T) {
	sink := Tee(nil, nil)
	if err := sink.Emit(context.Background(), Event{}); err != nil {
		t.Fatalf("noop sink should not error: %v", err)
	}
}

func TestAsyncSinkDeliversAndDropsUnderPressure(t *testing.T) {
	downstream := &Collector{}
	sink := NewAsyncSink(downstream, 4)
	defer sink.Close()

	for i := 0; i < 100; i++ {
		if err := sink.Emit(context.Background(), Event{Kind: KindLayer}); err != nil {
			t.Fatalf("Emit should never block or fail: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(downstream.Events()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least one event delivered downstream")
}

func TestNormalizeFillsDefaults(t *testing.T) {
	var event Event
	event.Normalize()
	if event.Kind != KindCustom {
		t.Fatalf("expected custom kind default, got %q", event.Kind)
	}
	if event.Timestamp.IsZero() {
		t.Fatalf("expected timestamp default")
	}
	if event.Attributes == nil {
		t.Fatalf("expected attributes map default")
	}
}
