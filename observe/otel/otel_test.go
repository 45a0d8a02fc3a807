package otel

import (
	"context"
	"testing"
	"time"

	"github.com/sundae-labs/layerline/observe"
)

func TestEmitWithNoopProvider(t *testing.T) {
	sink := NewSink(nil)

	events := []observe.Event{
		{Kind: observe.KindTurn, Status: observe.StatusCompleted, TurnID: "t1", DurationMs: 12},
		{Kind: observe.KindLayer, Status: observe.StatusFailed, LayerID: "reason", Error: "provider unreachable"},
		{Kind: observe.KindOracle, Attributes: map[string]any{"draws": 1}},
		{Kind: observe.KindMemory, SessionID: "s1"},
		{Name: "custom-event", Timestamp: time.Now().UTC()},
	}
	for _, event := range events {
		if err := sink.Emit(context.Background(), event); err != nil {
			t.Fatalf("Emit(%+v) failed: %v", event, err)
		}
	}
}

func TestSpanNames(t *testing.T) {
	cases := []struct {
		event observe.Event
		want  string
	}{
		{observe.Event{Kind: observe.KindTurn}, "layerline.turn"},
		{observe.Event{Kind: observe.KindLayer, LayerID: "correct"}, "layerline.layer.correct"},
		{observe.Event{Kind: observe.KindLayer}, "layerline.layer"},
		{observe.Event{Kind: observe.KindOracle}, "layerline.oracle.draw"},
		{observe.Event{Kind: observe.KindMemory}, "layerline.memory.consolidate"},
		{observe.Event{Kind: observe.KindCustom, Name: "tick"}, "layerline.tick"},
		{observe.Event{Kind: observe.KindCustom}, "layerline.event"},
	}
	for _, tc := range cases {
		if got := spanNameFor(tc.event); got != tc.want {
			t.Fatalf("spanNameFor(%+v) = %q, want %q", tc.event, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("unexpected truncate: %q", got)
	}
	if got := truncate("0123456789abcdef", 10); got != "0123456789..." {
		t.Fatalf("unexpected truncate: %q", got)
	}
}
