// Package otel bridges observe.Sink to OpenTelemetry tracing so that
// turns, layer executions, and oracle draws show up as spans in any
// OTel-compatible backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sundae-labs/layerline/observe"
)

const instrumentationName = "github.com/sundae-labs/layerline"

type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink from the given TracerProvider; nil falls
// back to a noop provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	startTime := event.Timestamp
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("layerline.event.kind", string(event.Kind)),
	}
	if event.TurnID != "" {
		attrs = append(attrs, attribute.String("layerline.turn.id", event.TurnID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, attribute.String("layerline.session.id", event.SessionID))
	}
	if event.LayerID != "" {
		attrs = append(attrs, attribute.String("layerline.layer.id", event.LayerID))
	}
	if event.Provider != "" {
		attrs = append(attrs, attribute.String("layerline.provider", event.Provider))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("layerline.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("layerline.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("layerline.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("layerline.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("layerline.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindTurn:
		return "layerline.turn"
	case observe.KindLayer:
		if event.LayerID != "" {
			return "layerline.layer." + event.LayerID
		}
		return "layerline.layer"
	case observe.KindOracle:
		return "layerline.oracle.draw"
	case observe.KindMemory:
		return "layerline.memory.consolidate"
	default:
		if event.Name != "" {
			return "layerline." + event.Name
		}
		return "layerline.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
