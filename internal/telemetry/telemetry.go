// Package telemetry wires the loader's eventbus events (internal/events) to
// OpenTelemetry spans, satisfying the four span pairs required by spec §6:
// source.run.start/stop around a Loader.Run, and source.batch.run.start/stop
// around each per-batch execution.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	eventbus "github.com/hanpama/loadcore/internal/eventbus"
	events "github.com/hanpama/loadcore/internal/events"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers that
// translate loader run/batch events into spans. If endpoint is empty, no
// telemetry is configured and events are silently dropped.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	eventbus.Use(eventbus.New())
	sub := &subscriber{tracer: otel.Tracer("loadcore")}
	sub.register()

	return tp.Shutdown, nil
}

type subscriber struct {
	tracer    trace.Tracer
	runSpans  sync.Map // runID int64 -> trace.Span
	batchSpan sync.Map // batchSpanKey -> trace.Span
}

type batchSpanKey struct {
	runID  int64
	source string
	batch  string
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.RunStart) {
		_, span := s.tracer.Start(ctx, "source.run")
		span.SetAttributes(
			attribute.Int64("loadcore.run_id", e.RunID),
			attribute.StringSlice("loadcore.sources", e.SourceNames),
		)
		s.runSpans.Store(e.RunID, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.RunStop) {
		v, ok := s.runSpans.LoadAndDelete(e.RunID)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(
			attribute.Int64("loadcore.duration_ns", e.Duration.Nanoseconds()),
			attribute.StringSlice("loadcore.failed_sources", e.FailedSources),
		)
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.BatchRunStart) {
		parent := ctx
		if v, ok := s.runSpans.Load(e.RunID); ok {
			parent = trace.ContextWithSpan(ctx, v.(trace.Span))
		}
		_, span := s.tracer.Start(parent, "source.batch.run")
		span.SetAttributes(
			attribute.Int64("loadcore.run_id", e.RunID),
			attribute.String("loadcore.source", e.Source),
			attribute.String("loadcore.batch_key", fmt.Sprintf("%v", e.BatchKey)),
			attribute.Int("loadcore.item_count", e.ItemCount),
		)
		key := batchSpanKey{runID: e.RunID, source: e.Source, batch: fmt.Sprintf("%v", e.BatchKey)}
		s.batchSpan.Store(key, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.BatchRunStop) {
		key := batchSpanKey{runID: e.RunID, source: e.Source, batch: fmt.Sprintf("%v", e.BatchKey)}
		v, ok := s.batchSpan.LoadAndDelete(key)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int64("loadcore.duration_ns", e.Duration.Nanoseconds()))
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})
}
