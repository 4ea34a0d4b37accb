package ingest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/citytwin/ingest")
var meter = otel.Meter("github.com/go-digitaltwin/citytwin/ingest")

// topicName is the attribute key associating a record with the topic the
// message was received on.
const topicName = "topic"

var (
	// batchDuration measures the time it took to normalise and apply a batch,
	// excluding the acknowledgement of its messages.
	batchDuration metric.Float64Histogram
	// batchSize measures the number of messages in each batch.
	batchSize metric.Int64Histogram
	// updatesApplied counts the updates applied to the state.
	updatesApplied metric.Int64Counter
	// updatesFailed counts the updates the state rejected or lost to a panic.
	updatesFailed metric.Int64Counter
	// messagesDropped counts the messages the normaliser rejected.
	//
	// Each record is associated with the topicName.
	messagesDropped metric.Int64Counter
)

func init() {
	var err error
	batchDuration, err = meter.Float64Histogram(
		"ingest.batch.duration",
		metric.WithDescription("The duration of normalising and applying a single batch."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("ingest: failed to init 'ingest.batch.duration' instrument")
	}

	batchSize, err = meter.Int64Histogram(
		"ingest.batch.size",
		metric.WithDescription("The number of messages in a single batch."),
	)
	if err != nil {
		panic("ingest: failed to init 'ingest.batch.size' instrument")
	}

	updatesApplied, err = meter.Int64Counter(
		"ingest.updates.applied",
		metric.WithDescription("The number of updates applied to the state."),
	)
	if err != nil {
		panic("ingest: failed to init 'ingest.updates.applied' instrument")
	}

	updatesFailed, err = meter.Int64Counter(
		"ingest.updates.failed",
		metric.WithDescription("The number of updates that could not be applied to the state."),
	)
	if err != nil {
		panic("ingest: failed to init 'ingest.updates.failed' instrument")
	}

	messagesDropped, err = meter.Int64Counter(
		"ingest.messages.dropped",
		metric.WithDescription("The number of messages dropped because they could not be normalised."),
	)
	if err != nil {
		panic("ingest: failed to init 'ingest.messages.dropped' instrument")
	}
}

func measureBatch(ctx context.Context, size int, r BatchResult, d time.Duration) {
	// Floating-point division keeps sub-millisecond precision.
	batchDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	batchSize.Record(ctx, int64(size))
	if r.Applied > 0 {
		updatesApplied.Add(ctx, int64(r.Applied))
	}
	if r.Failed > 0 {
		updatesFailed.Add(ctx, int64(r.Failed))
	}
}

func measureDropped(ctx context.Context, topic string) {
	attrs := attribute.NewSet(attribute.String(topicName, topic))
	messagesDropped.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
