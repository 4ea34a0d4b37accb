package snapshot

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/citytwin/snapshot")
var meter = otel.Meter("github.com/go-digitaltwin/citytwin/snapshot")

var (
	// snapshotDuration measures a successful snapshot, from export to the
	// document being stored. Publishing the notification is included.
	snapshotDuration metric.Float64Histogram
	// snapshotFailures counts snapshots that could not be stored.
	snapshotFailures metric.Int64Counter
)

func init() {
	var err error
	snapshotDuration, err = meter.Float64Histogram(
		"snapshot.duration",
		metric.WithDescription("The duration of taking and storing a single snapshot."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("snapshot: failed to init 'snapshot.duration' instrument")
	}

	snapshotFailures, err = meter.Int64Counter(
		"snapshot.failures",
		metric.WithDescription("The number of snapshots that have failed."),
	)
	if err != nil {
		panic("snapshot: failed to init 'snapshot.failures' instrument")
	}
}

func measureSnapshot(ctx context.Context, succeeded bool, d time.Duration) {
	if succeeded {
		snapshotDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	} else {
		snapshotFailures.Add(ctx, 1)
	}
}
