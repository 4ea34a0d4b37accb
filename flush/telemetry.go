package flush

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/citytwin/flush")
var meter = otel.Meter("github.com/go-digitaltwin/citytwin/flush")

// sinkName is the attribute key associating each record with the sink that
// was written, so slow or failing stores can be told apart.
const sinkName = "sink"

var (
	// sinkDuration measures successful writes of the city state to a sink.
	//
	// Each record is associated with the sinkName.
	sinkDuration metric.Float64Histogram
	// sinkFailures counts failed writes to a sink.
	//
	// Each record is associated with the sinkName.
	sinkFailures metric.Int64Counter
)

func init() {
	var err error
	sinkDuration, err = meter.Float64Histogram(
		"flush.sink.duration",
		metric.WithDescription("The duration of a successful write of the city state to a sink."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("flush: failed to init 'flush.sink.duration' instrument")
	}

	sinkFailures, err = meter.Int64Counter(
		"flush.sink.failures",
		metric.WithDescription("The number of writes to a sink that have failed."),
	)
	if err != nil {
		panic("flush: failed to init 'flush.sink.failures' instrument")
	}
}

func measureSink(ctx context.Context, sink string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(sinkName, sink))
	if succeeded {
		sinkDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	} else {
		sinkFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}
