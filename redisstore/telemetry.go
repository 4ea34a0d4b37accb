package redisstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/citytwin/redisstore")
var meter = otel.Meter("github.com/go-digitaltwin/citytwin/redisstore")

var (
	// flushDuration measures successful flushes, from encoding to the end of
	// the transaction.
	flushDuration metric.Float64Histogram
	// flushFailures counts failed flushes.
	flushFailures metric.Int64Counter
)

func init() {
	var err error
	flushDuration, err = meter.Float64Histogram(
		"redisstore.flush.duration",
		metric.WithDescription("The duration of a successful flush of the city state to redis."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("redisstore: failed to init 'redisstore.flush.duration' instrument")
	}

	flushFailures, err = meter.Int64Counter(
		"redisstore.flush.failures",
		metric.WithDescription("The number of flushes to redis that have failed."),
	)
	if err != nil {
		panic("redisstore: failed to init 'redisstore.flush.failures' instrument")
	}
}

func measureFlush(ctx context.Context, succeeded bool, d time.Duration) {
	if succeeded {
		flushDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	} else {
		flushFailures.Add(ctx, 1)
	}
}
