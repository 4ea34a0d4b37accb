package neo4jgraph

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/citytwin/neo4jgraph")
var meter = otel.Meter("github.com/go-digitaltwin/citytwin/neo4jgraph")

// databaseName is the attribute key associating each record with the Neo4j
// database the graph was mirrored to.
const databaseName = "neo4j.database"

var (
	// writeDuration measures a successful mirror of the road graph.
	writeDuration metric.Float64Histogram
	// writeFailures counts failed mirrors of the road graph.
	writeFailures metric.Int64Counter
	// writesSkipped counts flushes skipped because the graph was unchanged.
	writesSkipped metric.Int64Counter
)

func init() {
	var err error
	writeDuration, err = meter.Float64Histogram(
		"neo4jgraph.write.duration",
		metric.WithDescription("The duration of a successful write of the road graph to neo4j."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("neo4jgraph: failed to init 'neo4jgraph.write.duration' instrument")
	}

	writeFailures, err = meter.Int64Counter(
		"neo4jgraph.write.failures",
		metric.WithDescription("The number of writes of the road graph to neo4j that have failed."),
	)
	if err != nil {
		panic("neo4jgraph: failed to init 'neo4jgraph.write.failures' instrument")
	}

	writesSkipped, err = meter.Int64Counter(
		"neo4jgraph.write.skipped",
		metric.WithDescription("The number of flushes skipped because the road graph was unchanged."),
	)
	if err != nil {
		panic("neo4jgraph: failed to init 'neo4jgraph.write.skipped' instrument")
	}
}

func measureWrite(ctx context.Context, database string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(databaseName, database))
	if succeeded {
		writeDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	} else {
		writeFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

func measureSkip(ctx context.Context, database string) {
	attrs := attribute.NewSet(attribute.String(databaseName, database))
	writesSkipped.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
