package statecache

import (
	"context"
	"time"

	"github.com/go-digitaltwin/citytwin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/go-digitaltwin/citytwin/statecache")

const (
	// collectionName is the attribute key associating each record with the
	// collection an update targets. This enables analysis of merges across all
	// collections as well as per collection.
	collectionName = "collection"
)

var (
	// mergeDuration measures the time a single update held its shard, from
	// taking the shared lock to completing the merge.
	//
	// Each record is associated with the collectionName.
	mergeDuration metric.Float64Histogram
	// mergeFailures counts the updates the state tree rejected.
	//
	// Each record is associated with the collectionName.
	mergeFailures metric.Int64Counter
	// exportDuration measures the time writers were excluded by a deep copy of
	// the state tree.
	exportDuration metric.Float64Histogram
	// vehiclesPruned counts the vehicles removed for exceeding the state TTL.
	vehiclesPruned metric.Int64Counter
)

func init() {
	var err error
	mergeDuration, err = meter.Float64Histogram(
		"statecache.merge.duration",
		metric.WithDescription("The duration of merging a single update into the state tree."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("statecache: failed to init 'statecache.merge.duration' instrument")
	}

	mergeFailures, err = meter.Int64Counter(
		"statecache.merge.failures",
		metric.WithDescription("The number of updates the state tree rejected."),
	)
	if err != nil {
		panic("statecache: failed to init 'statecache.merge.failures' instrument")
	}

	exportDuration, err = meter.Float64Histogram(
		"statecache.export.duration",
		metric.WithDescription("The duration of a deep copy of the state tree, during which writers wait."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("statecache: failed to init 'statecache.export.duration' instrument")
	}

	vehiclesPruned, err = meter.Int64Counter(
		"statecache.vehicles.pruned",
		metric.WithDescription("The number of vehicles removed for exceeding the state TTL."),
	)
	if err != nil {
		panic("statecache: failed to init 'statecache.vehicles.pruned' instrument")
	}
}

// measureMerge records the duration of a successful merge, or counts a failed
// one. Both are labelled with the targeted collection.
func measureMerge(ctx context.Context, collection citytwin.CollectionName, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(collectionName, string(collection)))
	if succeeded {
		// Floating-point division keeps sub-millisecond precision.
		mergeDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	} else {
		mergeFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

func measureExport(ctx context.Context, d time.Duration) {
	exportDuration.Record(ctx, float64(d)/float64(time.Millisecond))
}

func measurePruned(ctx context.Context, n int) {
	if n > 0 {
		vehiclesPruned.Add(ctx, int64(n))
	}
}
