package broadcast

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/citytwin/broadcast")
var meter = otel.Meter("github.com/go-digitaltwin/citytwin/broadcast")

// messageType is the attribute key associating a record with the type of the
// pushed message.
const messageType = "message.type"

var (
	// broadcastDuration measures a diff cycle: export, normalisation, diffing
	// and queueing.
	broadcastDuration metric.Float64Histogram
	// messagesSent counts the messages queued for clients.
	//
	// Each record is associated with the messageType.
	messagesSent metric.Int64Counter
	// clientsPruned counts the clients dropped for falling behind.
	clientsPruned metric.Int64Counter
)

func init() {
	var err error
	broadcastDuration, err = meter.Float64Histogram(
		"broadcast.cycle.duration",
		metric.WithDescription("The duration of a single broadcast diff cycle."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("broadcast: failed to init 'broadcast.cycle.duration' instrument")
	}

	messagesSent, err = meter.Int64Counter(
		"broadcast.messages.sent",
		metric.WithDescription("The number of messages queued for clients."),
	)
	if err != nil {
		panic("broadcast: failed to init 'broadcast.messages.sent' instrument")
	}

	clientsPruned, err = meter.Int64Counter(
		"broadcast.clients.pruned",
		metric.WithDescription("The number of clients dropped because their queue was full."),
	)
	if err != nil {
		panic("broadcast: failed to init 'broadcast.clients.pruned' instrument")
	}
}

func measureBroadcast(ctx context.Context, d time.Duration) {
	// Floating-point division keeps sub-millisecond precision.
	broadcastDuration.Record(ctx, float64(d)/float64(time.Millisecond))
}

func measureSent(ctx context.Context, typ string, n int) {
	if n == 0 {
		return
	}
	attrs := attribute.NewSet(attribute.String(messageType, typ))
	messagesSent.Add(ctx, int64(n), metric.WithAttributeSet(attrs))
}

func measurePruned(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	clientsPruned.Add(ctx, int64(n))
}
