// Package flush periodically copies the in-memory city state to durable sinks.
//
// Sinks lag the cache by at most one interval. A failed flush is logged and
// retried on the next tick with fresh state; nothing is queued.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/citytwin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Exporter provides consistent deep copies of the city state.
type Exporter interface {
	ExportFullState() *citytwin.City
}

// Sink stores a copy of the city state. Implementations must not retain or
// mutate the city after Flush returns.
type Sink interface {
	Name() string
	Flush(ctx context.Context, city *citytwin.City) error
}

// Flusher writes the city state to every sink on a timer.
type Flusher struct {
	state    Exporter
	sinks    []Sink
	interval time.Duration

	flushes  atomic.Int64
	failures atomic.Int64
	last     atomic.Int64 // unix nanos of the last fully successful flush
}

// New returns a Flusher writing state to sinks every interval.
func New(state Exporter, interval time.Duration, sinks ...Sink) *Flusher {
	return &Flusher{state: state, sinks: sinks, interval: interval}
}

// Run flushes every interval until ctx is done. Failures are logged and never
// end the loop. Run does not flush on exit; the caller owns the final flush so
// it can order it after ingestion has stopped.
func (f *Flusher) Run(ctx context.Context) error {
	logger := component.Logger(ctx).With(slog.Duration("interval", f.interval))
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := f.Flush(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error("Failed to flush city state, retrying at the next tick", slog.Any("error", err))
		}
	}
}

// Flush exports the state once and writes it to every sink concurrently. A
// failing sink does not prevent the others from being written; the returned
// error joins the failures of all sinks.
func (f *Flusher) Flush(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "flush.Flush", trace.WithAttributes(
		attribute.Int("flush.sinks", len(f.sinks)),
	))
	defer span.End()

	city := f.state.ExportFullState()
	errs := make([]error, len(f.sinks))
	var g errgroup.Group
	for i, sink := range f.sinks {
		g.Go(func() error {
			start := time.Now()
			err := sink.Flush(ctx, city)
			measureSink(ctx, sink.Name(), err == nil, time.Since(start))
			if err != nil {
				errs[i] = fmt.Errorf("flush %s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	f.flushes.Add(1)
	if err := errors.Join(errs...); err != nil {
		f.failures.Add(1)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	f.last.Store(time.Now().UnixNano())
	component.Logger(ctx).Debug("City state flushed", slog.Int("sinks", len(f.sinks)))
	return nil
}

// Stats are the flush counters exposed by the query API.
type Stats struct {
	Flushes   int64     `json:"flushes"`
	Failures  int64     `json:"failures"`
	LastFlush time.Time `json:"lastFlush,omitzero"`
}

// Stats returns the running flush counters.
func (f *Flusher) Stats() Stats {
	s := Stats{Flushes: f.flushes.Load(), Failures: f.failures.Load()}
	if n := f.last.Load(); n != 0 {
		s.LastFlush = time.Unix(0, n)
	}
	return s
}
