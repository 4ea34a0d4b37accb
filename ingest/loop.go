// Package ingest runs the batch ingestion loop: messages received from the
// city's event topics are grouped into batches, normalised, bucketed by shard
// key and applied to the state cache, one goroutine per shard, before the whole
// batch is acknowledged.
//
// Delivery is at-least-once. A message is acknowledged only once every update
// of its batch has been applied (or dropped as malformed), so a crash in the
// middle of a batch replays it.
package ingest

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
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

// Normalizer converts a payload received on a topic into a canonical update.
type Normalizer interface {
	Normalize(topic string, payload []byte) (citytwin.Update, error)
}

// Applier applies a canonical update to the state. Calls for the same shard key
// are never concurrent; calls for different shard keys may be.
type Applier interface {
	ApplyUpdate(u citytwin.Update) error
}

// ChangeRecorder counts applied updates, typically to trigger snapshots.
type ChangeRecorder interface {
	Add(n int)
}

// AfterBatchFunc is told which districts a batch touched.
type AfterBatchFunc func(ctx context.Context, districts []string)

// Source binds a subscription to the topic name its payloads are normalised as.
type Source struct {
	Topic        string
	Subscription *pubsub.Subscription
}

// Envelope is a single payload together with the topic it was received on.
type Envelope struct {
	Topic   string
	Payload []byte
}

// BatchResult summarises the outcome of applying one batch.
type BatchResult struct {
	// Applied is the number of updates applied to the state.
	Applied int
	// Dropped is the number of payloads the normaliser rejected.
	Dropped int
	// Failed is the number of updates the applier rejected, including updates
	// lost to a panic in their shard.
	Failed int
	// Districts lists the district shards that received at least one update,
	// in order of first appearance.
	Districts []string
}

// Counters are the running totals of a Loop.
type Counters struct {
	Batches  int64 `json:"batches"`
	Messages int64 `json:"messages"`
	Applied  int64 `json:"applied"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
}

// Loop is the batch ingestion loop. Create one with New and start it with Run.
type Loop struct {
	sources    []Source
	normalizer Normalizer
	state      Applier

	window     time.Duration
	maxBatch   int
	liveness   time.Duration
	recorder   ChangeRecorder
	afterBatch AfterBatchFunc
	health     *Health

	batches  atomic.Int64
	messages atomic.Int64
	applied  atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithBatching bounds a batch: after its first message the loop waits at most
// window for more, and never collects more than size messages.
func WithBatching(window time.Duration, size int) Option {
	return func(l *Loop) {
		l.window = window
		l.maxBatch = size
	}
}

// WithLivenessInterval sets how often the loop beats its Health while idle or
// busy with a long batch.
func WithLivenessInterval(d time.Duration) Option {
	return func(l *Loop) { l.liveness = d }
}

// WithChangeRecorder reports the number of applied updates after each batch.
func WithChangeRecorder(r ChangeRecorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithAfterBatch registers a hook called after each batch with the districts
// it touched. The hook runs on the loop goroutine and must not block.
func WithAfterBatch(fn AfterBatchFunc) Option {
	return func(l *Loop) { l.afterBatch = fn }
}

// WithHealth makes the loop beat h instead of a private Health.
func WithHealth(h *Health) Option {
	return func(l *Loop) { l.health = h }
}

// New returns a Loop consuming sources, normalising payloads with n and
// applying the resulting updates to state.
func New(sources []Source, n Normalizer, state Applier, opts ...Option) *Loop {
	l := &Loop{
		sources:    sources,
		normalizer: n,
		state:      state,
		window:     50 * time.Millisecond,
		maxBatch:   500,
		liveness:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.maxBatch < 1 {
		l.maxBatch = 1
	}
	if l.health == nil {
		l.health = new(Health)
	}
	return l
}

// Health returns the liveness signal beaten by the loop.
func (l *Loop) Health() *Health { return l.health }

// Counters returns the loop's running totals.
func (l *Loop) Counters() Counters {
	return Counters{
		Batches:  l.batches.Load(),
		Messages: l.messages.Load(),
		Applied:  l.applied.Load(),
		Dropped:  l.dropped.Load(),
		Failed:   l.failed.Load(),
	}
}

type inbound struct {
	topic string
	msg   *pubsub.Message
}

// Run receives from every source until ctx is cancelled or a subscription
// fails. A cancelled ctx stops receiving; the batch in flight at that moment is
// still applied and acknowledged. Run returns nil on cancellation and the
// receive error otherwise.
func (l *Loop) Run(ctx context.Context) error {
	if len(l.sources) == 0 {
		return errors.New("ingest: no sources")
	}
	inbox := make(chan inbound)
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range l.sources {
		g.Go(func() error {
			return l.receive(ctx, src, inbox)
		})
	}
	g.Go(func() error {
		l.consume(ctx, inbox)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// receive pumps one subscription into the shared inbox.
func (l *Loop) receive(ctx context.Context, src Source, inbox chan<- inbound) error {
	logger := component.Logger(ctx).With(slog.String("topic", src.Topic))
	for {
		msg, err := src.Subscription.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil
			}
			// Receive only returns non-retryable driver errors. Recreating the
			// subscription is left to the process supervisor.
			logger.Error("Couldn't receive from subscription", slog.Any("error", err))
			return fmt.Errorf("receive %s: %w", src.Topic, err)
		}
		select {
		case inbox <- inbound{topic: src.Topic, msg: msg}:
		case <-ctx.Done():
			// Received but never batched: hand it back for redelivery.
			if msg.Nackable() {
				msg.Nack()
			}
			return nil
		}
	}
}

// consume drains the inbox one batch at a time until ctx is done.
func (l *Loop) consume(ctx context.Context, inbox <-chan inbound) {
	ticker := time.NewTicker(l.liveness)
	defer ticker.Stop()
	l.health.Beat(time.Now())
	for {
		var first inbound
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.health.Beat(time.Now())
			continue
		case first = <-inbox:
		}
		batch := l.collect(ctx, inbox, first)
		// The batch was received; shutting down must not interrupt its
		// application or acknowledgement.
		l.handle(context.WithoutCancel(ctx), batch)
	}
}

// collect extends a batch started by first with whatever arrives within the
// batching window.
func (l *Loop) collect(ctx context.Context, inbox <-chan inbound, first inbound) []inbound {
	batch := []inbound{first}
	timer := time.NewTimer(l.window)
	defer timer.Stop()
	for len(batch) < l.maxBatch {
		select {
		case m := <-inbox:
			batch = append(batch, m)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

func (l *Loop) handle(ctx context.Context, batch []inbound) {
	envelopes := make([]Envelope, len(batch))
	for i, m := range batch {
		envelopes[i] = Envelope{Topic: m.topic, Payload: m.msg.Body}
	}
	l.ApplyBatch(ctx, envelopes)

	// Acknowledge only after the whole batch went through the state, as the
	// loop maintains at-least-once delivery.
	for _, m := range batch {
		m.msg.Ack()
	}
}

// ApplyBatch normalises envelopes, buckets the resulting updates by shard key
// and applies every bucket concurrently, in arrival order within a bucket.
//
// Payloads the normaliser rejects are logged and skipped. A failure or panic
// while applying one bucket never prevents the other buckets from being
// applied.
func (l *Loop) ApplyBatch(ctx context.Context, envelopes []Envelope) (result BatchResult) {
	ctx, span := tracer.Start(ctx, "ingest.ApplyBatch", trace.WithAttributes(
		attribute.Int("batch.size", len(envelopes)),
	))
	defer span.End()
	logger := component.Logger(ctx)

	defer func(start time.Time) {
		measureBatch(ctx, len(envelopes), result, time.Since(start))
		l.batches.Add(1)
		l.messages.Add(int64(len(envelopes)))
		l.applied.Add(int64(result.Applied))
		l.dropped.Add(int64(result.Dropped))
		l.failed.Add(int64(result.Failed))
	}(time.Now())

	// Grouped.
	var (
		order   []citytwin.ShardKey
		buckets = make(map[citytwin.ShardKey][]citytwin.Update)
	)
	for _, env := range envelopes {
		u, err := l.normalizer.Normalize(env.Topic, env.Payload)
		if err != nil {
			logger.Warn("Dropping message that cannot be normalised",
				slog.String("topic", env.Topic),
				slog.Any("error", err),
			)
			measureDropped(ctx, env.Topic)
			result.Dropped++
			continue
		}
		if _, ok := buckets[u.ShardKey]; !ok {
			order = append(order, u.ShardKey)
		}
		buckets[u.ShardKey] = append(buckets[u.ShardKey], u)
	}

	// Applied.
	outcomes := make([]bucketOutcome, len(order))
	stop := l.beatWhile()
	var g errgroup.Group
	for i, key := range order {
		g.Go(func() error {
			outcomes[i] = l.applyBucket(logger, key, buckets[key])
			return nil
		})
	}
	_ = g.Wait()
	stop()
	l.health.Beat(time.Now())

	for i, key := range order {
		result.Applied += outcomes[i].applied
		result.Failed += outcomes[i].failed
		if outcomes[i].applied > 0 && !key.IsShared() {
			result.Districts = append(result.Districts, key.DistrictID())
		}
	}
	if result.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d updates failed", result.Failed))
	}
	span.SetAttributes(
		attribute.Int("batch.applied", result.Applied),
		attribute.Int("batch.dropped", result.Dropped),
	)

	if l.recorder != nil && result.Applied > 0 {
		l.recorder.Add(result.Applied)
	}
	if l.afterBatch != nil && len(result.Districts) > 0 {
		l.afterBatch(ctx, result.Districts)
	}
	logger.Debug("Batch applied",
		slog.Int("messages", len(envelopes)),
		slog.Int("applied", result.Applied),
		slog.Int("dropped", result.Dropped),
		slog.Int("failed", result.Failed),
	)
	return result
}

type bucketOutcome struct {
	applied, failed int
}

// applyBucket applies the updates of one shard in order. A panic abandons the
// rest of the bucket; those updates count as failed.
func (l *Loop) applyBucket(logger *slog.Logger, key citytwin.ShardKey, updates []citytwin.Update) (out bucketOutcome) {
	logger = logger.With(slog.String("shard", key.String()))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from a panic while applying shard updates", slog.Any("panic", r))
			out.failed = len(updates) - out.applied
		}
	}()
	for _, u := range updates {
		if err := l.state.ApplyUpdate(u); err != nil {
			logger.Warn("Couldn't apply update",
				slog.String("entity", u.EntityID),
				slog.Any("error", err),
			)
			out.failed++
			continue
		}
		out.applied++
	}
	return out
}

// beatWhile beats the loop's health every liveness interval until the returned
// function is called.
func (l *Loop) beatWhile() (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.liveness)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case t := <-ticker.C:
				l.health.Beat(t)
			}
		}
	}()
	return func() { close(done) }
}
