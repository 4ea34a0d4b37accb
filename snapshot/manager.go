// Package snapshot writes immutable, versioned copies of the city state to a
// document store.
//
// A Manager counts the changes applied since the last snapshot and takes a new
// one when the count crosses a threshold, or when too much time has passed
// since the previous one. Each snapshot may be announced on a pubsub topic.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/citytwin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
)

// Exporter provides consistent deep copies of the city state.
type Exporter interface {
	ExportFullState() *citytwin.City
}

// Documents is the subset of a Store the Manager writes through.
type Documents interface {
	Create(ctx context.Context, doc *Document) error
	Latest(ctx context.Context) (*Document, error)
}

// Created is the body of the notification published for every new snapshot.
type Created struct {
	ID        string             `json:"id"`
	Version   int64              `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	Hash      citytwin.StateHash `json:"hash"`
}

// Manager decides when to snapshot and writes the snapshots.
type Manager struct {
	state  Exporter
	docs   Documents
	notify *pubsub.Topic
	now    func() time.Time

	threshold     int64
	checkInterval time.Duration
	maxInterval   time.Duration

	pending atomic.Int64
	created atomic.Int64

	mu      sync.Mutex // serialises snapshots
	version int64
	lastAt  time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithThreshold snapshots as soon as n changes are pending.
func WithThreshold(n int) Option {
	return func(m *Manager) { m.threshold = int64(n) }
}

// WithCheckInterval sets how often Run evaluates the snapshot conditions.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) { m.checkInterval = d }
}

// WithMaxInterval snapshots whenever d has elapsed since the previous
// snapshot, regardless of the number of pending changes.
func WithMaxInterval(d time.Duration) Option {
	return func(m *Manager) { m.maxInterval = d }
}

// WithNotifications publishes a Created message to topic after every
// snapshot.
func WithNotifications(topic *pubsub.Topic) Option {
	return func(m *Manager) { m.notify = topic }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager snapshotting state into docs.
func NewManager(state Exporter, docs Documents, opts ...Option) *Manager {
	m := &Manager{
		state:         state,
		docs:          docs,
		now:           time.Now,
		threshold:     1000,
		checkInterval: 10 * time.Second,
		maxInterval:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastAt = m.now()
	return m
}

// Add records n applied changes.
func (m *Manager) Add(n int) { m.pending.Add(int64(n)) }

// Pending returns the number of changes not yet covered by a snapshot.
func (m *Manager) Pending() int64 { return m.pending.Load() }

// Version returns the version of the last snapshot written or seeded.
func (m *Manager) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Seed continues the version sequence from the latest stored snapshot.
func (m *Manager) Seed(ctx context.Context) error {
	latest, err := m.docs.Latest(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed version: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = latest.Version
	m.lastAt = latest.Timestamp
	return nil
}

// Run seeds the version sequence and evaluates the snapshot conditions every
// check interval until ctx is done. A failed snapshot is logged and retried at
// the next check.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Seed(ctx); err != nil {
		return err
	}
	logger := component.Logger(ctx)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := m.Check(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Failed to take snapshot, retrying at the next check",
				slog.Int64("pending", m.Pending()),
				slog.Any("error", err),
			)
		}
	}
}

// Due reports whether a snapshot should be taken now.
func (m *Manager) Due() bool {
	if m.pending.Load() >= m.threshold {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastAt) >= m.maxInterval
}

// Check takes a snapshot if one is due. It returns the new document, or nil
// when none was due.
func (m *Manager) Check(ctx context.Context) (*Document, error) {
	if !m.Due() {
		return nil, nil
	}
	return m.Take(ctx)
}

// Take writes a snapshot of the current state unconditionally.
//
// On success the pending counter drops by the value it held when the snapshot
// started, so changes recorded meanwhile still count towards the next one. On
// failure the counter is left untouched.
func (m *Manager) Take(ctx context.Context) (doc *Document, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	covered := m.pending.Load()
	ctx, span := tracer.Start(ctx, "snapshot.Take", trace.WithAttributes(
		attribute.Int64("snapshot.pending", covered),
	))
	defer span.End()
	defer func(start time.Time) {
		measureSnapshot(ctx, err == nil, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())

	city := m.state.ExportFullState()
	state, err := json.Marshal(city)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	hash, err := citytwin.ContentAddress(json.RawMessage(state))
	if err != nil {
		return nil, fmt.Errorf("hash state: %w", err)
	}
	now := m.now().UTC()
	doc = &Document{
		ID:        uuid.NewString(),
		Version:   m.version + 1,
		Timestamp: now,
		Hash:      hash.String(),
		State:     state,
	}
	if err := m.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	m.version = doc.Version
	m.lastAt = now
	m.pending.Add(-covered)
	m.created.Add(1)
	span.SetAttributes(attribute.String("snapshot.id", doc.ID), attribute.Int64("snapshot.version", doc.Version))

	logger := component.Logger(ctx).With(
		slog.String("snapshot-id", doc.ID),
		slog.Int64("version", doc.Version),
	)
	logger.Info("Snapshot created", slog.Int64("changes", covered), slog.Int("bytes", len(state)))

	if m.notify != nil {
		// The snapshot is durable already; a lost notification is not worth
		// failing it for.
		if err := m.announce(ctx, Created{ID: doc.ID, Version: doc.Version, Timestamp: now, Hash: hash}); err != nil {
			logger.Warn("Couldn't publish snapshot notification", slog.Any("error", err))
		}
	}
	return doc, nil
}

func (m *Manager) announce(ctx context.Context, c Created) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := &pubsub.Message{Body: body, Metadata: map[string]string{"snapshotId": c.ID}}
	if err := m.notify.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Stats are the snapshot counters exposed by the query API.
type Stats struct {
	Created int64 `json:"created"`
	Pending int64 `json:"pending"`
	Version int64 `json:"version"`
}

// Stats returns the running snapshot counters.
func (m *Manager) Stats() Stats {
	return Stats{Created: m.created.Load(), Pending: m.Pending(), Version: m.Version()}
}
