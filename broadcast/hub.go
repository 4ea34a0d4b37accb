// Package broadcast pushes city state changes to connected clients.
//
// Every client owns a baseline: the last state tree it was sent. On each
// broadcast cycle the hub exports the state once, and sends every client whose
// baseline differs a patch from its baseline to the current tree. Clients are
// never sent the full state twice.
//
// Besides the diff cycle, clients may subscribe to districts and receive the
// whole district out of band whenever the ingestion loop touches it.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/citytwin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Message types pushed to clients.
const (
	TypeInitialState   = "initial-state"
	TypeStateUpdate    = "state-update"
	TypeDistrictUpdate = "district-update"
	TypeSubscribed     = "subscribed"
	TypeUnsubscribed   = "unsubscribed"
	TypePong           = "pong"
	TypeError          = "error"
)

var (
	// ErrClosed is returned when registering with a closed Hub.
	ErrClosed = errors.New("hub closed")
	// ErrUnknownClient is returned for clients the hub has already dropped.
	ErrUnknownClient = errors.New("unknown client")
)

// Message is the envelope of every message pushed to clients.
type Message struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	DistrictID string    `json:"districtId,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// Exporter provides consistent deep copies of the city state.
type Exporter interface {
	ExportFullState() *citytwin.City
	GetDistrict(id string) (*citytwin.District, bool)
}

// Client is a registered consumer of the hub. Its fields other than ID are
// owned by the hub.
type Client struct {
	ID uuid.UUID

	send      chan []byte
	baseline  any
	baseHash  citytwin.StateHash
	districts map[string]struct{}
}

// Messages returns the client's outbound queue of encoded messages. It is
// closed when the hub drops the client.
func (c *Client) Messages() <-chan []byte { return c.send }

// Stats are the hub's counters.
type Stats struct {
	Clients        int   `json:"clients"`
	Groups         int   `json:"groups"`
	Broadcasts     int64 `json:"broadcasts"`
	UpdatesSent    int64 `json:"updatesSent"`
	DistrictPushes int64 `json:"districtPushes"`
	Pruned         int64 `json:"pruned"`
}

// Hub tracks clients and their baselines.
type Hub struct {
	state    Exporter
	interval time.Duration
	buffer   int
	now      func() time.Time

	mu      sync.Mutex
	clients map[uuid.UUID]*Client
	groups  map[string]map[uuid.UUID]*Client
	closed  bool

	pendingMu sync.Mutex
	pending   map[string]struct{}
	notify    chan struct{}

	broadcasts     atomic.Int64
	updatesSent    atomic.Int64
	districtPushes atomic.Int64
	pruned         atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithInterval sets the period of the diff cycle run by Run.
func WithInterval(d time.Duration) Option {
	return func(h *Hub) { h.interval = d }
}

// WithBufferSize sets the capacity of each client's outbound queue. A client
// whose queue is full when a message is due is dropped.
func WithBufferSize(n int) Option {
	return func(h *Hub) { h.buffer = max(n, 1) }
}

// WithClock replaces the clock stamping outbound messages.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub returns a Hub broadcasting state. The defaults are a one second cycle
// and a queue of 64 messages per client.
func NewHub(state Exporter, opts ...Option) *Hub {
	h := &Hub{
		state:    state,
		interval: time.Second,
		buffer:   64,
		now:      time.Now,
		clients:  make(map[uuid.UUID]*Client),
		groups:   make(map[string]map[uuid.UUID]*Client),
		pending:  make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a client whose queue starts with an initial-state message
// carrying the current normalised state, which becomes its baseline.
func (h *Hub) Register(ctx context.Context) (*Client, error) {
	tree, hash, err := h.snapshot()
	if err != nil {
		return nil, err
	}
	payload, err := h.encode(Message{Type: TypeInitialState, Data: tree})
	if err != nil {
		return nil, err
	}
	c := &Client{
		ID:        uuid.New(),
		send:      make(chan []byte, h.buffer),
		baseline:  tree,
		baseHash:  hash,
		districts: make(map[string]struct{}),
	}
	c.send <- payload

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.clients[c.ID] = c
	component.Logger(ctx).Debug("Registered broadcast client", slog.String("client", c.ID.String()))
	measureSent(ctx, TypeInitialState, 1)
	return c, nil
}

// Unregister drops c and closes its queue. Dropping an unknown client is a
// no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; ok {
		h.drop(c)
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c.ID)
	for id := range c.districts {
		h.leave(c, id)
	}
	close(c.send)
}

func (h *Hub) leave(c *Client, districtID string) {
	delete(c.districts, districtID)
	if g := h.groups[districtID]; g != nil {
		delete(g, c.ID)
		if len(g) == 0 {
			delete(h.groups, districtID)
		}
	}
}

// deliver queues payload for c without blocking. A client whose queue is full
// is dropped. Must be called with h.mu held.
func (h *Hub) deliver(c *Client, payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		h.drop(c)
		h.pruned.Add(1)
		return false
	}
}

// Send queues a message for c.
func (h *Hub) Send(ctx context.Context, c *Client, m Message) error {
	payload, err := h.encode(m)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return ErrUnknownClient
	}
	if !h.deliver(c, payload) {
		component.Logger(ctx).Warn("Dropped a slow broadcast client", slog.String("client", c.ID.String()))
		measurePruned(ctx, 1)
		return ErrUnknownClient
	}
	measureSent(ctx, m.Type, 1)
	return nil
}

// Broadcast runs one diff cycle. The state is exported and normalised once;
// each distinct client baseline is diffed once. Clients already at the
// current state are skipped, and slow clients are dropped without failing the
// cycle.
func (h *Hub) Broadcast(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "broadcast.Broadcast")
	defer span.End()
	defer func(start time.Time) {
		measureBroadcast(ctx, time.Since(start))
	}(time.Now())
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	tree, hash, err := h.snapshot()
	if err != nil {
		return err
	}
	span.AddEvent("State exported", trace.WithAttributes(attribute.Stringer("broadcast.state_hash", hash)))

	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts.Add(1)
	if h.closed {
		return nil
	}

	// Encoded state-update per baseline hash; nil when the patch is empty.
	updates := make(map[citytwin.StateHash][]byte)
	var sent, pruned int
	for _, c := range h.clients {
		if c.baseHash == hash {
			continue
		}
		payload, ok := updates[c.baseHash]
		if !ok {
			if patch := Diff(c.baseline, tree); len(patch) > 0 {
				payload, err = h.encode(Message{Type: TypeStateUpdate, Data: patch})
				if err != nil {
					return err
				}
			}
			updates[c.baseHash] = payload
		}
		if payload != nil && !h.deliver(c, payload) {
			pruned++
			continue
		}
		if payload != nil {
			sent++
		}
		c.baseline, c.baseHash = tree, hash
	}

	span.SetAttributes(
		attribute.Int("broadcast.clients", len(h.clients)),
		attribute.Int("broadcast.baselines", len(updates)),
		attribute.Int("broadcast.sent", sent),
	)
	h.updatesSent.Add(int64(sent))
	measureSent(ctx, TypeStateUpdate, sent)
	if pruned > 0 {
		component.Logger(ctx).Warn("Dropped slow broadcast clients", slog.Int("count", pruned))
		measurePruned(ctx, pruned)
	}
	return nil
}

// snapshot exports, normalises and hashes the current state.
func (h *Hub) snapshot() (any, citytwin.StateHash, error) {
	tree, err := Normalize(h.state.ExportFullState())
	if err != nil {
		return nil, citytwin.StateHash{}, err
	}
	hash, err := hashTree(tree)
	if err != nil {
		return nil, citytwin.StateHash{}, fmt.Errorf("hash state: %w", err)
	}
	return tree, hash, nil
}

func (h *Hub) encode(m Message) ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = h.now().UTC()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return b, nil
}

// Subscribe adds c to the group of a district and confirms with a subscribed
// message carrying the district's current state, if it exists yet.
func (h *Hub) Subscribe(ctx context.Context, c *Client, districtID string) error {
	m := Message{Type: TypeSubscribed, DistrictID: districtID}
	if d, ok := h.state.GetDistrict(districtID); ok {
		m.Data = d
	}
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return ErrUnknownClient
	}
	g := h.groups[districtID]
	if g == nil {
		g = make(map[uuid.UUID]*Client)
		h.groups[districtID] = g
	}
	g[c.ID] = c
	c.districts[districtID] = struct{}{}
	h.mu.Unlock()
	return h.Send(ctx, c, m)
}

// Unsubscribe removes c from the group of a district.
func (h *Hub) Unsubscribe(ctx context.Context, c *Client, districtID string) error {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return ErrUnknownClient
	}
	h.leave(c, districtID)
	h.mu.Unlock()
	return h.Send(ctx, c, Message{Type: TypeUnsubscribed, DistrictID: districtID})
}

// NotifyDistricts queues district-update pushes for the districts. It never
// blocks; Run delivers the pushes. Its signature matches the ingestion loop's
// after-batch hook.
func (h *Hub) NotifyDistricts(_ context.Context, districts []string) {
	if len(districts) == 0 {
		return
	}
	h.pendingMu.Lock()
	for _, id := range districts {
		h.pending[id] = struct{}{}
	}
	h.pendingMu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// PushDistricts delivers the queued district-update pushes to the members of
// each district's group.
func (h *Hub) PushDistricts(ctx context.Context) {
	h.pendingMu.Lock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	clear(h.pending)
	h.pendingMu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		h.mu.Lock()
		members := len(h.groups[id])
		h.mu.Unlock()
		if members == 0 {
			continue
		}
		d, ok := h.state.GetDistrict(id)
		if !ok {
			continue
		}
		payload, err := h.encode(Message{Type: TypeDistrictUpdate, DistrictID: id, Data: d})
		if err != nil {
			component.Logger(ctx).Error("Failed to encode district update",
				slog.String("district", id),
				slog.Any("error", err),
			)
			continue
		}
		var sent, pruned int
		h.mu.Lock()
		for _, c := range h.groups[id] {
			if h.deliver(c, payload) {
				sent++
			} else {
				pruned++
			}
		}
		h.mu.Unlock()
		h.districtPushes.Add(int64(sent))
		measureSent(ctx, TypeDistrictUpdate, sent)
		measurePruned(ctx, pruned)
	}
}

// Run drives the diff cycle every interval and delivers district pushes as
// they are queued, until ctx is done. Cycle failures are logged.
func (h *Hub) Run(ctx context.Context) error {
	logger := component.Logger(ctx).With(slog.Duration("interval", h.interval))
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.notify:
			h.PushDistricts(ctx)
		case <-ticker.C:
			if err := h.Broadcast(ctx); err != nil {
				logger.Error("Failed to broadcast city state", slog.Any("error", err))
			}
		}
	}
}

// Close drops every client and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, c := range h.clients {
		h.drop(c)
	}
}

// Stats returns the hub's counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Clients:        len(h.clients),
		Groups:         len(h.groups),
		Broadcasts:     h.broadcasts.Load(),
		UpdatesSent:    h.updatesSent.Load(),
		DistrictPushes: h.districtPushes.Load(),
		Pruned:         h.pruned.Load(),
	}
}
