// Package normalize converts the heterogeneous payloads published on the
// city's event topics into canonical citytwin.Update records.
//
// Every topic is bound to an event Kind. Payloads are JSON objects whose field
// names follow the producers' snake_case conventions (district_id, edge_id,
// speed_kmh, ...); the road graph topic carries the camelCase graph format
// directly. A payload produces exactly one update, or an error explaining why
// it was dropped.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-digitaltwin/citytwin"
)

// Kind is the category of events carried by a topic.
type Kind string

const (
	KindSpeed         Kind = "speed"
	KindWeather       Kind = "weather"
	KindCamera        Kind = "camera"
	KindEnvironmental Kind = "environmental"
	KindBuilding      Kind = "building"
	KindVehicle       Kind = "vehicle"
	KindTransit       Kind = "transit"
	KindIncident      Kind = "incident"
	KindGraph         Kind = "graph"
)

// Kinds lists every event kind the normaliser understands.
var Kinds = []Kind{
	KindSpeed, KindWeather, KindCamera, KindEnvironmental, KindBuilding,
	KindVehicle, KindTransit, KindIncident, KindGraph,
}

// DefaultTopics maps the producers' topic names to their kinds.
func DefaultTopics() map[string]Kind {
	return map[string]Kind{
		"city-speed-sensors":         KindSpeed,
		"city-weather-sensors":       KindWeather,
		"city-camera-sensors":        KindCamera,
		"city-environmental-sensors": KindEnvironmental,
		"buildings-monitoring":       KindBuilding,
		"vehicles-telemetry":         KindVehicle,
		"transit-gps":                KindTransit,
		"emergency-incidents":        KindIncident,
		"traffic-graph":              KindGraph,
	}
}

// ErrUnknownTopic is returned for payloads received on a topic that is not
// bound to any kind.
var ErrUnknownTopic = errors.New("unknown topic")

// A MalformedError reports a payload that cannot become an update: it is not
// valid JSON, or it lacks the fields identifying the entity and its shard.
type MalformedError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s payload: %s: %v", e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: %s", e.Topic, e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Normalizer turns raw topic payloads into canonical updates. A Normalizer is
// safe for concurrent use once constructed.
type Normalizer struct {
	topics    map[string]Kind
	now       func() time.Time
	elevation float64
	logger    *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock used to timestamp payloads that carry no timestamp
// of their own.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithDefaultElevation sets the elevation, in metres, recorded for weather
// stations whose payload does not report one.
func WithDefaultElevation(metres float64) Option {
	return func(n *Normalizer) { n.elevation = metres }
}

// WithLogger sets the logger warning about payloads that are kept despite a
// defect, such as an unparseable timestamp. It defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

// New returns a Normalizer for the given topic bindings.
func New(topics map[string]Kind, opts ...Option) *Normalizer {
	n := &Normalizer{topics: topics, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// KindOf returns the kind bound to topic.
func (n *Normalizer) KindOf(topic string) (Kind, bool) {
	k, ok := n.topics[topic]
	return k, ok
}

// Normalize decodes payload, received on topic, into a canonical update.
//
// The returned error is ErrUnknownTopic for unbound topics and a
// *MalformedError for payloads that cannot be decoded or identified. Either way
// the payload should be dropped.
func (n *Normalizer) Normalize(topic string, payload []byte) (citytwin.Update, error) {
	kind, ok := n.topics[topic]
	if !ok {
		return citytwin.Update{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	logger := n.logger
	if logger == nil {
		logger = slog.Default()
	}
	d := decoder{topic: topic, now: n.now, elevation: n.elevation, logger: logger}
	var (
		u   citytwin.Update
		err error
	)
	switch kind {
	case KindSpeed:
		u, err = d.speed(payload)
	case KindWeather:
		u, err = d.weather(payload)
	case KindCamera:
		u, err = d.camera(payload)
	case KindEnvironmental:
		u, err = d.environmental(payload)
	case KindBuilding:
		u, err = d.building(payload)
	case KindVehicle:
		u, err = d.vehicle(payload)
	case KindTransit:
		u, err = d.transit(payload)
	case KindIncident:
		u, err = d.incident(payload)
	case KindGraph:
		u, err = d.graph(payload)
	default:
		return citytwin.Update{}, fmt.Errorf("%w: %q bound to kind %q", ErrUnknownTopic, topic, kind)
	}
	if err != nil {
		return citytwin.Update{}, err
	}
	return u, nil
}

// decoder carries the per-call context shared by the kind-specific decoders.
type decoder struct {
	topic     string
	now       func() time.Time
	elevation float64
	logger    *slog.Logger
}

func (d decoder) unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &MalformedError{Topic: d.topic, Reason: "decode json", Err: err}
	}
	return nil
}

func (d decoder) missing(fields ...string) error {
	return &MalformedError{Topic: d.topic, Reason: fmt.Sprintf("missing %v", fields)}
}

// timestamp returns the event time carried by the payload, falling back to the
// receive time when it is missing or unparseable.
func (d decoder) timestamp(ts Timestamp) time.Time {
	if raw := ts.Unrecognised(); raw != "" {
		d.logger.Warn("Unrecognised event timestamp, using the receive time",
			slog.String("topic", d.topic),
			slog.String("timestamp", raw),
		)
	}
	if ts.IsZero() {
		return d.now().UTC()
	}
	return ts.Time
}
