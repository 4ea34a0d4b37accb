// Package statecache holds the canonical in-memory state of the city twin.
//
// The cache is mutated only through ApplyUpdate, one shard at a time. It does
// not serialise calls for the same shard; the caller (the ingestion loop) owns
// that discipline and may apply different shards concurrently. Readers never
// see the live tree: ExportFullState and GetDistrict return deep copies.
package statecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/citytwin"
)

// A Loader returns the last persisted state of the city, or nil when nothing
// was persisted yet.
type Loader interface {
	Load(ctx context.Context) (*citytwin.City, error)
}

// Cache is the canonical mutable state tree.
//
// Calls to ApplyUpdate for different shards may run concurrently; calls for the
// same shard must not. Exports are exclusive with all writers so that an
// exported copy never contains a half-applied update.
type Cache struct {
	city *citytwin.City

	// Shard writers share the lock; exports hold it exclusively.
	mu stateWRMutex
	// Guards the districts collection against concurrent lazy creation by
	// different shard writers.
	districtsMu sync.Mutex

	districtNames   map[string]string
	defaultCenter   citytwin.Center
	defaultBoundary citytwin.BoundaryBox

	lastEvent atomic.Int64 // unix nanoseconds of the newest applied event
	applied   atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithDistrictNames names the districts created lazily by the cache. Districts
// missing from names are named after their id.
func WithDistrictNames(names map[string]string) Option {
	return func(c *Cache) { c.districtNames = names }
}

// WithDistrictDefaults sets the centre and boundary assigned to lazily created
// districts.
func WithDistrictDefaults(center citytwin.Center, boundary citytwin.BoundaryBox) Option {
	return func(c *Cache) {
		c.defaultCenter = center
		c.defaultBoundary = boundary
	}
}

// New returns a cache holding an empty city identified by cityID.
func New(cityID string, meta citytwin.Metadata, opts ...Option) *Cache {
	c := &Cache{
		city: &citytwin.City{CityID: cityID, Metadata: meta},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rehydrate replaces the empty bootstrap state with the state returned by l.
// It must be called before the first ApplyUpdate. The absence of persisted
// state is not an error; the cache keeps its empty city.
func (c *Cache) Rehydrate(ctx context.Context, l Loader) error {
	logger := component.Logger(ctx)
	city, err := l.Load(ctx)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if city == nil {
		logger.Info("No persisted state found, starting from an empty city")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Identity always comes from configuration.
	city.CityID = c.city.CityID
	city.Metadata.Name = c.city.Metadata.Name
	city.Metadata.Version = c.city.Metadata.Version
	c.city = city
	if !city.Metadata.LastUpdated.IsZero() {
		c.lastEvent.Store(city.Metadata.LastUpdated.UnixNano())
	}

	logger.Info("Rehydrated state from the durable store",
		"districts", city.Districts.Len(),
		"vehicles", city.Vehicles.Len(),
		"edges", city.Graph.Edges.Len(),
	)
	return nil
}

// ApplyUpdate merges u into the state tree. Updates routed to a district shard
// create the district on first sight.
func (c *Cache) ApplyUpdate(u citytwin.Update) (err error) {
	defer func(start time.Time) {
		measureMerge(context.Background(), u.Collection, err == nil, time.Since(start))
	}(time.Now())
	c.mu.WLock()
	defer c.mu.WUnlock()

	if u.ShardKey.IsShared() {
		err = c.city.ApplyShared(u)
	} else {
		err = c.district(u.ShardKey.DistrictID()).Apply(u)
	}
	if err != nil {
		return fmt.Errorf("apply %s update for %q: %w", u.Collection, u.EntityID, err)
	}

	c.applied.Add(1)
	c.observe(u.Timestamp)
	return nil
}

// district returns the district with the given id, creating its skeleton when
// it does not exist yet. Districts are kept in id order, so the exported tree
// does not depend on which shard saw its first update first.
func (c *Cache) district(id string) *citytwin.District {
	c.districtsMu.Lock()
	defer c.districtsMu.Unlock()
	return c.city.Districts.UpsertSorted(id, func() *citytwin.District {
		name, ok := c.districtNames[id]
		if !ok {
			name = id
		}
		return &citytwin.District{
			DistrictID: id,
			Name:       name,
			Location:   c.defaultCenter,
			Boundary:   c.defaultBoundary,
		}
	})
}

// observe advances the newest event time, which becomes the city's
// lastUpdated on export.
func (c *Cache) observe(ts time.Time) {
	n := ts.UnixNano()
	for {
		cur := c.lastEvent.Load()
		if n <= cur || c.lastEvent.CompareAndSwap(cur, n) {
			return
		}
	}
}

// ExportFullState returns a deep copy of the state tree. Later updates never
// change a previously exported copy.
func (c *Cache) ExportFullState() *citytwin.City {
	defer func(start time.Time) {
		measureExport(context.Background(), time.Since(start))
	}(time.Now())
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.city.Clone()
	if n := c.lastEvent.Load(); n > 0 {
		out.Metadata.LastUpdated = time.Unix(0, n).UTC()
	}
	return out
}

// GetDistrict returns a deep copy of the district with the given id.
func (c *Cache) GetDistrict(id string) (*citytwin.District, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.city.Districts.Get(id)
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// PruneStale removes vehicles whose last event is older than cutoff, along with
// the buses, emergency units and incidents derived from them. It returns the ids of the
// removed vehicles. It excludes all writers while it runs.
func (c *Cache) PruneStale(cutoff time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := c.city.Vehicles.RemoveFunc(func(v *citytwin.Vehicle) bool {
		return v.LastUpdated.Before(cutoff)
	})
	for _, id := range removed {
		c.city.RemoveDerived(id)
	}
	measurePruned(context.Background(), len(removed))
	return removed
}

// Stats counts the entities held by the cache.
type Stats struct {
	Districts       int   `json:"districts"`
	Sensors         int   `json:"sensors"`
	Buildings       int   `json:"buildings"`
	WeatherStations int   `json:"weatherStations"`
	Vehicles        int   `json:"vehicles"`
	Buses           int   `json:"buses"`
	Stations        int   `json:"stations"`
	Incidents       int   `json:"incidents"`
	Units           int   `json:"units"`
	Nodes           int   `json:"nodes"`
	Edges           int   `json:"edges"`
	UpdatesApplied  int64 `json:"updatesApplied"`
}

// Stats returns the current entity counts.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Districts:      c.city.Districts.Len(),
		Vehicles:       c.city.Vehicles.Len(),
		Buses:          c.city.PublicTransport.Buses.Len(),
		Stations:       c.city.PublicTransport.Stations.Len(),
		Incidents:      c.city.EmergencyServices.Incidents.Len(),
		Units:          c.city.EmergencyServices.Units.Len(),
		Nodes:          c.city.Graph.Nodes.Len(),
		Edges:          c.city.Graph.Edges.Len(),
		UpdatesApplied: c.applied.Load(),
	}
	for _, d := range c.city.Districts.All() {
		s.Sensors += d.Sensors.Len()
		s.Buildings += d.Buildings.Len()
		s.WeatherStations += d.WeatherStations.Len()
	}
	return s
}
