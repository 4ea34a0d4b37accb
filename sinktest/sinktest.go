/*
Package sinktest provides a suite of tests designed to assess durable stores of
the city state (e.g. Redis, in-memory).

The suite operates on a store through its Flush and Load methods and checks
that what is loaded back is what was last flushed. Call sinktest.Run in its own
test to invoke the suite:

	func TestStore(t *testing.T) {
		store := New(client, "test")
		sinktest.Run(t, store)
	}

Stores may return districts in any order; the suite compares them by id. Every
other collection must keep its order.

Stores are encouraged to perform additional tests specific to their backend,
such as the layout of their keys.
*/
package sinktest

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-digitaltwin/citytwin"
	"github.com/google/go-cmp/cmp"
)

// Store is a flush sink that can read back what it stored.
type Store interface {
	Flush(ctx context.Context, city *citytwin.City) error
	Load(ctx context.Context) (*citytwin.City, error)
}

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// The state flushed by the case. Cases flush in order, so each state is a
	// successor of the previous case's state.
	state func() *citytwin.City
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func city() *citytwin.City {
	return &citytwin.City{
		CityID:   "sinktest-city",
		Metadata: citytwin.Metadata{Name: "Sink Test", Version: "1.0", LastUpdated: t0},
	}
}

func district(id string, sensors ...*citytwin.Sensor) *citytwin.District {
	d := &citytwin.District{
		DistrictID: id,
		Name:       strings.ToUpper(id),
		Location:   citytwin.Center{Latitude: 42.35, Longitude: 13.4},
		Boundary:   citytwin.BoundaryBox{North: 42.4, South: 42.3, East: 13.5, West: 13.3},
	}
	for _, s := range sensors {
		d.Sensors.Put(s)
	}
	return d
}

func speedSensor(edge string, kmh float64) *citytwin.Sensor {
	return &citytwin.Sensor{
		SensorID:    "speed-" + edge,
		Type:        citytwin.SensorTypeSpeed,
		EdgeID:      edge,
		Value:       kmh,
		Unit:        citytwin.UnitKmh,
		Status:      citytwin.SensorActive,
		LastUpdated: t0,
		Metadata:    &citytwin.SensorMetadata{AverageSpeed: ptr(kmh)},
	}
}

func withShared(c *citytwin.City) *citytwin.City {
	c.Vehicles.Put(&citytwin.Vehicle{VehicleID: "bus-1", Type: "bus", LastUpdated: t0})
	c.Vehicles.Put(&citytwin.Vehicle{VehicleID: "car-7", Type: "car", LastUpdated: t0})
	c.PublicTransport.Buses.Put(&citytwin.Bus{BusID: "bus-1", Route: "5", Status: citytwin.BusOnTime, Occupancy: ptr(12), LastUpdated: t0})
	c.EmergencyServices.Incidents.Put(&citytwin.Incident{IncidentID: "INC-car-7", Type: "collision", ReportedAt: t0, LastUpdated: t0})
	c.Graph.Nodes.Put(&citytwin.Node{NodeID: "N-1", Type: "intersection"})
	c.Graph.Nodes.Put(&citytwin.Node{NodeID: "N-2", Type: "intersection"})
	c.Graph.Edges.Put(&citytwin.Edge{EdgeID: "E-1", FromNode: "N-1", ToNode: "N-2", LastUpdated: t0})
	return c
}

var cases = []testCase{
	{
		name:     "empty-city",
		location: locateSource(),
		state:    city,
	},
	{
		name:     "first-district",
		location: locateSource(),
		state: func() *citytwin.City {
			c := city()
			c.Districts.Put(district("centro", speedSensor("E1", 42)))
			return c
		},
	},
	{
		name:     "second-district",
		location: locateSource(),
		state: func() *citytwin.City {
			c := city()
			c.Districts.Put(district("centro", speedSensor("E1", 42)))
			c.Districts.Put(district("bazzano", speedSensor("E9", 70), speedSensor("E3", 30)))
			return c
		},
	},
	{
		name:     "sensor-updated",
		location: locateSource(),
		state: func() *citytwin.City {
			c := city()
			c.Districts.Put(district("centro", speedSensor("E1", 38)))
			c.Districts.Put(district("bazzano", speedSensor("E9", 70), speedSensor("E3", 30)))
			return c
		},
	},
	{
		name:     "shared-sections",
		location: locateSource(),
		state: func() *citytwin.City {
			c := city()
			c.Districts.Put(district("centro", speedSensor("E1", 38)))
			c.Districts.Put(district("bazzano", speedSensor("E9", 70), speedSensor("E3", 30)))
			return withShared(c)
		},
	},
	{
		// Stores mirror the flushed state; they do not accumulate districts.
		name:     "district-dropped",
		location: locateSource(),
		state: func() *citytwin.City {
			c := city()
			c.Districts.Put(district("bazzano", speedSensor("E9", 70), speedSensor("E3", 30)))
			return withShared(c)
		},
	},
	{
		name:     "shared-emptied",
		location: locateSource(),
		state: func() *citytwin.City {
			c := city()
			c.Districts.Put(district("bazzano", speedSensor("E9", 70), speedSensor("E3", 30)))
			return c
		},
	},
}

// Run flushes a sequence of states to store, loading each back before the
// next one is flushed.
//
// All cases run in order on the same store: a store must replace what it held
// with every flush, and the suite cannot check that without a history.
func Run(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	for _, c := range cases {
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		flushed := c.state()
		if err := store.Flush(ctx, flushed); err != nil {
			t.Fatalf("Flush(%v) failed: %v", c.name, err)
		}
		if diff := cmp.Diff(canonical(t, c.state()), canonical(t, flushed)); diff != "" {
			t.Errorf("Flush(%v) modified the city (-want +got):\n%s", c.name, diff)
		}
		loaded, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load(%v) failed: %v", c.name, err)
		}
		if loaded == nil {
			t.Fatalf("Load(%v) found no state", c.name)
		}
		if diff := cmp.Diff(canonical(t, flushed), canonical(t, loaded)); diff != "" {
			t.Errorf("Load(%v) mismatch (-flushed +loaded):\n%s", c.name, diff)
		}
	}
}

// canonical returns the generic JSON tree of city with its districts sorted by
// id.
func canonical(t *testing.T, city *citytwin.City) any {
	t.Helper()
	b, err := json.Marshal(city)
	if err != nil {
		t.Fatalf("marshal city: %v", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(b, &tree); err != nil {
		t.Fatalf("unmarshal city: %v", err)
	}
	districts, _ := tree["districts"].([]any)
	slices.SortFunc(districts, func(a, b any) int {
		return strings.Compare(districtID(a), districtID(b))
	})
	return tree
}

func districtID(v any) string {
	id, _ := v.(map[string]any)["districtId"].(string)
	return id
}

// Call this function to set the location of every test-case in the source file.
// The returned string guides developers of stores to the failing case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
