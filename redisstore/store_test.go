package redisstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-digitaltwin/citytwin"
	"github.com/go-digitaltwin/citytwin/internal/dbtest"
	"github.com/go-digitaltwin/citytwin/sinktest"
	"github.com/google/go-cmp/cmp"
)

func tree(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func testCity() *citytwin.City {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	city := &citytwin.City{
		CityID:   "laquila-dt-001",
		Metadata: citytwin.Metadata{Name: "L'Aquila Digital Twin", Version: "1.0", LastUpdated: ts},
	}
	for _, id := range []string{"district-centro", "district-bazzano"} {
		d := &citytwin.District{DistrictID: id, Name: id}
		d.Sensors.Put(&citytwin.Sensor{SensorID: "speed-E1", Type: citytwin.SensorTypeSpeed, Value: 42, Unit: citytwin.UnitKmh, Status: citytwin.SensorActive, LastUpdated: ts})
		city.Districts.Put(d)
	}
	city.Vehicles.Put(&citytwin.Vehicle{VehicleID: "bus-1", Type: "bus", LastUpdated: ts})
	city.PublicTransport.Buses.Put(&citytwin.Bus{BusID: "bus-1", Route: "5", Status: citytwin.BusOnTime, Occupancy: ptr(12), LastUpdated: ts})
	city.EmergencyServices.Incidents.Put(&citytwin.Incident{IncidentID: "INC-1", Type: "collision", ReportedAt: ts, LastUpdated: ts})
	city.Graph.Nodes.Put(&citytwin.Node{NodeID: "N-1", Type: "intersection"})
	city.Graph.Edges.Put(&citytwin.Edge{EdgeID: "E-1", FromNode: "N-1", ToNode: "N-2", LastUpdated: ts})
	return city
}

func TestStore_conformance(t *testing.T) {
	sinktest.Run(t, New(dbtest.SetupRedis(t), "sinktest"))
}

func TestStore(t *testing.T) {
	client := dbtest.SetupRedis(t)
	ctx := context.Background()
	store := New(client, "test")

	t.Run("empty", func(t *testing.T) {
		got, err := New(client, "never-flushed").Load(ctx)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got != nil {
			t.Errorf("Load() = %+v, want nil", got)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		city := testCity()
		if err := store.Flush(ctx, city); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		got, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		// Load sorts districts by id.
		want := testCity()
		want.Districts = citytwin.Collection[*citytwin.District]{}
		for _, id := range []string{"district-bazzano", "district-centro"} {
			d, _ := city.Districts.Get(id)
			want.Districts.Put(d)
		}
		if diff := cmp.Diff(tree(t, want), tree(t, got)); diff != "" {
			t.Errorf("Load() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("keys", func(t *testing.T) {
		members, err := client.SMembers(ctx, "test:districts").Result()
		if err != nil {
			t.Fatal(err)
		}
		if len(members) != 2 {
			t.Errorf("districts set holds %v, want 2 members", members)
		}
		n, err := client.Exists(ctx, "test:district:district-centro", "test:shared:vehicles", "test:graph", "test:meta").Result()
		if err != nil {
			t.Fatal(err)
		}
		if n != 4 {
			t.Errorf("%d of 4 expected keys exist", n)
		}
	})
}
