package neo4jgraph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-digitaltwin/citytwin"
	"github.com/go-digitaltwin/citytwin/internal/dbtest"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func testGraph() *citytwin.City {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	city := &citytwin.City{CityID: "test"}
	for i := 1; i <= 3; i++ {
		city.Graph.Nodes.Put(&citytwin.Node{
			NodeID:   fmt.Sprintf("N-%03d", i),
			Type:     "intersection",
			Location: citytwin.Location{Latitude: 42.35, Longitude: 13.40 + float64(i)/100},
		})
	}
	city.Graph.Edges.Put(&citytwin.Edge{EdgeID: "E-001", FromNode: "N-001", ToNode: "N-002", Distance: 120, SpeedLimit: 50, Lanes: 2, LastUpdated: ts})
	city.Graph.Edges.Put(&citytwin.Edge{EdgeID: "E-002", FromNode: "N-002", ToNode: "N-003", Distance: 80, SpeedLimit: 30, Lanes: 1, LastUpdated: ts})
	return city
}

func assertCounts(t *testing.T, m *Mirror, wantNodes, wantRoads int64) {
	t.Helper()
	nodes, roads, err := m.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if nodes != wantNodes || roads != wantRoads {
		t.Errorf("Counts() = %d nodes, %d roads; want %d, %d", nodes, roads, wantNodes, wantRoads)
	}
}

func TestMirror(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	ctx := context.Background()
	const database = "roadgraph"
	if err := BootstrapDatabase(ctx, d, database); err != nil {
		t.Fatalf("BootstrapDatabase() error = %v", err)
	}
	m := NewMirror(d, database)

	city := testGraph()
	if err := m.Flush(ctx, city); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	assertCounts(t, m, 3, 2)

	t.Run("unchanged graph is skipped", func(t *testing.T) {
		if err := m.Flush(ctx, testGraph()); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if m.Writes() != 1 {
			t.Errorf("Writes() = %d, want 1", m.Writes())
		}
	})

	t.Run("traffic conditions are updated", func(t *testing.T) {
		e, _ := city.Graph.Edges.Get("E-001")
		e.TrafficConditions = citytwin.TrafficConditions{AverageSpeed: 23.5, CongestionLevel: citytwin.CongestionHigh, VehicleCount: 14}
		if err := m.Flush(ctx, city); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		props, err := m.Road(ctx, "E-001")
		if err != nil {
			t.Fatalf("Road() error = %v", err)
		}
		if props["averageSpeed"] != 23.5 || props["congestionLevel"] != "high" || props["vehicleCount"] != int64(14) {
			t.Errorf("Road(E-001) = %v", props)
		}
		assertCounts(t, m, 3, 2)
	})

	t.Run("moved road is re-pointed", func(t *testing.T) {
		e, _ := city.Graph.Edges.Get("E-001")
		e.ToNode = "N-003"
		if err := m.Flush(ctx, city); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		props, err := m.Road(ctx, "E-001")
		if err != nil {
			t.Fatalf("Road() error = %v", err)
		}
		if props["fromNode"] != "N-001" || props["toNode"] != "N-003" {
			t.Errorf("Road(E-001) runs %v -> %v, want N-001 -> N-003", props["fromNode"], props["toNode"])
		}
		assertCounts(t, m, 3, 2)

		// The next change must still be writable.
		e.TrafficConditions.VehicleCount = 3
		if err := m.Flush(ctx, city); err != nil {
			t.Fatalf("Flush() after moving a road error = %v", err)
		}
		e.ToNode = "N-002"
		if err := m.Flush(ctx, city); err != nil {
			t.Fatalf("Flush() moving the road back error = %v", err)
		}
	})

	t.Run("removed road is deleted", func(t *testing.T) {
		city.Graph.Edges.Remove("E-002")
		city.Graph.Nodes.Remove("N-003")
		if err := m.Flush(ctx, city); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		assertCounts(t, m, 2, 1)
	})
}

func TestBootstrapDatabase_invalidName(t *testing.T) {
	// The name is validated before any connection is made.
	var d neo4j.DriverWithContext
	for _, name := range []string{"", "neo4j", "system2", "_private"} {
		if err := BootstrapDatabase(context.Background(), d, name); err == nil {
			t.Errorf("BootstrapDatabase(%q) succeeded, want an error", name)
		}
	}
}
