// Package neo4jgraph mirrors the city's road graph into Neo4j, where routing and
// network analysis queries run against it.
//
// Intersections become (:Intersection {nodeId}) nodes and road segments become
// [:ROAD {edgeId}] relationships from their fromNode to their toNode. The mirror
// is a flush sink: every flush makes the database match the graph it is given,
// and flushes of an unchanged graph are skipped.
package neo4jgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/citytwin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	intersectionLabel = "Intersection"
	roadType          = "ROAD"
)

// Mirror writes the road graph to a Neo4j database prepared by
// BootstrapDatabase.
type Mirror struct {
	driver   neo4j.DriverWithContext
	database string

	mu     sync.Mutex // serialises writes and guards last
	last   citytwin.StateHash
	writes atomic.Int64
}

// NewMirror returns a Mirror writing to database.
func NewMirror(driver neo4j.DriverWithContext, database string) *Mirror {
	return &Mirror{driver: driver, database: database}
}

// Name identifies the mirror in logs and metrics.
func (m *Mirror) Name() string { return "neo4j" }

// Writes returns the number of flushes that actually wrote to the database.
func (m *Mirror) Writes() int64 { return m.writes.Load() }

// Flush makes the database hold exactly the road graph of city. Nothing is
// written when the graph is unchanged since the last successful flush.
func (m *Mirror) Flush(ctx context.Context, city *citytwin.City) (err error) {
	hash, err := citytwin.ContentAddress(&city.Graph)
	if err != nil {
		return fmt.Errorf("hash graph: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if hash == m.last {
		measureSkip(ctx, m.database)
		return nil
	}

	ctx, span := tracer.Start(ctx, "neo4jgraph.Flush", trace.WithAttributes(
		attribute.String("neo4j.database", m.database),
		attribute.Stringer("graph.hash", hash),
		attribute.Int("graph.nodes", city.Graph.Nodes.Len()),
		attribute.Int("graph.edges", city.Graph.Edges.Len()),
	))
	defer span.End()
	defer func(start time.Time) {
		measureWrite(ctx, m.database, err == nil, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())
	logger := component.Logger(ctx).With("neo4j.database", m.database)

	s := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.database, AccessMode: neo4j.AccessModeWrite})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	nodes, edges := graphRows(&city.Graph)
	_, err = s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, writeGraph(ctx, tx, nodes, edges)
	})
	if err != nil {
		return fmt.Errorf("write graph: %w", err)
	}
	m.last = hash
	m.writes.Add(1)
	logger.Debug("Road graph mirrored", slog.Int("nodes", len(nodes)), slog.Int("edges", len(edges)))
	return nil
}

func writeGraph(ctx context.Context, tx neo4j.ManagedTransaction, nodes, edges []map[string]any) error {
	nodeIDs := make([]string, len(nodes))
	for i, n := range nodes {
		nodeIDs[i] = n["nodeId"].(string)
	}
	ends := make([]map[string]any, len(edges))
	for i, e := range edges {
		ends[i] = map[string]any{"edgeId": e["edgeId"], "fromNode": e["fromNode"], "toNode": e["toNode"]}
	}

	// Drop what the graph no longer holds before merging what it does. A road
	// whose endpoints moved is dropped too: the edgeId key allows only one
	// relationship, so it cannot be merged again between the new endpoints.
	if _, err := tx.Run(ctx, `
		MATCH (a)-[r:`+roadType+`]->(b)
		WITH a, r, b, [e IN $ends WHERE e.edgeId = r.edgeId][0] AS e
		WHERE e IS NULL OR a.nodeId <> e.fromNode OR b.nodeId <> e.toNode
		DELETE r
	`, map[string]any{"ends": ends}); err != nil {
		return fmt.Errorf("delete roads: %w", err)
	}
	if _, err := tx.Run(ctx, `
		MATCH (n:`+intersectionLabel+`)
		WHERE NOT n.nodeId IN $ids AND NOT EXISTS { (n)--() }
		DELETE n
	`, map[string]any{"ids": nodeIDs}); err != nil {
		return fmt.Errorf("delete intersections: %w", err)
	}

	if _, err := tx.Run(ctx, `
		UNWIND $rows AS row
		MERGE (n:`+intersectionLabel+` {nodeId: row.nodeId})
		SET n += row
	`, map[string]any{"rows": nodes}); err != nil {
		return fmt.Errorf("merge intersections: %w", err)
	}
	// Endpoints missing from the node list are created bare, so a road is never
	// silently dropped.
	if _, err := tx.Run(ctx, `
		UNWIND $rows AS row
		MERGE (a:`+intersectionLabel+` {nodeId: row.fromNode})
		MERGE (b:`+intersectionLabel+` {nodeId: row.toNode})
		MERGE (a)-[r:`+roadType+` {edgeId: row.edgeId}]->(b)
		SET r += row
	`, map[string]any{"rows": edges}); err != nil {
		return fmt.Errorf("merge roads: %w", err)
	}
	return nil
}

// graphRows flattens the graph into property maps; Neo4j properties cannot
// nest.
func graphRows(g *citytwin.Graph) (nodes, edges []map[string]any) {
	for _, n := range g.Nodes.All() {
		row := map[string]any{
			"nodeId":    n.NodeID,
			"type":      n.Type,
			"name":      n.Name,
			"latitude":  n.Location.Latitude,
			"longitude": n.Location.Longitude,
		}
		if n.TrafficLight != nil {
			row["trafficLight"] = string(n.TrafficLight.State)
		}
		nodes = append(nodes, row)
	}
	for _, e := range g.Edges.All() {
		tc := e.TrafficConditions
		edges = append(edges, map[string]any{
			"edgeId":          e.EdgeID,
			"roadSegmentId":   e.RoadSegmentID,
			"name":            e.Name,
			"fromNode":        e.FromNode,
			"toNode":          e.ToNode,
			"distance":        e.Distance,
			"speedLimit":      e.SpeedLimit,
			"lanes":           int64(e.Lanes),
			"direction":       e.Direction,
			"averageSpeed":    tc.AverageSpeed,
			"congestionLevel": string(tc.CongestionLevel),
			"vehicleCount":    int64(tc.VehicleCount),
			"travelTime":      tc.TravelTime,
			"lastUpdated":     e.LastUpdated.UTC().Format(time.RFC3339Nano),
		})
	}
	return nodes, edges
}

// Counts returns the number of intersections and roads in the database.
func (m *Mirror) Counts(ctx context.Context) (nodes, roads int64, err error) {
	s := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.database, AccessMode: neo4j.AccessModeRead})
	defer func() { _ = s.Close(ctx) }()

	record, err := neo4j.ExecuteRead(ctx, s, func(tx neo4j.ManagedTransaction) (*neo4j.Record, error) {
		result, err := tx.Run(ctx, `
			OPTIONAL MATCH (n:`+intersectionLabel+`)
			WITH count(n) AS nodes
			OPTIONAL MATCH ()-[r:`+roadType+`]->()
			RETURN nodes, count(r) AS roads
		`, nil)
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		return result.Single(ctx)
	})
	if err != nil {
		return 0, 0, err
	}
	if nodes, err = getRecordProperty[int64](record, "nodes"); err != nil {
		return 0, 0, fmt.Errorf("get nodes: %w", err)
	}
	if roads, err = getRecordProperty[int64](record, "roads"); err != nil {
		return 0, 0, fmt.Errorf("get roads: %w", err)
	}
	return nodes, roads, nil
}

// Road returns the properties of the road with the given edge id. Its fromNode
// and toNode are read from the relationship's actual endpoints.
func (m *Mirror) Road(ctx context.Context, edgeID string) (map[string]any, error) {
	s := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.database, AccessMode: neo4j.AccessModeRead})
	defer func() { _ = s.Close(ctx) }()

	return neo4j.ExecuteRead(ctx, s, func(tx neo4j.ManagedTransaction) (map[string]any, error) {
		result, err := tx.Run(ctx, `
			MATCH (a)-[r:`+roadType+` {edgeId: $id}]->(b)
			RETURN properties(r) {.*, fromNode: a.nodeId, toNode: b.nodeId} AS props
		`, map[string]any{"id": edgeID})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("query single result: %w", err)
		}
		props, ok := record.Get("props")
		if !ok {
			return nil, errPropertyNotFound
		}
		out, ok := props.(map[string]any)
		if !ok {
			return nil, unexpectedPropertyTypeError{Type: reflect.TypeOf(props)}
		}
		return out, nil
	})
}

var errPropertyNotFound = errors.New("property not found")

type unexpectedPropertyTypeError struct {
	Type reflect.Type
}

func (e unexpectedPropertyTypeError) Error() string {
	return fmt.Sprintf("unexpected property type %v", e.Type)
}

// recordProperty lists the property types getRecordProperty may return.
type recordProperty interface {
	int64 | float64 | string
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}
