package neo4jgraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// BootstrapDatabase creates the database and the key constraints the mirror
// relies on: intersections are unique by nodeId and roads by edgeId. The key
// constraints also index those properties, which the MERGE queries look up.
//
// Relationship key constraints require the enterprise edition.
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	constraints := []string{
		`CREATE CONSTRAINT intersection_node_id IF NOT EXISTS
		 FOR (n:` + intersectionLabel + `) REQUIRE n.nodeId IS NODE KEY`,
		`CREATE CONSTRAINT road_edge_id IF NOT EXISTS
		 FOR ()-[r:` + roadType + `]-() REQUIRE r.edgeId IS RELATIONSHIP KEY`,
	}
	// Schema commands cannot share a transaction with each other, so each runs
	// in its own auto-commit transaction.
	for _, c := range constraints {
		if _, err := s.Run(ctx, c, nil); err != nil {
			return fmt.Errorf("create constraint: %w", err)
		}
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("database name must not be empty")
	case name == "neo4j":
		return fmt.Errorf("database name %q is reserved for the default database", name)
	case strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_"):
		return fmt.Errorf("database name %q is reserved for internal use", name)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	_, err := s.Run(ctx, `CREATE DATABASE $name IF NOT EXISTS WAIT`, map[string]any{
		"name": name,
	})
	return err
}
