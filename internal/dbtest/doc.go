/*
Package dbtest spins up the databases the city twin persists to (Neo4j for the
road-graph mirror and Redis for the durable state) in containers for tests. It
wraps the testcontainers-go modules with the settings our deployments use.

Use SetupNeo4j or SetupRedis when a test needs a working database and does
not care how it is deployed. Tests that need a customised server should use the
testcontainers-go modules directly.

Developing locally with Docker, you may want to manually inspect the database
after a test failure. To do this, set the Inspect flag to true:

	go test -dbtest.inspect

Every helper skips its test in '-short' mode.
*/
package dbtest
