package dbtest

import (
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
)

// containerOptions prepends a logger writing to tb to opts.
func containerOptions(tb testing.TB, opts ...testcontainers.ContainerCustomizer) []testcontainers.ContainerCustomizer {
	customizers := make([]testcontainers.ContainerCustomizer, 0, len(opts)+1)
	customizers = append(customizers, testcontainers.WithLogger(log.TestLogger(tb)))
	return append(customizers, opts...)
}

// WithWaitForExposedPort adds a wait for the container's exposed port on top of
// whatever wait strategy the module already set. Use it only with single-port
// containers.
func WithWaitForExposedPort() testcontainers.CustomizeRequestOption {
	return func(req *testcontainers.GenericContainerRequest) error {
		strategies := []wait.Strategy{wait.ForExposedPort()}
		if req.WaitingFor != nil {
			strategies = append(strategies, req.WaitingFor)
		}
		return testcontainers.WithWaitStrategy(strategies...).Customize(req)
	}
}
