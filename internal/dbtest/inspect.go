package dbtest

import (
	"flag"
	"os"
	"os/signal"
	"testing"
)

// Inspect keeps a container alive after a failed test until the developer
// presses Ctrl+C, so the stored city state can be examined by hand. The
// testcontainers reaper still removes the container eventually.
var Inspect = flag.Bool("dbtest.inspect", false, "keep the database container of a failed test running until interrupted")

// holdForInspection registers a cleanup on t that, when t failed and -dbtest.inspect
// is set, logs where to reach the container and blocks until SIGINT. Register it
// after the termination cleanup so it runs first.
func holdForInspection(t *testing.T, containerID string, endpoints ...string) {
	t.Cleanup(func() {
		if !t.Failed() || !*Inspect {
			return
		}
		t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", containerID)
		for _, e := range endpoints {
			t.Log(e)
		}

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		defer signal.Stop(c)
		<-c
	})
}
