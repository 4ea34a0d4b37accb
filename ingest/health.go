package ingest

import (
	"sync/atomic"
	"time"
)

// Health is the loop's liveness signal. The loop beats it while idle, during
// long batches and after every batch; a signal that stops advancing means the
// loop is wedged.
//
// The zero value is ready to use and has never been beaten.
type Health struct {
	last atomic.Int64
}

// Beat records that the loop was alive at t.
func (h *Health) Beat(t time.Time) {
	h.last.Store(t.UnixNano())
}

// LastBeat returns the time of the most recent beat, or the zero time.
func (h *Health) LastBeat() time.Time {
	n := h.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Alive reports whether the loop beat within maxSilence of now.
func (h *Health) Alive(now time.Time, maxSilence time.Duration) bool {
	last := h.LastBeat()
	return !last.IsZero() && now.Sub(last) <= maxSilence
}
