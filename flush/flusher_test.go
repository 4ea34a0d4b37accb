package flush

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-digitaltwin/citytwin"
	"github.com/go-digitaltwin/citytwin/sinktest"
	"github.com/go-digitaltwin/citytwin/statecache"
	"github.com/google/go-cmp/cmp"
)

// memorySink keeps the JSON encoding of the last city it was given.
type memorySink struct {
	name string
	err  error

	mu      sync.Mutex
	stored  []byte
	flushes int
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Flush(_ context.Context, city *citytwin.City) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	if s.err != nil {
		return s.err
	}
	b, err := json.Marshal(city)
	if err != nil {
		return err
	}
	s.stored = b
	return nil
}

func (s *memorySink) Load(context.Context) (*citytwin.City, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stored == nil {
		return nil, nil
	}
	city := new(citytwin.City)
	if err := json.Unmarshal(s.stored, city); err != nil {
		return nil, err
	}
	return city, nil
}

func (s *memorySink) snapshot() (stored []byte, flushes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, s.flushes
}

// The test sink must behave like a real store for the flusher tests to hold.
func TestMemorySink(t *testing.T) {
	sinktest.Run(t, &memorySink{name: "memory"})
}

func decode(t *testing.T, b []byte) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

func newCache(t *testing.T) *statecache.Cache {
	t.Helper()
	c := statecache.New("test-city", citytwin.Metadata{Name: "Test"})
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, u := range []citytwin.Update{
		{ShardKey: "D1", Timestamp: ts, Change: citytwin.SpeedChange{DistrictID: "D1", EdgeID: "E7", SensorID: "speed-E7", SpeedKmh: 42}},
		{ShardKey: citytwin.SharedShard, Timestamp: ts, Change: citytwin.VehicleChange{VehicleID: "V1", Type: "car"}},
	} {
		if err := c.ApplyUpdate(u); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func TestFlusher_Flush_storedEqualsCache(t *testing.T) {
	cache := newCache(t)
	sink := &memorySink{name: "memory"}
	f := New(cache, time.Hour, sink)

	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	want, err := json.Marshal(cache.ExportFullState())
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := sink.snapshot()
	if diff := cmp.Diff(decode(t, want), decode(t, stored)); diff != "" {
		t.Errorf("stored state differs from the cache (-cache +stored):\n%s", diff)
	}
}

func TestFlusher_Flush_failingSink(t *testing.T) {
	boom := errors.New("connection refused")
	healthy := &memorySink{name: "healthy"}
	broken := &memorySink{name: "broken", err: boom}
	f := New(newCache(t), time.Hour, broken, healthy)

	err := f.Flush(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Flush() error = %v, want %v", err, boom)
	}
	if stored, _ := healthy.snapshot(); stored == nil {
		t.Error("a failing sink prevented the healthy sink from being written")
	}
	stats := f.Stats()
	if stats.Flushes != 1 || stats.Failures != 1 || !stats.LastFlush.IsZero() {
		t.Errorf("Stats() = %+v, want one failed flush", stats)
	}
}

func TestFlusher_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &memorySink{name: "memory"}
	f := New(newCache(t), 5*time.Millisecond, sink)

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, n := sink.snapshot(); n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run() did not flush three times before the deadline")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if f.Stats().LastFlush.IsZero() {
		t.Error("Stats() reports no successful flush")
	}
}
