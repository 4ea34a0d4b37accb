package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-digitaltwin/citytwin"
	"github.com/go-digitaltwin/citytwin/ingest"
	"github.com/go-digitaltwin/citytwin/normalize"
	"github.com/go-digitaltwin/citytwin/snapshot"
	"github.com/go-digitaltwin/citytwin/statecache"
	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newState(t *testing.T) *statecache.Cache {
	t.Helper()
	cache := statecache.New("test-city", citytwin.Metadata{Name: "Test", Version: "1"})
	n := normalize.New(normalize.DefaultTopics())
	for _, m := range []struct{ topic, payload string }{
		{"city-speed-sensors", `{"district_id":"D1","edge_id":"E7","speed_kmh":42,"timestamp":"2025-03-01T12:00:00Z"}`},
		{"vehicles-telemetry", `{"vehicle_id":"V1","type":"car","speed_kmh":30,"timestamp":"2025-03-01T12:00:00Z"}`},
	} {
		u, err := n.Normalize(m.topic, []byte(m.payload))
		if err != nil {
			t.Fatal(err)
		}
		if err := cache.ApplyUpdate(u); err != nil {
			t.Fatal(err)
		}
	}
	return cache
}

type fakeSnapshots map[string]*snapshot.Document

func (f fakeSnapshots) Get(_ context.Context, id string) (*snapshot.Document, error) {
	if d, ok := f[id]; ok {
		return d, nil
	}
	return nil, snapshot.ErrNotFound
}

func (f fakeSnapshots) Latest(_ context.Context) (*snapshot.Document, error) {
	var latest *snapshot.Document
	for _, d := range f {
		if latest == nil || d.Version > latest.Version {
			latest = d
		}
	}
	if latest == nil {
		return nil, snapshot.ErrNotFound
	}
	return latest, nil
}

// get serves a GET request and decodes the JSON response body.
func get(t *testing.T, h http.Handler, path string) (int, any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("GET %s: decode body %q: %v", path, rec.Body, err)
		}
	}
	return rec.Code, body
}

func TestServer_routes(t *testing.T) {
	snapshots := fakeSnapshots{
		"a": {ID: "a", Version: 1, Timestamp: t0, State: []byte(`{"cityId":"test-city"}`)},
		"b": {ID: "b", Version: 2, Timestamp: t0, State: []byte(`{"cityId":"test-city"}`)},
	}
	srv := New(newState(t),
		WithSnapshots(snapshots),
		WithStats("answer", func() any { return 42 }),
	)

	tests := []struct {
		Name   string
		Path   string
		Status int
		Check  func(t *testing.T, body any)
	}{
		{Name: "state", Path: "/api/state", Status: http.StatusOK, Check: func(t *testing.T, body any) {
			if id := body.(map[string]any)["cityId"]; id != "test-city" {
				t.Errorf("cityId = %v", id)
			}
		}},
		{Name: "district", Path: "/api/districts/D1", Status: http.StatusOK, Check: func(t *testing.T, body any) {
			if id := body.(map[string]any)["districtId"]; id != "D1" {
				t.Errorf("districtId = %v", id)
			}
		}},
		{Name: "district/missing", Path: "/api/districts/D9", Status: http.StatusNotFound},
		{Name: "district/sensors", Path: "/api/districts/D1/sensors", Status: http.StatusOK, Check: func(t *testing.T, body any) {
			sensors := body.([]any)
			if len(sensors) != 1 || sensors[0].(map[string]any)["sensorId"] != "speed-E7" {
				t.Errorf("sensors = %v", sensors)
			}
		}},
		{Name: "district/buildings", Path: "/api/districts/D1/buildings", Status: http.StatusOK, Check: func(t *testing.T, body any) {
			if diff := cmp.Diff([]any{}, body); diff != "" {
				t.Errorf("buildings mismatch (-want +got):\n%s", diff)
			}
		}},
		{Name: "district/weather stations", Path: "/api/districts/D1/weather-stations", Status: http.StatusOK},
		{Name: "vehicles", Path: "/api/vehicles", Status: http.StatusOK, Check: func(t *testing.T, body any) {
			if n := len(body.([]any)); n != 1 {
				t.Errorf("got %d vehicles, want 1", n)
			}
		}},
		{Name: "transport", Path: "/api/transport", Status: http.StatusOK},
		{Name: "emergency", Path: "/api/emergency", Status: http.StatusOK},
		{Name: "graph", Path: "/api/graph", Status: http.StatusOK},
		{Name: "snapshot/latest", Path: "/api/snapshots/latest", Status: http.StatusOK, Check: func(t *testing.T, body any) {
			doc := body.(map[string]any)
			if doc["id"] != "b" || doc["state"].(map[string]any)["cityId"] != "test-city" {
				t.Errorf("latest snapshot = %v", doc)
			}
		}},
		{Name: "snapshot/by id", Path: "/api/snapshots/a", Status: http.StatusOK, Check: func(t *testing.T, body any) {
			if v := body.(map[string]any)["version"]; v != 1.0 {
				t.Errorf("version = %v, want 1", v)
			}
		}},
		{Name: "snapshot/missing", Path: "/api/snapshots/zzz", Status: http.StatusNotFound},
		{Name: "stats", Path: "/api/stats", Status: http.StatusOK, Check: func(t *testing.T, body any) {
			if diff := cmp.Diff(map[string]any{"answer": 42.0}, body); diff != "" {
				t.Errorf("stats mismatch (-want +got):\n%s", diff)
			}
		}},
		{Name: "healthz without liveness", Path: "/healthz", Status: http.StatusOK},
		{Name: "websocket disabled", Path: "/ws", Status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			status, body := get(t, srv, tt.Path)
			if status != tt.Status {
				t.Fatalf("GET %s status = %d, want %d", tt.Path, status, tt.Status)
			}
			if tt.Check != nil {
				tt.Check(t, body)
			}
		})
	}
}

func TestServer_snapshotsDisabled(t *testing.T) {
	srv := New(newState(t))
	if status, _ := get(t, srv, "/api/snapshots/latest"); status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", status, http.StatusServiceUnavailable)
	}
}

func TestServer_health(t *testing.T) {
	now := t0
	var health ingest.Health
	srv := New(newState(t),
		WithLiveness(&health, time.Minute),
		WithClock(func() time.Time { return now }),
	)

	if status, _ := get(t, srv, "/healthz"); status != http.StatusServiceUnavailable {
		t.Errorf("status before the first beat = %d, want %d", status, http.StatusServiceUnavailable)
	}

	health.Beat(t0)
	now = t0.Add(30 * time.Second)
	status, body := get(t, srv, "/healthz")
	if status != http.StatusOK || body.(map[string]any)["status"] != "ok" {
		t.Errorf("healthz = %d %v, want 200 ok", status, body)
	}

	now = t0.Add(2 * time.Minute)
	status, body = get(t, srv, "/healthz")
	if status != http.StatusServiceUnavailable || body.(map[string]any)["status"] != "stale" {
		t.Errorf("healthz = %d %v, want 503 stale", status, body)
	}
}

func TestServer_websocket(t *testing.T) {
	var served bool
	srv := New(newState(t), WithWebsocket(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = true
		w.WriteHeader(http.StatusNoContent)
	})))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !served {
		t.Error("/ws did not reach the websocket handler")
	}
}
