package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
city:
  id: laquila
  name: L'Aquila
  districts:
    - id: D1
      name: Centro Storico
ingest:
  batch_window: 20ms
  subscriptions:
    - topic: city-speed-sensors
      url: kafka://citytwin?topic=city-speed-sensors
    - topic: probes
      kind: speed
      url: mem://probes
snapshot:
  threshold: 10
`)
	t.Setenv("CITYTWIN_SERVER_ADDR", ":9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.City.ID != "laquila" || cfg.City.Version != "1.0" {
		t.Errorf("City = %+v", cfg.City)
	}
	if diff := cmp.Diff(map[string]string{"D1": "Centro Storico"}, cfg.City.DistrictNames()); diff != "" {
		t.Errorf("DistrictNames() mismatch (-want +got):\n%s", diff)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want the environment override", cfg.Server.Addr)
	}
	if cfg.Ingest.BatchWindow != 20*time.Millisecond || cfg.Ingest.MaxBatch != 500 {
		t.Errorf("Ingest batching = %v/%d", cfg.Ingest.BatchWindow, cfg.Ingest.MaxBatch)
	}
	wantSubs := []SubscriptionConfig{
		{Topic: "city-speed-sensors", Kind: "speed", URL: "kafka://citytwin?topic=city-speed-sensors"},
		{Topic: "probes", Kind: "speed", URL: "mem://probes"},
	}
	if diff := cmp.Diff(wantSubs, cfg.Ingest.Subscriptions); diff != "" {
		t.Errorf("Subscriptions mismatch (-want +got):\n%s", diff)
	}
	if cfg.Snapshot.Threshold != 10 || cfg.Snapshot.MaxInterval != 5*time.Minute {
		t.Errorf("Snapshot = %+v", cfg.Snapshot)
	}
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := len(cfg.Ingest.Subscriptions); got != 9 {
		t.Fatalf("got %d default subscriptions, want 9", got)
	}
	for _, s := range cfg.Ingest.Subscriptions {
		if s.Kind == "" || s.URL != "mem://"+s.Topic {
			t.Errorf("default subscription = %+v", s)
		}
	}
	if cfg.Redis.URL != "" || cfg.Neo4j.URI != "" {
		t.Error("optional sinks are enabled by default")
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing explicit file succeeded")
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		Name    string
		Content string
		Want    string
	}{
		{Name: "log level", Content: "log: {level: loud}", Want: "log level"},
		{Name: "log format", Content: "log: {format: xml}", Want: "log format"},
		{Name: "unknown kind", Content: "ingest: {subscriptions: [{topic: parking, url: 'mem://parking'}]}", Want: "unknown kind"},
		{Name: "batch", Content: "ingest: {max_batch: 0}", Want: "ingest.max_batch"},
		{Name: "silence", Content: "ingest: {max_silence: 1s}", Want: "ingest.max_silence"},
		{Name: "snapshot interval", Content: "snapshot: {max_interval: 1s}", Want: "snapshot.max_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.Content))
			if err == nil || !strings.Contains(err.Error(), tt.Want) {
				t.Errorf("Load() error = %v, want one mentioning %q", err, tt.Want)
			}
		})
	}
}
