package normalize

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/go-digitaltwin/citytwin"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var (
	receivedAt = time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	eventTime  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func ptr[T any](v T) *T { return &v }

func newTestNormalizer() *Normalizer {
	return New(DefaultTopics(),
		WithClock(func() time.Time { return receivedAt }),
		WithDefaultElevation(700),
	)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		Name    string
		Topic   string
		Payload string
		Want    citytwin.Update
	}{
		{
			Name:  "speed",
			Topic: "city-speed-sensors",
			Payload: `{"district_id":"D1","edge_id":"E7","latitude":42.35,"longitude":13.4,"speed_kmh":42,
				"sensor_readings":[{"sensor_id":"s1","speed_kmh":40},{"sensor_id":"s2","speed_kmh":44}],
				"timestamp":"2025-03-01T12:00:00Z"}`,
			Want: citytwin.Update{
				Collection: citytwin.CollectionSensors,
				ShardKey:   "D1",
				EntityID:   "speed-E7",
				Strategy:   citytwin.MergeFields,
				Timestamp:  eventTime,
				Change: citytwin.SpeedChange{
					DistrictID: "D1",
					EdgeID:     "E7",
					SensorID:   "speed-E7",
					SpeedKmh:   42,
					Location:   &citytwin.Location{Latitude: 42.35, Longitude: 13.4},
					Readings:   []citytwin.SpeedReading{{SensorID: "s1", SpeedKmh: 40}, {SensorID: "s2", SpeedKmh: 44}},
				},
			},
		},
		{
			Name:    "weather/defaults",
			Topic:   "city-weather-sensors",
			Payload: `{"district_id":"D1","edge_id":"E7","latitude":42.35,"longitude":13.4,"temperature_c":12.5,"humidity":61,"weather_conditions":"Rain"}`,
			Want: citytwin.Update{
				Collection: citytwin.CollectionWeatherStations,
				ShardKey:   "D1",
				EntityID:   "ws-E7",
				Strategy:   citytwin.MergeFields,
				Timestamp:  receivedAt,
				Change: citytwin.WeatherChange{
					DistrictID: "D1",
					EdgeID:     "E7",
					StationID:  "ws-E7",
					Name:       "Weather Station E7",
					Location:   &citytwin.Location{Latitude: 42.35, Longitude: 13.4, Elevation: ptr(700.0)},
					Readings:   citytwin.Readings{Temperature: ptr(12.5), Humidity: ptr(61.0), Condition: citytwin.WeatherRain},
				},
			},
		},
		{
			Name:    "camera",
			Topic:   "city-camera-sensors",
			Payload: `{"district_id":"D2","edge_id":"E1","road_condition":"accident","confidence_score":0.87,"vehicle_count":14,"timestamp":"2025-03-01T12:00:00"}`,
			Want: citytwin.Update{
				Collection: citytwin.CollectionSensors,
				ShardKey:   "D2",
				EntityID:   "camera-E1",
				Strategy:   citytwin.MergeFields,
				Timestamp:  eventTime,
				Change: citytwin.CameraChange{
					DistrictID:      "D2",
					EdgeID:          "E1",
					SensorID:        "camera-E1",
					RoadCondition:   "accident",
					ConfidenceScore: ptr(0.87),
					VehicleCount:    ptr(14),
				},
			},
		},
		{
			Name:    "environmental",
			Topic:   "city-environmental-sensors",
			Payload: `{"district_id":"D1","sensor_id":"noise-3","sensor_type":"noise","value":61.2,"unit":"dB","status":"DEGRADED","timestamp":1740830400}`,
			Want: citytwin.Update{
				Collection: citytwin.CollectionSensors,
				ShardKey:   "D1",
				EntityID:   "noise-3",
				Strategy:   citytwin.MergeFields,
				Timestamp:  eventTime,
				Change: citytwin.EnvironmentalChange{
					DistrictID: "D1",
					SensorID:   "noise-3",
					Type:       "noise",
					Value:      61.2,
					Unit:       "dB",
					Status:     citytwin.SensorDegraded,
				},
			},
		},
		{
			Name:    "vehicle",
			Topic:   "vehicles-telemetry",
			Payload: `{"vehicle_id":"amb-1","type":"Ambulance","latitude":42.35,"longitude":13.4,"altitude_m":720,"speed_kmh":55,"direction_degrees":90,"heading":"E","battery_level_percent":80,"incident_detected":false,"route_priority":"critical","current_destination":{"location_name":"Hospital","latitude":42.36,"longitude":13.41},"operational":true,"timestamp":"2025-03-01T12:00:00Z"}`,
			Want: citytwin.Update{
				Collection: citytwin.CollectionVehicles,
				ShardKey:   citytwin.SharedShard,
				EntityID:   "amb-1",
				Strategy:   citytwin.MergeFields,
				Timestamp:  eventTime,
				Change: citytwin.VehicleChange{
					VehicleID:        "amb-1",
					Type:             "ambulance",
					Location:         &citytwin.Location{Latitude: 42.35, Longitude: 13.4, Elevation: ptr(720.0)},
					Speed:            ptr(55.0),
					Heading:          ptr(90.0),
					Direction:        "E",
					BatteryLevel:     ptr(80.0),
					IncidentDetected: ptr(false),
					Priority:         "critical",
					Destination:      &citytwin.Destination{LocationName: "Hospital", Latitude: 42.36, Longitude: 13.41},
					Operational:      ptr(true),
				},
			},
		},
		{
			Name:    "transit/station",
			Topic:   "transit-gps",
			Payload: `{"station_id":"ST-1","name":"Terminal","routes":["5","7"],"waiting_passengers":12,"timestamp":"2025-03-01T12:00:00Z"}`,
			Want: citytwin.Update{
				Collection: citytwin.CollectionStations,
				ShardKey:   citytwin.SharedShard,
				EntityID:   "ST-1",
				Strategy:   citytwin.MergeFields,
				Timestamp:  eventTime,
				Change: citytwin.TransitChange{Station: &citytwin.Station{
					StationID: "ST-1",
					Name:      "Terminal",
					Routes:    []string{"5", "7"},
					Waiting:   ptr(12),
				}},
			},
		},
		{
			Name:    "incident",
			Topic:   "emergency-incidents",
			Payload: `{"incident_id":"INC-9","type":"fire","priority":"high","reported_at":"2025-03-01T11:59:00Z","responding_units":["fire-1"],"status":"open","timestamp":"2025-03-01T12:00:00Z"}`,
			Want: citytwin.Update{
				Collection: citytwin.CollectionIncidents,
				ShardKey:   citytwin.SharedShard,
				EntityID:   "INC-9",
				Strategy:   citytwin.MergeFields,
				Timestamp:  eventTime,
				Change: citytwin.IncidentChange{Incident: citytwin.Incident{
					IncidentID:      "INC-9",
					Type:            "fire",
					Priority:        "high",
					ReportedAt:      eventTime.Add(-time.Minute),
					RespondingUnits: []string{"fire-1"},
					Status:          "open",
				}},
			},
		},
		{
			Name:    "graph",
			Topic:   "traffic-graph",
			Payload: `{"nodes":[{"nodeId":"N-001","type":"intersection","location":{"latitude":42.35,"longitude":13.4}}],"edges":[{"edgeId":"E-000","fromNode":"N-001","toNode":"N-002","geometry":{"type":"LineString","coordinates":[[13.4,42.35],[13.41,42.36]]},"distance":120.5,"speedLimit":50,"lanes":2,"direction":"bidirectional"}]}`,
			Want: citytwin.Update{
				Collection: citytwin.CollectionGraph,
				ShardKey:   citytwin.SharedShard,
				EntityID:   "graph",
				Strategy:   citytwin.ReplaceRecord,
				Timestamp:  receivedAt,
				Change: citytwin.GraphChange{
					Nodes: []citytwin.Node{{NodeID: "N-001", Type: "intersection", Location: citytwin.Location{Latitude: 42.35, Longitude: 13.4}}},
					Edges: []citytwin.Edge{{
						EdgeID:     "E-000",
						FromNode:   "N-001",
						ToNode:     "N-002",
						Geometry:   citytwin.LineString{Type: "LineString", Coordinates: [][2]float64{{13.4, 42.35}, {13.41, 42.36}}},
						Distance:   120.5,
						SpeedLimit: 50,
						Lanes:      2,
						Direction:  "bidirectional",
					}},
				},
			},
		},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			got, err := n.Normalize(tt.Topic, []byte(tt.Payload))
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if diff := cmp.Diff(tt.Want, got); diff != "" {
				t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalize_building(t *testing.T) {
	n := newTestNormalizer()

	t.Run("full", func(t *testing.T) {
		payload := `{"building_id":"B1","district_id":"district-centro","name":"Hospital","type":"hospital","latitude":42.35,"longitude":13.39,
			"sensors":{"air_quality":[{"sensor_id":"B1-aq","pm25_ugm3":8.5,"status":"operational"}],"acoustic":[{"sensor_id":"B1-ac","noise_level_db":52}],"display":[{"sensor_id":"B1-d","message":"Welcome","status":"offline"}]},
			"emergency_exits":[{"exit_id":"X1","status":"blocked"}],
			"elevators":[{"elevator_id":"EL1","current_floor":3,"status":"maintenance"}],
			"timestamp":"2025-03-01T12:00:00Z"}`
		u, err := n.Normalize("buildings-monitoring", []byte(payload))
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if u.Strategy != citytwin.ReplaceRecord {
			t.Errorf("Strategy = %v, want %v", u.Strategy, citytwin.ReplaceRecord)
		}
		if u.ShardKey != "district-centro" {
			t.Errorf("ShardKey = %q, want district-centro", u.ShardKey)
		}
		b := u.Change.(citytwin.BuildingChange).Building
		if got := b.AirQualitySensors.Keys(); !cmp.Equal(got, []string{"B1-aq"}) {
			t.Errorf("air quality sensors = %v", got)
		}
		ac, _ := b.AcousticSensors.Get("B1-ac")
		if ac.Status != citytwin.ResourceOperational || *ac.Measurements.NoiseLevel != 52 {
			t.Errorf("acoustic sensor = %+v", ac)
		}
		display, _ := b.DisplaySensors.Get("B1-d")
		if display.Message != "Welcome" || display.Status != citytwin.ResourceOffline {
			t.Errorf("display sensor = %+v", display)
		}
		exit, _ := b.EmergencyExits.Get("X1")
		if exit.Status != citytwin.ResourceBlocked {
			t.Errorf("exit status = %q, want blocked", exit.Status)
		}
		el, _ := b.Elevators.Get("EL1")
		if el.CurrentFloor != 3 || el.Status != citytwin.ResourceMaintenance {
			t.Errorf("elevator = %+v", el)
		}
	})

	t.Run("full without element ids", func(t *testing.T) {
		payload := `{"building_id":"B2","district_id":"district-centro",
			"sensors":{"air_quality":[{"pm25_ugm3":8.5},{"pm25_ugm3":9.5}],"acoustic":[{"noise_level_db":52}],"display":[{"message":"Hi"}]},
			"emergency_exits":[{"status":"operational"},{"exit_id":"X9"},{"status":"blocked"}],
			"elevators":[{"current_floor":1},{"current_floor":4}]}`
		u, err := n.Normalize("buildings-monitoring", []byte(payload))
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		b := u.Change.(citytwin.BuildingChange).Building
		got := map[string][]string{
			"airQuality": b.AirQualitySensors.Keys(),
			"acoustic":   b.AcousticSensors.Keys(),
			"display":    b.DisplaySensors.Keys(),
			"exits":      b.EmergencyExits.Keys(),
			"elevators":  b.Elevators.Keys(),
		}
		want := map[string][]string{
			"airQuality": {"B2-aq", "B2-aq-2"},
			"acoustic":   {"B2-acoustic"},
			"display":    {"B2-display"},
			"exits":      {"B2-exit", "X9", "B2-exit-3"},
			"elevators":  {"B2-elevator", "B2-elevator-2"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("element ids mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("single sensor", func(t *testing.T) {
		payload := `{"building_id":"B1","district_id":"district-centro","sensor_type":"acoustic","measurements":{"noise_level_db":61,"peak_db":80,"average_db_1h":58},"timestamp":"2025-03-01T12:00:00Z"}`
		u, err := n.Normalize("buildings-monitoring", []byte(payload))
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if u.Strategy != citytwin.MergeFields {
			t.Errorf("Strategy = %v, want %v", u.Strategy, citytwin.MergeFields)
		}
		b := u.Change.(citytwin.BuildingChange).Building
		s, ok := b.AcousticSensors.Get("B1-acoustic")
		if !ok {
			t.Fatal("acoustic sensor B1-acoustic missing")
		}
		want := citytwin.Acoustic{NoiseLevel: ptr(61.0), Peak: ptr(80.0), Average1h: ptr(58.0)}
		if diff := cmp.Diff(want, s.Measurements); diff != "" {
			t.Errorf("measurements mismatch (-want +got):\n%s", diff)
		}
		if !s.LastUpdated.Equal(eventTime) {
			t.Errorf("LastUpdated = %v, want %v", s.LastUpdated, eventTime)
		}
	})
}

func TestNormalize_dropped(t *testing.T) {
	tests := []struct {
		Name    string
		Topic   string
		Payload string
		Want    error
	}{
		{Name: "unknown topic", Topic: "city-parking", Payload: `{}`, Want: ErrUnknownTopic},
		{Name: "malformed json", Topic: "city-speed-sensors", Payload: `{"district_id":`},
		{Name: "speed without district", Topic: "city-speed-sensors", Payload: `{"edge_id":"E7","speed_kmh":42}`},
		{Name: "speed without value", Topic: "city-speed-sensors", Payload: `{"district_id":"D1","edge_id":"E7"}`},
		{Name: "camera without edge", Topic: "city-camera-sensors", Payload: `{"district_id":"D1"}`},
		{Name: "building without district", Topic: "buildings-monitoring", Payload: `{"building_id":"B1"}`},
		{Name: "vehicle without id", Topic: "vehicles-telemetry", Payload: `{"type":"bus"}`},
		{Name: "transit without id", Topic: "transit-gps", Payload: `{"route":"5"}`},
		{Name: "incident without id", Topic: "emergency-incidents", Payload: `{"type":"fire"}`},
		{Name: "empty graph", Topic: "traffic-graph", Payload: `{"nodes":[]}`},
		{Name: "dangling edge", Topic: "traffic-graph", Payload: `{"edges":[{"edgeId":"E1","fromNode":"N1"}]}`},
		{Name: "not an object", Topic: "vehicles-telemetry", Payload: `[1,2,3]`},
	}
	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			_, err := n.Normalize(tt.Topic, []byte(tt.Payload))
			if err == nil {
				t.Fatal("Normalize() did not fail")
			}
			if tt.Want != nil {
				if !errors.Is(err, tt.Want) {
					t.Errorf("Normalize() error = %v, want %v", err, tt.Want)
				}
				return
			}
			var malformed *MalformedError
			if !errors.As(err, &malformed) {
				t.Errorf("Normalize() error = %v (%T), want a *MalformedError", err, err)
			} else if malformed.Topic != tt.Topic {
				t.Errorf("MalformedError.Topic = %q, want %q", malformed.Topic, tt.Topic)
			}
		})
	}
}

func TestNormalize_unrecognisedTimestamp(t *testing.T) {
	tests := []struct {
		Name    string
		Topic   string
		Payload string
	}{
		{Name: "vehicle", Topic: "vehicles-telemetry", Payload: `{"vehicle_id":"V1","timestamp":"yesterday"}`},
		{Name: "speed", Topic: "city-speed-sensors", Payload: `{"district_id":"D1","edge_id":"E7","speed_kmh":42,"timestamp":"01/03/2025"}`},
		{Name: "boolean", Topic: "vehicles-telemetry", Payload: `{"vehicle_id":"V1","timestamp":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			var logs bytes.Buffer
			n := New(DefaultTopics(),
				WithClock(func() time.Time { return receivedAt }),
				WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
			)
			u, err := n.Normalize(tt.Topic, []byte(tt.Payload))
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if !u.Timestamp.Equal(receivedAt) {
				t.Errorf("Update.Timestamp = %v, want the receive time %v", u.Timestamp, receivedAt)
			}
			if !strings.Contains(logs.String(), "Unrecognised event timestamp") {
				t.Errorf("no warning logged, got %q", logs.String())
			}
		})
	}
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		Name         string
		JSON         string
		Want         time.Time
		Unrecognised string
	}{
		{Name: "rfc3339", JSON: `"2025-03-01T12:00:00Z"`, Want: eventTime},
		{Name: "offset", JSON: `"2025-03-01T13:00:00+01:00"`, Want: eventTime},
		{Name: "no zone", JSON: `"2025-03-01T12:00:00.000000"`, Want: eventTime},
		{Name: "space separated", JSON: `"2025-03-01 12:00:00"`, Want: eventTime},
		{Name: "epoch seconds", JSON: `1740830400`, Want: eventTime},
		{Name: "epoch fractional", JSON: `1740830400.5`, Want: eventTime.Add(500 * time.Millisecond)},
		{Name: "null", JSON: `null`},
		{Name: "empty", JSON: `""`},
		{Name: "unrecognised", JSON: `"yesterday"`, Unrecognised: `"yesterday"`},
		{Name: "not a time", JSON: `{"at":1}`, Unrecognised: `{"at":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			var ts Timestamp
			if err := ts.UnmarshalJSON([]byte(tt.JSON)); err != nil {
				t.Fatalf("UnmarshalJSON(%s) error = %v", tt.JSON, err)
			}
			if diff := cmp.Diff(tt.Want, ts.Time, cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
				t.Errorf("UnmarshalJSON(%s) mismatch (-want +got):\n%s", tt.JSON, diff)
			}
			if got := ts.Unrecognised(); got != tt.Unrecognised {
				t.Errorf("Unrecognised() = %q, want %q", got, tt.Unrecognised)
			}
		})
	}
}
