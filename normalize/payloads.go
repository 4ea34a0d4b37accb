package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-digitaltwin/citytwin"
)

// location builds a Location from optional coordinates; it returns nil when the
// payload carries no position.
func location(lat, lon, elevation *float64) *citytwin.Location {
	if lat == nil || lon == nil {
		return nil
	}
	return &citytwin.Location{Latitude: *lat, Longitude: *lon, Elevation: elevation}
}

func locationValue(lat, lon *float64) citytwin.Location {
	if l := location(lat, lon, nil); l != nil {
		return *l
	}
	return citytwin.Location{}
}

type speedPayload struct {
	DistrictID string    `json:"district_id"`
	EdgeID     string    `json:"edge_id"`
	SensorID   string    `json:"sensor_id"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	SpeedKmh   *float64  `json:"speed_kmh"`
	Timestamp  Timestamp `json:"timestamp"`
	Readings   []struct {
		SensorID string  `json:"sensor_id"`
		SpeedKmh float64 `json:"speed_kmh"`
	} `json:"sensor_readings"`
}

func (d decoder) speed(payload []byte) (citytwin.Update, error) {
	var p speedPayload
	if err := d.unmarshal(payload, &p); err != nil {
		return citytwin.Update{}, err
	}
	if p.DistrictID == "" || p.EdgeID == "" || p.SpeedKmh == nil {
		return citytwin.Update{}, d.missing("district_id", "edge_id", "speed_kmh")
	}
	id := p.SensorID
	if id == "" {
		id = "speed-" + p.EdgeID
	}
	var readings []citytwin.SpeedReading
	for _, r := range p.Readings {
		readings = append(readings, citytwin.SpeedReading{SensorID: r.SensorID, SpeedKmh: r.SpeedKmh})
	}
	return citytwin.Update{
		Collection: citytwin.CollectionSensors,
		ShardKey:   citytwin.ShardFor(p.DistrictID),
		EntityID:   id,
		Strategy:   citytwin.MergeFields,
		Timestamp:  d.timestamp(p.Timestamp),
		Change: citytwin.SpeedChange{
			DistrictID: p.DistrictID,
			EdgeID:     p.EdgeID,
			SensorID:   id,
			SpeedKmh:   *p.SpeedKmh,
			Location:   location(p.Latitude, p.Longitude, nil),
			Readings:   readings,
		},
	}, nil
}

type weatherPayload struct {
	DistrictID    string    `json:"district_id"`
	EdgeID        string    `json:"edge_id"`
	StationID     string    `json:"station_id"`
	Name          string    `json:"name"`
	Latitude      *float64  `json:"latitude"`
	Longitude     *float64  `json:"longitude"`
	Elevation     *float64  `json:"elevation_m"`
	Temperature   *float64  `json:"temperature_c"`
	Humidity      *float64  `json:"humidity"`
	Pressure      *float64  `json:"pressure_hpa"`
	WindSpeed     *float64  `json:"wind_speed_kmh"`
	WindDirection *float64  `json:"wind_direction_deg"`
	Precipitation *float64  `json:"precipitation_mm"`
	Conditions    string    `json:"weather_conditions"`
	Timestamp     Timestamp `json:"timestamp"`
}

func (d decoder) weather(payload []byte) (citytwin.Update, error) {
	var p weatherPayload
	if err := d.unmarshal(payload, &p); err != nil {
		return citytwin.Update{}, err
	}
	id := p.StationID
	if id == "" && p.EdgeID != "" {
		id = "ws-" + p.EdgeID
	}
	if p.DistrictID == "" || id == "" {
		return citytwin.Update{}, d.missing("district_id", "station_id|edge_id")
	}
	name := p.Name
	if name == "" && p.EdgeID != "" {
		name = "Weather Station " + p.EdgeID
	}
	elevation := p.Elevation
	if elevation == nil && d.elevation != 0 {
		e := d.elevation
		elevation = &e
	}
	return citytwin.Update{
		Collection: citytwin.CollectionWeatherStations,
		ShardKey:   citytwin.ShardFor(p.DistrictID),
		EntityID:   id,
		Strategy:   citytwin.MergeFields,
		Timestamp:  d.timestamp(p.Timestamp),
		Change: citytwin.WeatherChange{
			DistrictID: p.DistrictID,
			EdgeID:     p.EdgeID,
			StationID:  id,
			Name:       name,
			Location:   location(p.Latitude, p.Longitude, elevation),
			Readings: citytwin.Readings{
				Temperature:   p.Temperature,
				Humidity:      p.Humidity,
				Pressure:      p.Pressure,
				WindSpeed:     p.WindSpeed,
				WindDirection: p.WindDirection,
				Precipitation: p.Precipitation,
				Condition:     citytwin.WeatherCondition(strings.ToLower(p.Conditions)),
			},
		},
	}, nil
}

type cameraPayload struct {
	DistrictID      string    `json:"district_id"`
	EdgeID          string    `json:"edge_id"`
	CameraID        string    `json:"camera_id"`
	Latitude        *float64  `json:"latitude"`
	Longitude       *float64  `json:"longitude"`
	RoadCondition   string    `json:"road_condition"`
	ConfidenceScore *float64  `json:"confidence_score"`
	VehicleCount    *int      `json:"vehicle_count"`
	Timestamp       Timestamp `json:"timestamp"`
}

func (d decoder) camera(payload []byte) (citytwin.Update, error) {
	var p cameraPayload
	if err := d.unmarshal(payload, &p); err != nil {
		return citytwin.Update{}, err
	}
	if p.DistrictID == "" || p.EdgeID == "" {
		return citytwin.Update{}, d.missing("district_id", "edge_id")
	}
	id := p.CameraID
	if id == "" {
		id = "camera-" + p.EdgeID
	}
	return citytwin.Update{
		Collection: citytwin.CollectionSensors,
		ShardKey:   citytwin.ShardFor(p.DistrictID),
		EntityID:   id,
		Strategy:   citytwin.MergeFields,
		Timestamp:  d.timestamp(p.Timestamp),
		Change: citytwin.CameraChange{
			DistrictID:      p.DistrictID,
			EdgeID:          p.EdgeID,
			SensorID:        id,
			Location:        location(p.Latitude, p.Longitude, nil),
			RoadCondition:   p.RoadCondition,
			ConfidenceScore: p.ConfidenceScore,
			VehicleCount:    p.VehicleCount,
		},
	}, nil
}

type environmentalPayload struct {
	DistrictID string    `json:"district_id"`
	SensorID   string    `json:"sensor_id"`
	SensorType string    `json:"sensor_type"`
	Value      *float64  `json:"value"`
	Unit       string    `json:"unit"`
	Status     string    `json:"status"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	Timestamp  Timestamp `json:"timestamp"`
}

func (d decoder) environmental(payload []byte) (citytwin.Update, error) {
	var p environmentalPayload
	if err := d.unmarshal(payload, &p); err != nil {
		return citytwin.Update{}, err
	}
	if p.DistrictID == "" || p.SensorID == "" || p.Value == nil {
		return citytwin.Update{}, d.missing("district_id", "sensor_id", "value")
	}
	typ := p.SensorType
	if typ == "" {
		typ = citytwin.SensorTypeEnvironmental
	}
	return citytwin.Update{
		Collection: citytwin.CollectionSensors,
		ShardKey:   citytwin.ShardFor(p.DistrictID),
		EntityID:   p.SensorID,
		Strategy:   citytwin.MergeFields,
		Timestamp:  d.timestamp(p.Timestamp),
		Change: citytwin.EnvironmentalChange{
			DistrictID: p.DistrictID,
			SensorID:   p.SensorID,
			Type:       typ,
			Value:      *p.Value,
			Unit:       p.Unit,
			Status:     sensorStatus(p.Status),
			Location:   location(p.Latitude, p.Longitude, nil),
		},
	}, nil
}

func sensorStatus(s string) citytwin.SensorStatus {
	switch st := citytwin.SensorStatus(strings.ToLower(s)); st {
	case citytwin.SensorActive, citytwin.SensorInactive, citytwin.SensorError, citytwin.SensorDegraded:
		return st
	default:
		return ""
	}
}

// measurements is the union of the values reported by building sensors, both
// in the per-sensor message form and in the full building form.
type measurements struct {
	PM25       *float64 `json:"pm25_ugm3"`
	PM10       *float64 `json:"pm10_ugm3"`
	NO2        *float64 `json:"no2_ugm3"`
	CO         *float64 `json:"co_ppm"`
	O3         *float64 `json:"o3_ugm3"`
	NoiseLevel *float64 `json:"noise_level_db"`
	Peak       *float64 `json:"peak_db"`
	Average1h  *float64 `json:"average_db_1h"`
	Message    string   `json:"message"`
}

type buildingSensorPayload struct {
	measurements
	SensorID string `json:"sensor_id"`
	Status   string `json:"status"`
}

type buildingPayload struct {
	BuildingID string    `json:"building_id"`
	DistrictID string    `json:"district_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	Address    string    `json:"address"`
	Timestamp  Timestamp `json:"timestamp"`

	// Per-sensor form: one sensor's measurements.
	SensorType   string        `json:"sensor_type"`
	Measurements *measurements `json:"measurements"`

	// Full form: the complete building.
	Sensors *struct {
		AirQuality []buildingSensorPayload `json:"air_quality"`
		Acoustic   []buildingSensorPayload `json:"acoustic"`
		Display    []buildingSensorPayload `json:"display"`
	} `json:"sensors"`
	EmergencyExits []struct {
		ExitID    string   `json:"exit_id"`
		Status    string   `json:"status"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"emergency_exits"`
	Elevators []struct {
		ElevatorID   string `json:"elevator_id"`
		CurrentFloor int    `json:"current_floor"`
		Status       string `json:"status"`
	} `json:"elevators"`
}

// full reports whether the payload is a complete snapshot of the building.
func (p *buildingPayload) full() bool {
	return p.Sensors != nil || p.EmergencyExits != nil || p.Elevators != nil
}

func (d decoder) building(payload []byte) (citytwin.Update, error) {
	var p buildingPayload
	if err := d.unmarshal(payload, &p); err != nil {
		return citytwin.Update{}, err
	}
	if p.BuildingID == "" || p.DistrictID == "" {
		return citytwin.Update{}, d.missing("building_id", "district_id")
	}
	ts := d.timestamp(p.Timestamp)

	b := citytwin.Building{
		BuildingID: p.BuildingID,
		Name:       p.Name,
		Type:       p.Type,
		Status:     citytwin.BuildingStatus(strings.ToLower(p.Status)),
		Location:   locationValue(p.Latitude, p.Longitude),
	}
	b.Location.Address = p.Address

	full := p.full()
	if full {
		if p.Sensors != nil {
			for i, s := range p.Sensors.AirQuality {
				id := elementID(s.SensorID, p.BuildingID+"-aq", i)
				b.AirQualitySensors.Put(airQualitySensor(id, s.Status, s.measurements, ts))
			}
			for i, s := range p.Sensors.Acoustic {
				id := elementID(s.SensorID, p.BuildingID+"-acoustic", i)
				b.AcousticSensors.Put(acousticSensor(id, s.Status, s.measurements, ts))
			}
			for i, s := range p.Sensors.Display {
				b.DisplaySensors.Put(&citytwin.DisplaySensor{
					SensorID:    elementID(s.SensorID, p.BuildingID+"-display", i),
					Message:     s.Message,
					Status:      resourceStatus(s.Status),
					LastUpdated: ts,
				})
			}
		}
		for i, e := range p.EmergencyExits {
			b.EmergencyExits.Put(&citytwin.EmergencyExit{
				ExitID:   elementID(e.ExitID, p.BuildingID+"-exit", i),
				Location: location(e.Latitude, e.Longitude, nil),
				Status:   resourceStatus(e.Status),
			})
		}
		for i, e := range p.Elevators {
			b.Elevators.Put(&citytwin.Elevator{
				ElevatorID:   elementID(e.ElevatorID, p.BuildingID+"-elevator", i),
				CurrentFloor: e.CurrentFloor,
				Status:       resourceStatus(e.Status),
			})
		}
	} else if p.Measurements != nil {
		m := *p.Measurements
		switch p.SensorType {
		case "air_quality":
			b.AirQualitySensors.Put(airQualitySensor(p.BuildingID+"-aq", "", m, ts))
		case "acoustic":
			b.AcousticSensors.Put(acousticSensor(p.BuildingID+"-acoustic", "", m, ts))
		case "display":
			b.DisplaySensors.Put(&citytwin.DisplaySensor{
				SensorID:    p.BuildingID + "-display",
				Message:     m.Message,
				Status:      citytwin.ResourceOperational,
				LastUpdated: ts,
			})
		}
	}

	strategy := citytwin.MergeFields
	if full {
		strategy = citytwin.ReplaceRecord
	}
	return citytwin.Update{
		Collection: citytwin.CollectionBuildings,
		ShardKey:   citytwin.ShardFor(p.DistrictID),
		EntityID:   p.BuildingID,
		Strategy:   strategy,
		Timestamp:  ts,
		Change:     citytwin.BuildingChange{DistrictID: p.DistrictID, Full: full, Building: b},
	}, nil
}

// elementID returns id, or one derived from base and the element's position
// when the producer sent none. The first element takes base itself, which is
// the id the per-sensor form uses.
func elementID(id, base string, i int) string {
	switch {
	case id != "":
		return id
	case i == 0:
		return base
	default:
		return fmt.Sprintf("%s-%d", base, i+1)
	}
}

func airQualitySensor(id, status string, m measurements, ts time.Time) *citytwin.AirQualitySensor {
	return &citytwin.AirQualitySensor{
		SensorID:     id,
		Measurements: citytwin.AirQuality{PM25: m.PM25, PM10: m.PM10, NO2: m.NO2, CO: m.CO, O3: m.O3},
		Status:       resourceStatusOr(status, citytwin.ResourceOperational),
		LastUpdated:  ts,
	}
}

func acousticSensor(id, status string, m measurements, ts time.Time) *citytwin.AcousticSensor {
	return &citytwin.AcousticSensor{
		SensorID:     id,
		Measurements: citytwin.Acoustic{NoiseLevel: m.NoiseLevel, Peak: m.Peak, Average1h: m.Average1h},
		Status:       resourceStatusOr(status, citytwin.ResourceOperational),
		LastUpdated:  ts,
	}
}

func resourceStatus(s string) citytwin.ResourceStatus {
	return resourceStatusOr(s, "")
}

func resourceStatusOr(s string, fallback citytwin.ResourceStatus) citytwin.ResourceStatus {
	switch st := citytwin.ResourceStatus(strings.ToLower(s)); st {
	case citytwin.ResourceOperational, citytwin.ResourceDegraded, citytwin.ResourceOffline,
		citytwin.ResourceMaintenance, citytwin.ResourceBlocked:
		return st
	default:
		return fallback
	}
}

type vehiclePayload struct {
	VehicleID        string    `json:"vehicle_id"`
	Type             string    `json:"type"`
	Name             string    `json:"name"`
	Latitude         *float64  `json:"latitude"`
	Longitude        *float64  `json:"longitude"`
	Altitude         *float64  `json:"altitude_m"`
	SpeedKmh         *float64  `json:"speed_kmh"`
	DirectionDegrees *float64  `json:"direction_degrees"`
	Heading          string    `json:"heading"`
	BatteryLevel     *float64  `json:"battery_level_percent"`
	Firmware         string    `json:"firmware_version"`
	IncidentDetected *bool     `json:"incident_detected"`
	RoutePriority    string    `json:"route_priority"`
	Operational      *bool     `json:"operational"`
	Timestamp        Timestamp `json:"timestamp"`

	CurrentDestination *struct {
		LocationName string  `json:"location_name"`
		Latitude     float64 `json:"latitude"`
		Longitude    float64 `json:"longitude"`
	} `json:"current_destination"`
}

func (d decoder) vehicle(payload []byte) (citytwin.Update, error) {
	var p vehiclePayload
	if err := d.unmarshal(payload, &p); err != nil {
		return citytwin.Update{}, err
	}
	if p.VehicleID == "" {
		return citytwin.Update{}, d.missing("vehicle_id")
	}
	var dest *citytwin.Destination
	if p.CurrentDestination != nil {
		dest = &citytwin.Destination{
			LocationName: p.CurrentDestination.LocationName,
			Latitude:     p.CurrentDestination.Latitude,
			Longitude:    p.CurrentDestination.Longitude,
		}
	}
	return citytwin.Update{
		Collection: citytwin.CollectionVehicles,
		ShardKey:   citytwin.SharedShard,
		EntityID:   p.VehicleID,
		Strategy:   citytwin.MergeFields,
		Timestamp:  d.timestamp(p.Timestamp),
		Change: citytwin.VehicleChange{
			VehicleID:        p.VehicleID,
			Type:             strings.ToLower(p.Type),
			Name:             p.Name,
			Location:         location(p.Latitude, p.Longitude, p.Altitude),
			Speed:            p.SpeedKmh,
			Heading:          p.DirectionDegrees,
			Direction:        p.Heading,
			BatteryLevel:     p.BatteryLevel,
			Firmware:         p.Firmware,
			IncidentDetected: p.IncidentDetected,
			Priority:         p.RoutePriority,
			Destination:      dest,
			Operational:      p.Operational,
		},
	}, nil
}

type transitPayload struct {
	BusID       string    `json:"bus_id"`
	StationID   string    `json:"station_id"`
	Route       string    `json:"route"`
	Name        string    `json:"name"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	CurrentStop string    `json:"current_stop"`
	SpeedKmh    float64   `json:"speed_kmh"`
	Status      string    `json:"status"`
	Occupancy   *int      `json:"occupancy"`
	Routes      []string  `json:"routes"`
	Waiting     *int      `json:"waiting_passengers"`
	Timestamp   Timestamp `json:"timestamp"`
}

func (d decoder) transit(payload []byte) (citytwin.Update, error) {
	var p transitPayload
	if err := d.unmarshal(payload, &p); err != nil {
		return citytwin.Update{}, err
	}
	u := citytwin.Update{
		ShardKey:  citytwin.SharedShard,
		Strategy:  citytwin.MergeFields,
		Timestamp: d.timestamp(p.Timestamp),
	}
	switch {
	case p.BusID != "":
		u.Collection = citytwin.CollectionBuses
		u.EntityID = p.BusID
		u.Change = citytwin.TransitChange{Bus: &citytwin.Bus{
			BusID:       p.BusID,
			Route:       p.Route,
			Location:    locationValue(p.Latitude, p.Longitude),
			CurrentStop: p.CurrentStop,
			Speed:       p.SpeedKmh,
			Status:      p.Status,
			Occupancy:   p.Occupancy,
		}}
	case p.StationID != "":
		u.Collection = citytwin.CollectionStations
		u.EntityID = p.StationID
		u.Change = citytwin.TransitChange{Station: &citytwin.Station{
			StationID: p.StationID,
			Name:      p.Name,
			Location:  locationValue(p.Latitude, p.Longitude),
			Routes:    p.Routes,
			Waiting:   p.Waiting,
		}}
	default:
		return citytwin.Update{}, d.missing("bus_id|station_id")
	}
	return u, nil
}

type incidentPayload struct {
	IncidentID      string            `json:"incident_id"`
	Type            string            `json:"type"`
	Priority        string            `json:"priority"`
	Latitude        *float64          `json:"latitude"`
	Longitude       *float64          `json:"longitude"`
	ReportedAt      Timestamp         `json:"reported_at"`
	RespondingUnits []string          `json:"responding_units"`
	Status          string            `json:"status"`
	Details         map[string]string `json:"details"`
	Timestamp       Timestamp         `json:"timestamp"`
}

func (d decoder) incident(payload []byte) (citytwin.Update, error) {
	var p incidentPayload
	if err := d.unmarshal(payload, &p); err != nil {
		return citytwin.Update{}, err
	}
	if p.IncidentID == "" {
		return citytwin.Update{}, d.missing("incident_id")
	}
	return citytwin.Update{
		Collection: citytwin.CollectionIncidents,
		ShardKey:   citytwin.SharedShard,
		EntityID:   p.IncidentID,
		Strategy:   citytwin.MergeFields,
		Timestamp:  d.timestamp(p.Timestamp),
		Change: citytwin.IncidentChange{Incident: citytwin.Incident{
			IncidentID:      p.IncidentID,
			Type:            p.Type,
			Priority:        p.Priority,
			Location:        locationValue(p.Latitude, p.Longitude),
			ReportedAt:      p.ReportedAt.Time,
			RespondingUnits: p.RespondingUnits,
			Status:          p.Status,
			Details:         p.Details,
		}},
	}, nil
}

type graphPayload struct {
	Nodes     []citytwin.Node `json:"nodes"`
	Edges     []citytwin.Edge `json:"edges"`
	Timestamp Timestamp       `json:"timestamp"`
}

func (d decoder) graph(payload []byte) (citytwin.Update, error) {
	var p graphPayload
	if err := d.unmarshal(payload, &p); err != nil {
		return citytwin.Update{}, err
	}
	if len(p.Nodes) == 0 && len(p.Edges) == 0 {
		return citytwin.Update{}, d.missing("nodes|edges")
	}
	for _, n := range p.Nodes {
		if n.NodeID == "" {
			return citytwin.Update{}, d.missing("nodeId")
		}
	}
	for _, e := range p.Edges {
		if e.EdgeID == "" || e.FromNode == "" || e.ToNode == "" {
			return citytwin.Update{}, d.missing("edgeId", "fromNode", "toNode")
		}
	}
	return citytwin.Update{
		Collection: citytwin.CollectionGraph,
		ShardKey:   citytwin.SharedShard,
		EntityID:   string(citytwin.CollectionGraph),
		Strategy:   citytwin.ReplaceRecord,
		Timestamp:  d.timestamp(p.Timestamp),
		Change:     citytwin.GraphChange{Nodes: p.Nodes, Edges: p.Edges},
	}, nil
}
