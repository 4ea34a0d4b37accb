package citytwin

import "time"

// CollectionName names the state collection an Update targets.
type CollectionName string

const (
	CollectionSensors         CollectionName = "sensors"
	CollectionBuildings       CollectionName = "buildings"
	CollectionWeatherStations CollectionName = "weatherStations"
	CollectionVehicles        CollectionName = "vehicles"
	CollectionBuses           CollectionName = "buses"
	CollectionStations        CollectionName = "stations"
	CollectionIncidents       CollectionName = "incidents"
	CollectionUnits           CollectionName = "units"
	CollectionGraph           CollectionName = "graph"
)

// MergeStrategy tells the cache how an Update combines with an existing
// record carrying the same id.
type MergeStrategy int

const (
	// MergeFields overwrites only the fields the update carries.
	MergeFields MergeStrategy = iota
	// ReplaceRecord stores the update as the complete record.
	ReplaceRecord
)

func (s MergeStrategy) String() string {
	switch s {
	case MergeFields:
		return "merge"
	case ReplaceRecord:
		return "replace"
	default:
		return "unknown"
	}
}

// Update is a canonical, wire-format independent description of one entity's
// change. Change holds the category-specific payload; it is one of the *Change
// types declared in this package.
type Update struct {
	Collection CollectionName
	ShardKey   ShardKey
	EntityID   string
	Strategy   MergeStrategy
	Timestamp  time.Time
	Change     Change
}

// Change is the sum type of all category-specific update payloads. The
// unexported method seals it to this package.
type Change interface {
	change()
}

// SpeedChange reports the average speed measured on a road segment.
type SpeedChange struct {
	DistrictID string
	EdgeID     string
	SensorID   string
	SpeedKmh   float64
	Location   *Location
	Readings   []SpeedReading
}

// WeatherChange reports the readings of a weather station. Nil readings were
// not part of the event and leave the stored values untouched.
type WeatherChange struct {
	DistrictID string
	EdgeID     string
	StationID  string
	Name       string
	Location   *Location
	Readings   Readings
}

// CameraChange reports what a traffic camera observed on a road segment.
type CameraChange struct {
	DistrictID      string
	EdgeID          string
	SensorID        string
	Location        *Location
	RoadCondition   string
	ConfidenceScore *float64
	VehicleCount    *int
}

// EnvironmentalChange reports a generic scalar measurement.
type EnvironmentalChange struct {
	DistrictID string
	SensorID   string
	Type       string
	Value      float64
	Unit       string
	Status     SensorStatus
	Location   *Location
}

// BuildingChange reports building telemetry. When Full is set the event is a
// complete snapshot of the building and Building replaces the stored record;
// otherwise only the sensors it carries are merged.
type BuildingChange struct {
	DistrictID string
	Full       bool
	Building   Building
}

// VehicleChange reports vehicle telemetry. Optional values left nil were not
// part of the event.
type VehicleChange struct {
	VehicleID        string
	Type             string
	Name             string
	Location         *Location
	Speed            *float64
	Heading          *float64
	Direction        string
	BatteryLevel     *float64
	Firmware         string
	IncidentDetected *bool
	Priority         string
	Destination      *Destination
	Operational      *bool
}

// TransitChange reports the position of a bus or the state of a station.
// Exactly one of Bus or Station is set.
type TransitChange struct {
	Bus     *Bus
	Station *Station
}

// IncidentChange reports an emergency incident.
type IncidentChange struct {
	Incident Incident
}

// GraphChange upserts nodes and edges of the road network. Each node and edge
// replaces the stored record with the same id.
type GraphChange struct {
	Nodes []Node
	Edges []Edge
}

func (SpeedChange) change()         {}
func (WeatherChange) change()       {}
func (CameraChange) change()        {}
func (EnvironmentalChange) change() {}
func (BuildingChange) change()      {}
func (VehicleChange) change()       {}
func (TransitChange) change()       {}
func (IncidentChange) change()      {}
func (GraphChange) change()         {}
