package citytwin

import (
	"maps"
	"slices"
	"time"
)

// Metadata describes the twin itself rather than anything inside the city.
type Metadata struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// City is the root of the state tree. It is created once at bootstrap and then
// only ever mutated through shard-scoped merges.
type City struct {
	CityID            string                `json:"cityId"`
	Metadata          Metadata              `json:"metadata"`
	Districts         Collection[*District] `json:"districts"`
	PublicTransport   PublicTransport       `json:"publicTransport"`
	EmergencyServices EmergencyServices     `json:"emergencyServices"`
	Vehicles          Collection[*Vehicle]  `json:"vehicles"`
	Graph             Graph                 `json:"graph"`
}

// Clone returns a deep copy of the city.
func (c *City) Clone() *City {
	return &City{
		CityID:            c.CityID,
		Metadata:          c.Metadata,
		Districts:         c.Districts.Clone(),
		PublicTransport:   c.PublicTransport.Clone(),
		EmergencyServices: c.EmergencyServices.Clone(),
		Vehicles:          c.Vehicles.Clone(),
		Graph:             c.Graph.Clone(),
	}
}

// Location is a WGS84 position, optionally with elevation (metres) and a
// street address.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Elevation *float64 `json:"elevation,omitempty"`
	Address   string   `json:"address,omitempty"`
}

func (l *Location) clone() *Location {
	if l == nil {
		return nil
	}
	out := *l
	out.Elevation = clonePtr(l.Elevation)
	return &out
}

// Center is the centre point of a district.
type Center struct {
	Latitude  float64 `json:"centerLatitude"`
	Longitude float64 `json:"centerLongitude"`
}

// BoundaryBox is an axis-aligned bounding box in degrees.
type BoundaryBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// District groups the sensors, buildings and weather stations of one area.
// Every update carrying a district id is applied by that district's shard.
type District struct {
	DistrictID      string                      `json:"districtId"`
	Name            string                      `json:"name"`
	Location        Center                      `json:"location"`
	Boundary        BoundaryBox                 `json:"boundary"`
	Sensors         Collection[*Sensor]         `json:"sensors"`
	Buildings       Collection[*Building]       `json:"buildings"`
	WeatherStations Collection[*WeatherStation] `json:"weatherStations"`
}

func (d *District) Key() string { return d.DistrictID }

func (d *District) Clone() *District {
	out := *d
	out.Sensors = d.Sensors.Clone()
	out.Buildings = d.Buildings.Clone()
	out.WeatherStations = d.WeatherStations.Clone()
	return &out
}

// SensorStatus is the health of a measurement source.
type SensorStatus string

const (
	SensorActive   SensorStatus = "active"
	SensorInactive SensorStatus = "inactive"
	SensorError    SensorStatus = "error"
	SensorDegraded SensorStatus = "degraded"
)

// Sensor types produced by the stream normaliser.
const (
	SensorTypeSpeed         = "speed"
	SensorTypeCamera        = "trafficCamera"
	SensorTypeEnvironmental = "environmental"
)

// Sensor is one physical or virtual measurement source in a district.
type Sensor struct {
	SensorID    string          `json:"sensorId"`
	Type        string          `json:"type"`
	EdgeID      string          `json:"edgeId,omitempty"`
	Value       float64         `json:"value"`
	Unit        string          `json:"unit"`
	Status      SensorStatus    `json:"status"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Location    *Location       `json:"location,omitempty"`
	Metadata    *SensorMetadata `json:"metadata,omitempty"`
}

func (s *Sensor) Key() string { return s.SensorID }

func (s *Sensor) Clone() *Sensor {
	out := *s
	out.Location = s.Location.clone()
	out.Metadata = s.Metadata.clone()
	return &out
}

// SensorMetadata holds the type-specific details of a sensor. Speed sensors
// fill AverageSpeed and Readings; camera sensors fill RoadCondition,
// ConfidenceScore and VehicleCount.
type SensorMetadata struct {
	AverageSpeed    *float64       `json:"averageSpeed,omitempty"`
	Readings        []SpeedReading `json:"readings,omitempty"`
	RoadCondition   string         `json:"roadCondition,omitempty"`
	ConfidenceScore *float64       `json:"confidenceScore,omitempty"`
	VehicleCount    *int           `json:"vehicleCount,omitempty"`
}

func (m *SensorMetadata) clone() *SensorMetadata {
	if m == nil {
		return nil
	}
	return &SensorMetadata{
		AverageSpeed:    clonePtr(m.AverageSpeed),
		Readings:        slices.Clone(m.Readings),
		RoadCondition:   m.RoadCondition,
		ConfidenceScore: clonePtr(m.ConfidenceScore),
		VehicleCount:    clonePtr(m.VehicleCount),
	}
}

// SpeedReading is a single sample reported alongside a speed measurement.
type SpeedReading struct {
	SensorID string  `json:"sensorId"`
	SpeedKmh float64 `json:"speedKmh"`
}

// BuildingStatus is the operational state of a building.
type BuildingStatus string

const (
	BuildingOperational BuildingStatus = "operational"
	BuildingDegraded    BuildingStatus = "degraded"
	BuildingOffline     BuildingStatus = "offline"
	BuildingEvacuated   BuildingStatus = "evacuated"
)

// ResourceStatus is the state of a sensor or managed resource inside a
// building.
type ResourceStatus string

const (
	ResourceOperational ResourceStatus = "operational"
	ResourceDegraded    ResourceStatus = "degraded"
	ResourceOffline     ResourceStatus = "offline"
	ResourceMaintenance ResourceStatus = "maintenance"
	ResourceBlocked     ResourceStatus = "blocked"
)

// Building is a monitored structure with its own nested sensors and managed
// resources. Building telemetry that carries the nested collections replaces
// the whole record.
type Building struct {
	BuildingID        string                        `json:"buildingId"`
	Name              string                        `json:"name"`
	Type              string                        `json:"type"`
	Status            BuildingStatus                `json:"status"`
	Location          Location                      `json:"location"`
	AirQualitySensors Collection[*AirQualitySensor] `json:"airQualitySensors"`
	AcousticSensors   Collection[*AcousticSensor]   `json:"acousticSensors"`
	DisplaySensors    Collection[*DisplaySensor]    `json:"displaySensors"`
	EmergencyExits    Collection[*EmergencyExit]    `json:"emergencyExits"`
	Elevators         Collection[*Elevator]         `json:"elevators"`
	LastUpdated       time.Time                     `json:"lastUpdated"`
}

func (b *Building) Key() string { return b.BuildingID }

func (b *Building) Clone() *Building {
	out := *b
	out.Location = *b.Location.clone()
	out.AirQualitySensors = b.AirQualitySensors.Clone()
	out.AcousticSensors = b.AcousticSensors.Clone()
	out.DisplaySensors = b.DisplaySensors.Clone()
	out.EmergencyExits = b.EmergencyExits.Clone()
	out.Elevators = b.Elevators.Clone()
	return &out
}

// AirQuality holds pollutant concentrations. Particulates and gases are in
// µg/m³ except CO, which is in ppm.
type AirQuality struct {
	PM25 *float64 `json:"pm25_ugm3,omitempty"`
	PM10 *float64 `json:"pm10_ugm3,omitempty"`
	NO2  *float64 `json:"no2_ugm3,omitempty"`
	CO   *float64 `json:"co_ppm,omitempty"`
	O3   *float64 `json:"o3_ugm3,omitempty"`
}

type AirQualitySensor struct {
	SensorID     string         `json:"sensorId"`
	Measurements AirQuality     `json:"measurements"`
	Status       ResourceStatus `json:"status"`
	LastUpdated  time.Time      `json:"lastUpdated"`
}

func (s *AirQualitySensor) Key() string { return s.SensorID }

func (s *AirQualitySensor) Clone() *AirQualitySensor {
	out := *s
	out.Measurements = AirQuality{
		PM25: clonePtr(s.Measurements.PM25),
		PM10: clonePtr(s.Measurements.PM10),
		NO2:  clonePtr(s.Measurements.NO2),
		CO:   clonePtr(s.Measurements.CO),
		O3:   clonePtr(s.Measurements.O3),
	}
	return &out
}

// Acoustic holds noise measurements in dB.
type Acoustic struct {
	NoiseLevel *float64 `json:"noise_level_db,omitempty"`
	Peak       *float64 `json:"peak_db,omitempty"`
	Average1h  *float64 `json:"average_db_1h,omitempty"`
}

type AcousticSensor struct {
	SensorID     string         `json:"sensorId"`
	Measurements Acoustic       `json:"measurements"`
	Status       ResourceStatus `json:"status"`
	LastUpdated  time.Time      `json:"lastUpdated"`
}

func (s *AcousticSensor) Key() string { return s.SensorID }

func (s *AcousticSensor) Clone() *AcousticSensor {
	out := *s
	out.Measurements = Acoustic{
		NoiseLevel: clonePtr(s.Measurements.NoiseLevel),
		Peak:       clonePtr(s.Measurements.Peak),
		Average1h:  clonePtr(s.Measurements.Average1h),
	}
	return &out
}

// DisplaySensor is a public information display mounted on a building.
type DisplaySensor struct {
	SensorID    string         `json:"sensorId"`
	Message     string         `json:"message"`
	Status      ResourceStatus `json:"status"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

func (s *DisplaySensor) Key() string { return s.SensorID }

func (s *DisplaySensor) Clone() *DisplaySensor {
	out := *s
	return &out
}

type EmergencyExit struct {
	ExitID   string         `json:"exitId"`
	Location *Location      `json:"location,omitempty"`
	Status   ResourceStatus `json:"status"`
}

func (e *EmergencyExit) Key() string { return e.ExitID }

func (e *EmergencyExit) Clone() *EmergencyExit {
	out := *e
	out.Location = e.Location.clone()
	return &out
}

type Elevator struct {
	ElevatorID   string         `json:"elevatorId"`
	CurrentFloor int            `json:"currentFloor"`
	Status       ResourceStatus `json:"status"`
}

func (e *Elevator) Key() string { return e.ElevatorID }

func (e *Elevator) Clone() *Elevator {
	out := *e
	return &out
}

// WeatherCondition is the coarse sky state reported by a weather station.
type WeatherCondition string

const (
	WeatherClear  WeatherCondition = "clear"
	WeatherCloudy WeatherCondition = "cloudy"
	WeatherRain   WeatherCondition = "rain"
	WeatherSnow   WeatherCondition = "snow"
	WeatherFog    WeatherCondition = "fog"
	WeatherStorm  WeatherCondition = "storm"
)

// Readings is the latest set of values from a weather station. Absent values
// were never reported.
type Readings struct {
	Temperature   *float64         `json:"temperature,omitempty"`
	Humidity      *float64         `json:"humidity,omitempty"`
	Pressure      *float64         `json:"pressure,omitempty"`
	WindSpeed     *float64         `json:"windSpeed,omitempty"`
	WindDirection *float64         `json:"windDirection,omitempty"`
	Precipitation *float64         `json:"precipitation,omitempty"`
	Condition     WeatherCondition `json:"condition,omitempty"`
}

type WeatherStation struct {
	StationID   string       `json:"stationId"`
	Name        string       `json:"name"`
	EdgeID      string       `json:"edgeId,omitempty"`
	Location    Location     `json:"location"`
	Readings    Readings     `json:"readings"`
	Status      SensorStatus `json:"status"`
	LastUpdated time.Time    `json:"lastUpdated"`
}

func (w *WeatherStation) Key() string { return w.StationID }

func (w *WeatherStation) Clone() *WeatherStation {
	out := *w
	out.Location = *w.Location.clone()
	out.Readings = Readings{
		Temperature:   clonePtr(w.Readings.Temperature),
		Humidity:      clonePtr(w.Readings.Humidity),
		Pressure:      clonePtr(w.Readings.Pressure),
		WindSpeed:     clonePtr(w.Readings.WindSpeed),
		WindDirection: clonePtr(w.Readings.WindDirection),
		Precipitation: clonePtr(w.Readings.Precipitation),
		Condition:     w.Readings.Condition,
	}
	return &out
}

// Graph is the city-wide road network: intersections joined by road segments.
type Graph struct {
	Nodes Collection[*Node] `json:"nodes"`
	Edges Collection[*Edge] `json:"edges"`
}

func (g *Graph) Clone() Graph {
	return Graph{Nodes: g.Nodes.Clone(), Edges: g.Edges.Clone()}
}

// LightState is the phase of a traffic light.
type LightState string

const (
	LightRed    LightState = "red"
	LightYellow LightState = "yellow"
	LightGreen  LightState = "green"
)

type TrafficLight struct {
	State       LightState `json:"state"`
	LastChanged time.Time  `json:"lastChanged"`
}

// Node is an intersection of the road network.
type Node struct {
	NodeID       string        `json:"nodeId"`
	Type         string        `json:"type"`
	Name         string        `json:"name,omitempty"`
	Location     Location      `json:"location"`
	TrafficLight *TrafficLight `json:"trafficLight,omitempty"`
}

func (n *Node) Key() string { return n.NodeID }

func (n *Node) Clone() *Node {
	out := *n
	out.Location = *n.Location.clone()
	out.TrafficLight = clonePtr(n.TrafficLight)
	return &out
}

// LineString is a GeoJSON polyline; coordinates are [longitude, latitude].
type LineString struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

// CongestionLevel classifies traffic flow on a road segment.
type CongestionLevel string

const (
	CongestionLow      CongestionLevel = "low"
	CongestionModerate CongestionLevel = "moderate"
	CongestionHigh     CongestionLevel = "high"
	CongestionSevere   CongestionLevel = "severe"
)

type TrafficConditions struct {
	AverageSpeed    float64         `json:"averageSpeed"`
	CongestionLevel CongestionLevel `json:"congestionLevel,omitempty"`
	VehicleCount    int             `json:"vehicleCount"`
	TravelTime      float64         `json:"travelTime"`
	Incidents       []string        `json:"incidents,omitempty"`
}

// Edge is a directed or bidirectional road segment between two nodes.
type Edge struct {
	EdgeID            string            `json:"edgeId"`
	RoadSegmentID     string            `json:"roadSegmentId,omitempty"`
	Name              string            `json:"name,omitempty"`
	FromNode          string            `json:"fromNode"`
	ToNode            string            `json:"toNode"`
	Geometry          LineString        `json:"geometry"`
	Distance          float64           `json:"distance"`
	SpeedLimit        float64           `json:"speedLimit"`
	Lanes             int               `json:"lanes"`
	Direction         string            `json:"direction"`
	TrafficConditions TrafficConditions `json:"trafficConditions"`
	LastUpdated       time.Time         `json:"lastUpdated"`
}

func (e *Edge) Key() string { return e.EdgeID }

func (e *Edge) Clone() *Edge {
	out := *e
	out.Geometry.Coordinates = slices.Clone(e.Geometry.Coordinates)
	out.TrafficConditions.Incidents = slices.Clone(e.TrafficConditions.Incidents)
	return &out
}

// Destination is a named point a vehicle is routed to.
type Destination struct {
	LocationName string  `json:"locationName,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
}

type Movement struct {
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Direction string  `json:"direction,omitempty"`
}

type VehicleResources struct {
	BatteryLevel *float64 `json:"batteryLevel,omitempty"`
	Firmware     string   `json:"firmware,omitempty"`
}

type VehicleSensors struct {
	IncidentDetected bool `json:"incidentDetected"`
}

type RoutePlan struct {
	CurrentDestination    *Destination  `json:"currentDestination,omitempty"`
	PredictedDestinations []Destination `json:"predictedDestinations,omitempty"`
	Priority              string        `json:"priority,omitempty"`
}

// Vehicle is a tracked vehicle. Vehicles form a city-wide collection, not a
// district one, because they move between districts.
type Vehicle struct {
	VehicleID   string           `json:"vehicleId"`
	Type        string           `json:"type"`
	Name        string           `json:"name,omitempty"`
	Location    Location         `json:"location"`
	Movement    Movement         `json:"movement"`
	Resources   VehicleResources `json:"resources"`
	Sensors     VehicleSensors   `json:"sensors"`
	Route       RoutePlan        `json:"route"`
	Operational bool             `json:"operational"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

func (v *Vehicle) Key() string { return v.VehicleID }

func (v *Vehicle) Clone() *Vehicle {
	out := *v
	out.Location = *v.Location.clone()
	out.Resources.BatteryLevel = clonePtr(v.Resources.BatteryLevel)
	out.Route.CurrentDestination = clonePtr(v.Route.CurrentDestination)
	out.Route.PredictedDestinations = slices.Clone(v.Route.PredictedDestinations)
	return &out
}

type PublicTransport struct {
	Buses    Collection[*Bus]     `json:"buses"`
	Stations Collection[*Station] `json:"stations"`
}

func (p *PublicTransport) Clone() PublicTransport {
	return PublicTransport{Buses: p.Buses.Clone(), Stations: p.Stations.Clone()}
}

// Bus statuses.
const (
	BusOnTime  = "on-time"
	BusDelayed = "delayed"
)

type Bus struct {
	BusID       string    `json:"busId"`
	Route       string    `json:"route"`
	Location    Location  `json:"location"`
	CurrentStop string    `json:"currentStop,omitempty"`
	Speed       float64   `json:"speed"`
	Status      string    `json:"status"`
	Occupancy   *int      `json:"occupancy,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (b *Bus) Key() string { return b.BusID }

func (b *Bus) Clone() *Bus {
	out := *b
	out.Location = *b.Location.clone()
	out.Occupancy = clonePtr(b.Occupancy)
	return &out
}

type Station struct {
	StationID   string    `json:"stationId"`
	Name        string    `json:"name"`
	Location    Location  `json:"location"`
	Routes      []string  `json:"routes,omitempty"`
	Waiting     *int      `json:"waitingPassengers,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (s *Station) Key() string { return s.StationID }

func (s *Station) Clone() *Station {
	out := *s
	out.Location = *s.Location.clone()
	out.Routes = slices.Clone(s.Routes)
	out.Waiting = clonePtr(s.Waiting)
	return &out
}

type EmergencyServices struct {
	Incidents Collection[*Incident] `json:"incidents"`
	Units     Collection[*Unit]     `json:"units"`
}

func (e *EmergencyServices) Clone() EmergencyServices {
	return EmergencyServices{Incidents: e.Incidents.Clone(), Units: e.Units.Clone()}
}

type Incident struct {
	IncidentID      string            `json:"incidentId"`
	Type            string            `json:"type"`
	Priority        string            `json:"priority"`
	Location        Location          `json:"location"`
	ReportedAt      time.Time         `json:"reportedAt"`
	RespondingUnits []string          `json:"respondingUnits,omitempty"`
	Status          string            `json:"status"`
	Details         map[string]string `json:"details,omitempty"`
	LastUpdated     time.Time         `json:"lastUpdated"`
}

func (i *Incident) Key() string { return i.IncidentID }

func (i *Incident) Clone() *Incident {
	out := *i
	out.Location = *i.Location.clone()
	out.RespondingUnits = slices.Clone(i.RespondingUnits)
	out.Details = maps.Clone(i.Details)
	return &out
}

// Emergency unit statuses.
const (
	UnitAvailable  = "available"
	UnitPatrol     = "patrol"
	UnitResponding = "responding"
)

type Unit struct {
	UnitID      string    `json:"unitId"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Location    Location  `json:"location"`
	Destination *Location `json:"destination,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (u *Unit) Key() string { return u.UnitID }

func (u *Unit) Clone() *Unit {
	out := *u
	out.Location = *u.Location.clone()
	out.Destination = u.Destination.clone()
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
