package citytwin

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrWrongShard is returned when an update is applied to state outside its
// shard, e.g. a vehicle change applied to a district.
var ErrWrongShard = errors.New("update does not belong to this shard")

// Units and statuses the merges assign to derived records.
const (
	UnitKmh        = "km/h"
	UnitCongestion = "congestionLevel"
)

// RoadConditionCongestion maps a camera's road condition to a congestion
// level between 0 and 100. Unknown conditions map to 50.
func RoadConditionCongestion(condition string) int {
	switch condition {
	case "clear":
		return 10
	case "congestion":
		return 70
	case "accident":
		return 95
	case "obstacles":
		return 80
	case "flooding":
		return 100
	default:
		return 50
	}
}

// Apply merges a district-scoped update into d. It must only be called by the
// goroutine that owns d's shard.
func (d *District) Apply(u Update) error {
	ts := u.Timestamp
	switch c := u.Change.(type) {
	case SpeedChange:
		s := d.Sensors.Upsert(c.SensorID, func() *Sensor {
			return &Sensor{SensorID: c.SensorID, Type: SensorTypeSpeed}
		})
		s.EdgeID = c.EdgeID
		s.Value = c.SpeedKmh
		s.Unit = UnitKmh
		s.Status = SensorActive
		s.LastUpdated = ts
		if c.Location != nil {
			s.Location = c.Location.clone()
		}
		if s.Metadata == nil {
			s.Metadata = &SensorMetadata{}
		}
		speed := c.SpeedKmh
		s.Metadata.AverageSpeed = &speed
		if c.Readings != nil {
			s.Metadata.Readings = append([]SpeedReading(nil), c.Readings...)
		}

	case CameraChange:
		s := d.Sensors.Upsert(c.SensorID, func() *Sensor {
			return &Sensor{SensorID: c.SensorID, Type: SensorTypeCamera}
		})
		s.EdgeID = c.EdgeID
		s.Value = float64(RoadConditionCongestion(c.RoadCondition))
		s.Unit = UnitCongestion
		s.Status = SensorActive
		s.LastUpdated = ts
		if c.Location != nil {
			s.Location = c.Location.clone()
		}
		if s.Metadata == nil {
			s.Metadata = &SensorMetadata{}
		}
		s.Metadata.RoadCondition = c.RoadCondition
		if c.ConfidenceScore != nil {
			s.Metadata.ConfidenceScore = clonePtr(c.ConfidenceScore)
		}
		if c.VehicleCount != nil {
			s.Metadata.VehicleCount = clonePtr(c.VehicleCount)
		}

	case EnvironmentalChange:
		s := d.Sensors.Upsert(c.SensorID, func() *Sensor {
			return &Sensor{SensorID: c.SensorID}
		})
		s.Type = c.Type
		s.Value = c.Value
		if c.Unit != "" {
			s.Unit = c.Unit
		}
		s.Status = c.Status
		if s.Status == "" {
			s.Status = SensorActive
		}
		s.LastUpdated = ts
		if c.Location != nil {
			s.Location = c.Location.clone()
		}

	case WeatherChange:
		w := d.WeatherStations.Upsert(c.StationID, func() *WeatherStation {
			return &WeatherStation{StationID: c.StationID, Name: c.StationID}
		})
		if c.Name != "" {
			w.Name = c.Name
		}
		if c.EdgeID != "" {
			w.EdgeID = c.EdgeID
		}
		if c.Location != nil {
			w.Location = *c.Location.clone()
		}
		mergeReadings(&w.Readings, c.Readings)
		w.Status = SensorActive
		w.LastUpdated = ts

	case BuildingChange:
		incoming := c.Building.Clone()
		incoming.LastUpdated = ts
		if u.Strategy == ReplaceRecord || c.Full {
			if incoming.Status == "" {
				incoming.Status = BuildingOperational
			}
			d.Buildings.Put(incoming)
			return nil
		}
		b := d.Buildings.Upsert(incoming.BuildingID, func() *Building {
			return &Building{BuildingID: incoming.BuildingID, Status: BuildingOperational}
		})
		mergeBuilding(b, incoming)

	default:
		return fmt.Errorf("%w: %T for district %q", ErrWrongShard, u.Change, d.DistrictID)
	}
	return nil
}

func mergeReadings(dst *Readings, src Readings) {
	set := func(dst **float64, src *float64) {
		if src != nil {
			*dst = clonePtr(src)
		}
	}
	set(&dst.Temperature, src.Temperature)
	set(&dst.Humidity, src.Humidity)
	set(&dst.Pressure, src.Pressure)
	set(&dst.WindSpeed, src.WindSpeed)
	set(&dst.WindDirection, src.WindDirection)
	set(&dst.Precipitation, src.Precipitation)
	if src.Condition != "" {
		dst.Condition = src.Condition
	}
}

// mergeBuilding merges a partial building message into b. Descriptive fields
// overwrite only when present; each nested sensor or resource replaces the
// stored one with the same id.
func mergeBuilding(b, in *Building) {
	if in.Name != "" {
		b.Name = in.Name
	}
	if in.Type != "" {
		b.Type = in.Type
	}
	if in.Status != "" {
		b.Status = in.Status
	}
	if in.Location != (Location{}) {
		b.Location = in.Location
	}
	for _, s := range in.AirQualitySensors.All() {
		b.AirQualitySensors.Put(s)
	}
	for _, s := range in.AcousticSensors.All() {
		b.AcousticSensors.Put(s)
	}
	for _, s := range in.DisplaySensors.All() {
		b.DisplaySensors.Put(s)
	}
	for _, e := range in.EmergencyExits.All() {
		b.EmergencyExits.Put(e)
	}
	for _, e := range in.Elevators.All() {
		b.Elevators.Put(e)
	}
	b.LastUpdated = in.LastUpdated
}

// ApplyShared merges an update of the city-wide collections into c. It must
// only be called by the goroutine that owns SharedShard, and never touches
// c.Districts.
func (c *City) ApplyShared(u Update) error {
	ts := u.Timestamp
	switch ch := u.Change.(type) {
	case VehicleChange:
		v := c.Vehicles.Upsert(ch.VehicleID, func() *Vehicle {
			return &Vehicle{VehicleID: ch.VehicleID, Operational: true}
		})
		mergeVehicle(v, ch, ts)
		c.deriveFromVehicle(v)

	case TransitChange:
		if ch.Bus != nil {
			b := c.PublicTransport.Buses.Upsert(ch.Bus.BusID, func() *Bus {
				return &Bus{BusID: ch.Bus.BusID, Status: BusOnTime}
			})
			mergeBus(b, ch.Bus, ts)
		}
		if ch.Station != nil {
			s := c.PublicTransport.Stations.Upsert(ch.Station.StationID, func() *Station {
				return &Station{StationID: ch.Station.StationID}
			})
			mergeStation(s, ch.Station, ts)
		}

	case IncidentChange:
		in := ch.Incident
		i := c.EmergencyServices.Incidents.Upsert(in.IncidentID, func() *Incident {
			return &Incident{IncidentID: in.IncidentID, ReportedAt: ts}
		})
		mergeIncident(i, &in, ts)

	case GraphChange:
		for _, n := range ch.Nodes {
			c.Graph.Nodes.Put(n.Clone())
		}
		for _, e := range ch.Edges {
			e := e.Clone()
			if e.LastUpdated.IsZero() {
				e.LastUpdated = ts
			}
			c.Graph.Edges.Put(e)
		}

	default:
		return fmt.Errorf("%w: %T for shared collections", ErrWrongShard, u.Change)
	}
	return nil
}

func mergeVehicle(v *Vehicle, c VehicleChange, ts time.Time) {
	if c.Type != "" {
		v.Type = c.Type
	}
	if c.Name != "" {
		v.Name = c.Name
	}
	if c.Location != nil {
		v.Location = *c.Location.clone()
	}
	if c.Speed != nil {
		v.Movement.Speed = *c.Speed
	}
	if c.Heading != nil {
		v.Movement.Heading = *c.Heading
	}
	if c.Direction != "" {
		v.Movement.Direction = c.Direction
	}
	if c.BatteryLevel != nil {
		v.Resources.BatteryLevel = clonePtr(c.BatteryLevel)
	}
	if c.Firmware != "" {
		v.Resources.Firmware = c.Firmware
	}
	if c.IncidentDetected != nil {
		v.Sensors.IncidentDetected = *c.IncidentDetected
	}
	if c.Priority != "" {
		v.Route.Priority = c.Priority
	}
	if c.Destination != nil {
		v.Route.CurrentDestination = clonePtr(c.Destination)
	}
	if c.Operational != nil {
		v.Operational = *c.Operational
	}
	v.LastUpdated = ts
}

// emergencyUnitTypes maps vehicle types to the emergency unit types they
// derive.
var emergencyUnitTypes = map[string]string{
	"ambulance": "ambulance",
	"firetruck": "fire-truck",
	"police":    "police",
}

// deriveFromVehicle keeps the public transport and emergency services views in
// step with a vehicle: buses derive a Bus, emergency vehicles derive a Unit,
// and a detected incident on an emergency vehicle raises an Incident.
func (c *City) deriveFromVehicle(v *Vehicle) {
	if v.Type == "bus" {
		b := c.PublicTransport.Buses.Upsert(v.VehicleID, func() *Bus {
			return &Bus{BusID: v.VehicleID}
		})
		b.Route = v.Name
		if b.Route == "" {
			b.Route = "Unknown Route"
		}
		b.Location = *v.Location.clone()
		b.CurrentStop = "In Transit"
		if d := v.Route.CurrentDestination; d != nil && d.LocationName != "" {
			b.CurrentStop = d.LocationName
		}
		b.Speed = v.Movement.Speed
		b.Status = BusDelayed
		if v.Operational {
			b.Status = BusOnTime
		}
		b.LastUpdated = v.LastUpdated
		return
	}

	unitType, ok := emergencyUnitTypes[v.Type]
	if !ok {
		return
	}
	u := c.EmergencyServices.Units.Upsert(v.VehicleID, func() *Unit {
		return &Unit{UnitID: v.VehicleID}
	})
	u.Type = unitType
	u.Location = *v.Location.clone()
	switch {
	case v.Route.Priority == "critical":
		u.Status = UnitResponding
	case v.Movement.Speed > 0:
		u.Status = UnitPatrol
	default:
		u.Status = UnitAvailable
	}
	u.Destination = nil
	if d := v.Route.CurrentDestination; u.Status == UnitResponding && d != nil {
		u.Destination = &Location{Latitude: d.Latitude, Longitude: d.Longitude}
	}
	u.LastUpdated = v.LastUpdated

	if v.Sensors.IncidentDetected {
		id := DerivedIncidentID(v.VehicleID)
		i := c.EmergencyServices.Incidents.Upsert(id, func() *Incident {
			return &Incident{
				IncidentID: id,
				Type:       "collision",
				Priority:   "critical",
				ReportedAt: v.LastUpdated,
				Status:     "in-progress",
			}
		})
		i.Location = *v.Location.clone()
		i.RespondingUnits = []string{v.VehicleID}
		i.LastUpdated = v.LastUpdated
	}
}

// DerivedIncidentID returns the id of the incident raised by the vehicle with
// the given id when it reports a detected incident.
func DerivedIncidentID(vehicleID string) string { return "INC-" + vehicleID }

// RemoveDerived deletes the bus, unit and incident derived from the vehicle
// with the given id. Remaining incidents stop listing the vehicle among their
// responding units.
func (c *City) RemoveDerived(vehicleID string) {
	c.PublicTransport.Buses.Remove(vehicleID)
	c.EmergencyServices.Units.Remove(vehicleID)
	c.EmergencyServices.Incidents.Remove(DerivedIncidentID(vehicleID))
	for _, i := range c.EmergencyServices.Incidents.All() {
		i.RespondingUnits = slices.DeleteFunc(i.RespondingUnits, func(u string) bool { return u == vehicleID })
	}
}

func mergeBus(b, in *Bus, ts time.Time) {
	if in.Route != "" {
		b.Route = in.Route
	}
	if in.Location != (Location{}) {
		b.Location = *in.Location.clone()
	}
	if in.CurrentStop != "" {
		b.CurrentStop = in.CurrentStop
	}
	b.Speed = in.Speed
	if in.Status != "" {
		b.Status = in.Status
	}
	if in.Occupancy != nil {
		b.Occupancy = clonePtr(in.Occupancy)
	}
	b.LastUpdated = ts
}

func mergeStation(s, in *Station, ts time.Time) {
	if in.Name != "" {
		s.Name = in.Name
	}
	if in.Location != (Location{}) {
		s.Location = *in.Location.clone()
	}
	if in.Routes != nil {
		s.Routes = append([]string(nil), in.Routes...)
	}
	if in.Waiting != nil {
		s.Waiting = clonePtr(in.Waiting)
	}
	s.LastUpdated = ts
}

func mergeIncident(i, in *Incident, ts time.Time) {
	if in.Type != "" {
		i.Type = in.Type
	}
	if in.Priority != "" {
		i.Priority = in.Priority
	}
	if in.Location != (Location{}) {
		i.Location = *in.Location.clone()
	}
	if !in.ReportedAt.IsZero() {
		i.ReportedAt = in.ReportedAt
	}
	if in.RespondingUnits != nil {
		i.RespondingUnits = append([]string(nil), in.RespondingUnits...)
	}
	if in.Status != "" {
		i.Status = in.Status
	}
	for k, v := range in.Details {
		if i.Details == nil {
			i.Details = make(map[string]string, len(in.Details))
		}
		i.Details[k] = v
	}
	i.LastUpdated = ts
}
