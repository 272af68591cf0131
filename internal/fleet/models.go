package fleet

import (
	"fmt"
	"strconv"
	"time"

	"github.com/radarflight/fleetsync/internal/store"
)

// Upstream wire models. The backend serializes numeric ids and
// camelCase field names; everything nullable stays a pointer so a partial
// payload is distinguishable from a zero.

// AircraftDTO is one element of the GET /aircraft response
type AircraftDTO struct {
	ID            int64    `json:"id"`
	Registration  string   `json:"registration"`
	Model         string   `json:"model"`
	FlightNumber  string   `json:"numeroVol"`
	Status        string   `json:"status"`
	PositionLat   *float64 `json:"positionLat"`
	PositionLon   *float64 `json:"positionLon"`
	Altitude      *float64 `json:"altitude"`
	Speed         *float64 `json:"speed"`
	Heading       *float64 `json:"heading"`
	VerticalSpeed *float64 `json:"verticalSpeed"`
	LastUpdate    string   `json:"lastUpdate"`
}

// EntityID returns the store key for the aircraft
func (a AircraftDTO) EntityID() string {
	return strconv.FormatInt(a.ID, 10)
}

// FlightDTO is one element of the GET /flight response
type FlightDTO struct {
	ID               int64        `json:"id"`
	FlightNumber     string       `json:"flightNumber"`
	Airline          string       `json:"airline"`
	FlightStatus     string       `json:"flightStatus"`
	Aircraft         *AircraftDTO `json:"aircraft"`
	ScheduledArrival string       `json:"scheduledArrival"`
	ActualDeparture  string       `json:"actualDeparture"`
}

// WeatherAlertDTO is one element of the GET /weather/alerts response
type WeatherAlertDTO struct {
	ID            int64    `json:"id"`
	Airport       *struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"airport"`
	WindSpeed  *float64 `json:"windSpeed"`
	Visibility *float64 `json:"visibility"`
	Conditions string   `json:"conditions"`
	Timestamp  string   `json:"timestamp"`
}

// ConflictDTO is one element of the GET /conflicts response
type ConflictDTO struct {
	Aircraft1    AircraftDTO `json:"aircraft1"`
	Aircraft2    AircraftDTO `json:"aircraft2"`
	ConflictInfo struct {
		Distance       float64 `json:"distance"`
		AltitudeDiff   float64 `json:"altitudeDiff"`
		ClosingSpeed   float64 `json:"closingSpeed"`
		TimeToConflict float64 `json:"timeToConflict"`
		Severity       string  `json:"severity"`
	} `json:"conflictInfo"`
	Timestamp string `json:"timestamp"`
}

// Description renders the conflict for the alert feed
func (c ConflictDTO) Description() string {
	return fmt.Sprintf("Separation conflict between %s and %s: %.1f km apart, %.0f m vertical",
		c.Aircraft1.Registration, c.Aircraft2.Registration,
		c.ConflictInfo.Distance, c.ConflictInfo.AltitudeDiff)
}

// RadarContact is one aircraft in the presenter radar view
type RadarContact struct {
	ID           string          `json:"id"`
	Registration string          `json:"registration,omitempty"`
	Status       store.Status    `json:"status,omitempty"`
	Position     *store.Position `json:"position,omitempty"`
	GroundSpeed  *float64        `json:"ground_speed,omitempty"`
	Heading      *float64        `json:"heading,omitempty"`

	// Geometry relative to the radar center; valid only when Known
	Known              bool    `json:"known"`
	BearingDeg         float64 `json:"bearing_deg"`
	MagneticBearingDeg float64 `json:"magnetic_bearing_deg"`
	DistanceKm         float64 `json:"distance_km"`
	SectorX            float64 `json:"sector_x"`
	SectorY            float64 `json:"sector_y"`
	InSector           bool    `json:"in_sector"`

	Stale       bool      `json:"stale"`
	LastUpdated time.Time `json:"last_updated"`
}

// RadarView is the full presenter payload for the radar display
type RadarView struct {
	CenterLatitude  float64        `json:"center_latitude"`
	CenterLongitude float64        `json:"center_longitude"`
	SectorRadiusKm  float64        `json:"sector_radius_km"`
	GeneratedAt     time.Time      `json:"generated_at"`
	Contacts        []RadarContact `json:"contacts"`
}

// parseUpstreamTime accepts the backend's LocalDateTime serialization as
// well as RFC3339. Returns the zero time when the value is absent or
// unparseable, which makes the store fall back to arrival time.
func parseUpstreamTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
