package geo

import (
	"math"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// RadiansToDegrees converts radians to degrees
	RadiansToDegrees = 180.0 / math.Pi

	// EarthRadiusKm is the Earth's mean radius in kilometers
	EarthRadiusKm = 6371.0

	// FeetToMeters converts feet to meters
	FeetToMeters = 0.3048
)

// Coord is a position in decimal degrees
type Coord struct {
	Lat float64
	Lon float64
}

// Projection is the radar-relative geometry of a target as seen from an
// observer reference point. Known is false when either coordinate pair was
// malformed; callers keep rendering with the remaining data rather than fail.
type Projection struct {
	BearingDeg float64 `json:"bearing_deg"`
	DistanceKm float64 `json:"distance_km"`
	Known      bool    `json:"known"`
}

// Unknown is the sentinel returned for malformed input
var Unknown = Projection{}

// BearingDistance returns the initial great-circle bearing (0 inclusive to
// 360 exclusive, clockwise from true north) and haversine distance from
// origin to target. Coincident points yield bearing 0 and distance 0.
func BearingDistance(origin, target Coord) Projection {
	if !valid(origin) || !valid(target) {
		return Unknown
	}

	lat1 := origin.Lat * DegreesToRadians
	lon1 := origin.Lon * DegreesToRadians
	lat2 := target.Lat * DegreesToRadians
	lon2 := target.Lon * DegreesToRadians

	dLat := lat2 - lat1
	dLon := lon2 - lon1

	// Haversine formula
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	distanceKm := EarthRadiusKm * c

	// Initial bearing via atan2 takes the shortest path, so longitudes on
	// opposite sides of the antimeridian resolve correctly.
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	bearing := math.Atan2(y, x) * RadiansToDegrees

	if distanceKm == 0 {
		// Coincident points: bearing is defined as 0, not NaN
		return Projection{BearingDeg: 0, DistanceKm: 0, Known: true}
	}

	return Projection{
		BearingDeg: NormalizeBearing(bearing),
		DistanceKm: distanceKm,
		Known:      true,
	}
}

// ProjectToSector maps a bearing/distance pair onto a top-down radial display
// normalized to [-1, 1]. North is up (+y), east is right (+x). Targets at or
// beyond sectorRadiusKm are clamped to the sector rim so every tracked entity
// stays on-canvas.
func ProjectToSector(bearingDeg, distanceKm, sectorRadiusKm float64) (x, y float64) {
	if sectorRadiusKm <= 0 || math.IsNaN(bearingDeg) || math.IsNaN(distanceKm) {
		return 0, 0
	}

	r := distanceKm / sectorRadiusKm
	if r > 1 {
		r = 1
	}
	if r < 0 {
		r = 0
	}

	rad := bearingDeg * DegreesToRadians
	return r * math.Sin(rad), r * math.Cos(rad)
}

// MagneticDeclination returns the WMM declination in degrees (east positive)
// at the given position and time. The value drifts on a scale of months, so
// callers projecting from a fixed point can cache it.
func MagneticDeclination(lat, lon, altFt float64, date time.Time) (float64, error) {
	loc := egm96.NewLocationGeodetic(lat, lon, altFt*FeetToMeters)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		return 0, err
	}
	return mag.D(), nil
}

// MagneticBearing converts a true bearing to a magnetic one by applying the
// WMM declination at the observer's position and time.
func MagneticBearing(trueBearingDeg, lat, lon, altFt float64, date time.Time) float64 {
	d, err := MagneticDeclination(lat, lon, altFt, date)
	if err != nil {
		// Fall back to the true bearing if the model rejects the input
		return NormalizeBearing(trueBearingDeg)
	}
	return NormalizeBearing(trueBearingDeg - d)
}

// NormalizeBearing wraps a bearing into [0, 360)
func NormalizeBearing(deg float64) float64 {
	b := math.Mod(deg, 360.0)
	if b < 0 {
		b += 360.0
	}
	return b
}

func valid(c Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return true
}
