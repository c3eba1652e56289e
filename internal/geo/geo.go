package geo

import "math"

// earthRadius is the mean WGS84 radius in meters.
const earthRadius = 6371000

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	φ1 := a.Latitude * math.Pi / 180
	φ2 := b.Latitude * math.Pi / 180
	Δφ := (b.Latitude - a.Latitude) * math.Pi / 180
	Δλ := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(Δφ/2)*math.Sin(Δφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	if h > 1 {
		h = 1
	}
	return 2 * earthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// IsWithinRadius reports whether reported lies within radiusMeters of reference.
// It also returns the computed distance so callers can surface it.
func IsWithinRadius(reported, reference Point, radiusMeters float64) (bool, float64) {
	d := Distance(reported, reference)
	return d <= radiusMeters, d
}

// Valid reports whether p is a real coordinate.
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}
