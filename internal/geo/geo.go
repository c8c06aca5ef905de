package geo

import "math"

// earthRadiusMeters is the spherical-Earth approximation used by Haversine.
const earthRadiusMeters = 6371000

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fix is an observed device position with its reported accuracy.
type Fix struct {
	Coordinate
	AccuracyMeters float64 `json:"accuracy_m"`
}

// Distance returns the great-circle distance between a and b in meters
// using the Haversine formula. Symmetric and total; NaN inputs propagate.
func Distance(a, b Coordinate) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// WithinGeofence reports whether observed falls inside the circular fence
// around target. The boundary is inclusive.
func WithinGeofence(observed, target Coordinate, radiusMeters float64) bool {
	return Distance(observed, target) <= radiusMeters
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
