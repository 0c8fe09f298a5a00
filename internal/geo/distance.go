// Package geo provides great-circle distance on WGS84 coordinates.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// DistanceKm returns the haversine distance in kilometers between
// (lon1, lat1) and (lon2, lat2), all in decimal degrees.
func DistanceKm(lon1, lat1, lon2, lat2 float64) float64 {
	const p = math.Pi / 180
	a := 0.5 - math.Cos((lat2-lat1)*p)/2 +
		math.Cos(lat1*p)*math.Cos(lat2*p)*(1-math.Cos((lon2-lon1)*p))/2
	// rounding can push a a hair outside [0, 1]
	a = math.Min(1, math.Max(0, a))
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}
