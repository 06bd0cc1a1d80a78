// Package geo provides great-circle distance math and the proximity
// predicate used to decide whether a record is in view of the subject.
package geo

import (
	"math"

	"github.com/kass/go-proximity-sync/pkg/models"
)

const (
	EarthRadiusKm     = 6371.0
	EarthRadiusMeters = 6371000.0
)

// DistanceMeters returns the haversine distance between two points in meters
func DistanceMeters(a, b models.GeoPoint) float64 {
	return haversine(a.Lat, a.Lon, b.Lat, b.Lon, EarthRadiusMeters)
}

// DistanceKm returns the haversine distance between two points in kilometers
func DistanceKm(a, b models.GeoPoint) float64 {
	return haversine(a.Lat, a.Lon, b.Lat, b.Lon, EarthRadiusKm)
}

// Distance calculates the haversine distance between two lat/lon pairs in kilometers
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	return haversine(lat1, lon1, lat2, lon2, EarthRadiusKm)
}

// haversine does not validate its input; NaN propagates to the result.
func haversine(lat1, lon1, lat2, lon2, radius float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0

	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return radius * c
}

// DegreesForKm approximates how many degrees of latitude span the given distance
func DegreesForKm(km float64) float64 {
	return (km / EarthRadiusKm) * (180 / math.Pi)
}
