// Package geo provides geographic helpers for route matching.
//
// Distances use the Haversine formula on WGS-84 coordinates. Travel time
// estimates assume a constant average city speed.
package geo

import "math"

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0

	// AverageSpeedKmph is the assumed average city driving speed.
	AverageSpeedKmph = 30.0
)

// Point is a WGS-84 coordinate pair
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HaversineKm returns the great-circle distance between two points in kilometers.
func HaversineKm(a, b Point) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLng := degToRad(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLng*sinLng

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b Point) float64 {
	return HaversineKm(a, b) * 1000.0
}

// PathDistanceKm returns the total distance of an ordered path in kilometers.
func PathDistanceKm(path []Point) float64 {
	total := 0.0
	for i := 0; i < len(path)-1; i++ {
		total += HaversineKm(path[i], path[i+1])
	}
	return total
}

// EstimateTimeMinutes returns the estimated direct travel time between two
// points in minutes, assuming AverageSpeedKmph.
func EstimateTimeMinutes(a, b Point) float64 {
	return (HaversineKm(a, b) / AverageSpeedKmph) * 60.0
}

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
