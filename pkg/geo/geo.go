// Package geo provides geographic utility functions for dispatch routing.
//
// All distance calculations use the Haversine formula on WGS-84 coordinates.
// Travel time is estimated using a constant average speed; the real
// road-routing engine is an external service and is not modeled here.
package geo

import (
	"math"
	"time"

	"github.com/rescuegrid/dispatch/internal/model"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0

	// EarthRadiusM is the mean radius of Earth in meters.
	EarthRadiusM = 6_371_000.0

	// AverageSpeedKmph is the assumed average ambulance speed in city traffic.
	// Used for ETA estimation when the routing engine is unavailable.
	AverageSpeedKmph = 40.0
)

// ─── Distance ───────────────────────────────────────────────

// HaversineKm returns the great-circle distance between two points in kilometers.
//
// Complexity: O(1)
func HaversineKm(a, b model.Location) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLng := degToRad(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLng*sinLng

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b model.Location) float64 {
	return HaversineKm(a, b) * 1000.0
}

// ─── Time estimation ────────────────────────────────────────

// EstimateTimeMinutes returns the estimated direct travel time between two
// points in minutes, assuming AverageSpeedKmph.
func EstimateTimeMinutes(a, b model.Location) float64 {
	return (HaversineKm(a, b) / AverageSpeedKmph) * 60.0
}

// ETA returns the estimated arrival time at b when departing from a at `from`.
func ETA(from time.Time, a, b model.Location) time.Time {
	return from.Add(time.Duration(EstimateTimeMinutes(a, b) * float64(time.Minute)))
}

// ─── Helpers ────────────────────────────────────────────────

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
