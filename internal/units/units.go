// Package units provides shared physical-unit helpers for the telemetry
// pipeline. Distances are stored in miles, energy in kWh, speeds in m/s.
package units

import "math"

// EarthRadiusMeters is the mean Earth radius used for haversine distances.
const EarthRadiusMeters = 6371000.0

const (
	metersPerMile = 1609.344
	mpsToMph      = 2.2369362920544
)

// HaversineMeters returns the great-circle distance in meters between two
// lat/lon points given in degrees.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// MetersToMiles converts a distance in meters to miles.
func MetersToMiles(m float64) float64 {
	return m / metersPerMile
}

// MpsToMph converts a speed in meters per second to miles per hour.
func MpsToMph(mps float64) float64 {
	return mps * mpsToMph
}

// MiPerKwhToWhPerMi converts an efficiency in mi/kWh to its Wh/mi
// reciprocal. Returns 0 when the input is zero or not finite.
func MiPerKwhToWhPerMi(miPerKwh float64) float64 {
	if miPerKwh == 0 || math.IsNaN(miPerKwh) || math.IsInf(miPerKwh, 0) {
		return 0
	}
	return 1000.0 / miPerKwh
}
