package geo

import (
	"fmt"
	"math"

	"github.com/example/ride-relay/internal/models"
)

// ValidatePosition rejects coordinates outside the WGS84 range and NaNs.
func ValidatePosition(p models.Position) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return fmt.Errorf("%w: coordinate is NaN", models.ErrInvalidPayload)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: coordinates out of range (%f, %f)", models.ErrInvalidPayload, p.Lat, p.Lng)
	}
	if p.Speed != nil && *p.Speed < 0 {
		return fmt.Errorf("%w: negative speed", models.ErrInvalidPayload)
	}
	if p.Accuracy != nil && *p.Accuracy < 0 {
		return fmt.Errorf("%w: negative accuracy", models.ErrInvalidPayload)
	}
	return nil
}

// Distance between two positions in meters.
func Distance(a, b models.Position) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
