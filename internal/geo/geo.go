// Package geo provides the small set of coordinate primitives the clustering
// engine needs: WGS84 lat/lng pairs, great-circle distances in meters, and
// axis-aligned viewport bounds.
package geo

import "math"

// EarthRadiusMeters is the mean earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// LatLng is a WGS84 coordinate in decimal degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceMeters returns the haversine great-circle distance between a and b.
func DistanceMeters(a, b LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Centroid returns the arithmetic mean of the given coordinates.
//
// This is a flat average of latitudes and longitudes with no spherical or
// antimeridian correction. It is a documented approximation: adequate for
// marker clusters spanning city-scale distances, wrong for groups straddling
// the 180th meridian or the poles.
func Centroid(pts []LatLng) LatLng {
	if len(pts) == 0 {
		return LatLng{}
	}
	var sumLat, sumLng float64
	for _, p := range pts {
		sumLat += p.Lat
		sumLng += p.Lng
	}
	n := float64(len(pts))
	return LatLng{Lat: sumLat / n, Lng: sumLng / n}
}

// Bounds is an axis-aligned viewport rectangle in decimal degrees.
// Ranges that cross the antimeridian are not supported.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// Contains reports whether p falls inside b (inclusive of edges).
func (b Bounds) Contains(p LatLng) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// IsZero reports whether b is the zero rectangle.
func (b Bounds) IsZero() bool {
	return b.MinLat == 0 && b.MinLng == 0 && b.MaxLat == 0 && b.MaxLng == 0
}

// Pad returns b expanded by the given margin in degrees on every side.
func (b Bounds) Pad(deg float64) Bounds {
	return Bounds{
		MinLat: b.MinLat - deg,
		MinLng: b.MinLng - deg,
		MaxLat: b.MaxLat + deg,
		MaxLng: b.MaxLng + deg,
	}
}
