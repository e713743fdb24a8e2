// Package geotest builds synthetic GPS tracks for tests.
package geotest

import (
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/geo"
)

// Origin is a point in central Berlin.
var Origin = citylord.LatLng{Lat: 52.5200, Lng: 13.4050}

// SquarePath walks the perimeter of a side x side meter square counter-clockwise
// (east, north, west, south) starting at origin, emitting n points evenly spaced
// along the perimeter at speed m/s. The last point sits gapMeters short of origin.
func SquarePath(origin citylord.LatLng, side float64, n int, speed, gapMeters float64) []citylord.TrackPoint {
	perimeter := 4 * side
	walk := perimeter - gapMeters
	step := walk / float64(n-1)
	start := int64(1_700_000_000_000)

	points := make([]citylord.TrackPoint, 0, n)
	for i := 0; i < n; i++ {
		d := step * float64(i)
		north, east := onSquare(d, side)
		p := geo.Offset(origin, north, east)
		points = append(points, citylord.TrackPoint{
			Lat:         p.Lat,
			Lng:         p.Lng,
			TimestampMs: start + int64(d/speed*1000),
		})
	}
	return points
}

func onSquare(d, side float64) (north, east float64) {
	switch {
	case d <= side:
		return 0, d
	case d <= 2*side:
		return d - side, side
	case d <= 3*side:
		return side, 3*side - d
	default:
		return 4*side - d, 0
	}
}

// StraightPath runs due north from origin: n points, stepMeters apart, every
// stepSeconds.
func StraightPath(origin citylord.LatLng, n int, stepMeters, stepSeconds float64) []citylord.TrackPoint {
	start := int64(1_700_000_000_000)
	points := make([]citylord.TrackPoint, 0, n)
	for i := 0; i < n; i++ {
		p := geo.Offset(origin, stepMeters*float64(i), 0)
		points = append(points, citylord.TrackPoint{
			Lat:         p.Lat,
			Lng:         p.Lng,
			TimestampMs: start + int64(stepSeconds*float64(i)*1000),
		})
	}
	return points
}
