// Package geo is the geometry kernel: great-circle distances, drift filtering,
// loop closure, polygon area and human plausibility checks. Pure functions, no I/O.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
)

// EarthRadius is the mean earth radius in meters.
const EarthRadius = 6371008.8

var ErrImplausibleMotion = errors.New("implausible motion")

func rad(deg float64) float64 { return deg * math.Pi / 180 }

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b citylord.LatLng) float64 {
	if a == b {
		return 0
	}
	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// speedKmh is the implied speed from a to b. Zero distance is always 0 km/h;
// a positive distance with no elapsed time is infinite.
func speedKmh(a, b citylord.TrackPoint) float64 {
	d := Haversine(a.LatLng(), b.LatLng())
	if d == 0 {
		return 0
	}
	dt := float64(b.TimestampMs-a.TimestampMs) / 1000
	if dt <= 0 {
		return math.Inf(1)
	}
	return d / dt * 3.6
}

// FilterDrift drops points whose implied speed from the last retained point
// exceeds limitKmh. It returns the retained points and how many were dropped.
func FilterDrift(points []citylord.TrackPoint, limitKmh float64) ([]citylord.TrackPoint, int) {
	if len(points) == 0 {
		return nil, 0
	}
	kept := make([]citylord.TrackPoint, 0, len(points))
	kept = append(kept, points[0])
	dropped := 0
	for _, p := range points[1:] {
		if speedKmh(kept[len(kept)-1], p) > limitKmh {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	return kept, dropped
}

// PathDistance sums consecutive great-circle distances in meters.
func PathDistance(points []citylord.TrackPoint) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Haversine(points[i-1].LatLng(), points[i].LatLng())
	}
	return total
}

// IsLoopClosed reports whether the path ends within thresholdMeters of its
// start (inclusive) and has at least minPoints points.
func IsLoopClosed(points []citylord.TrackPoint, thresholdMeters float64, minPoints int) bool {
	if len(points) < 2 || len(points) < minPoints {
		return false
	}
	return Haversine(points[0].LatLng(), points[len(points)-1].LatLng()) <= thresholdMeters
}

// PolygonArea returns the area of ring in square meters using the spherical
// excess approximation. Winding order does not matter.
func PolygonArea(ring citylord.Ring) float64 {
	if len(ring) < 3 {
		return 0
	}
	var total float64
	n := len(ring)
	for i := 0; i < n; i++ {
		p1, p2 := ring[i], ring[(i+1)%n]
		total += rad(p2.Lng-p1.Lng) * (2 + math.Sin(rad(p1.Lat)) + math.Sin(rad(p2.Lat)))
	}
	return math.Abs(total * EarthRadius * EarthRadius / 2)
}

// Limits are the physical bounds a human run must respect.
type Limits struct {
	SpeedLimitKmh      float64
	MinPaceSecPerKm    float64
	PaceCheckMinMeters float64
}

func LimitsFromRules(r citylord.Rules) Limits {
	return Limits{
		SpeedLimitKmh:      r.SpeedLimitKmh,
		MinPaceSecPerKm:    r.MinPaceSecPerKm,
		PaceCheckMinMeters: r.PaceCheckMinMeters,
	}
}

// ValidateHumanLimits fails with ErrImplausibleMotion if any segment is faster
// than the sprint ceiling, or the whole path is run at a pace faster than the
// floor over more than PaceCheckMinMeters.
func ValidateHumanLimits(points []citylord.TrackPoint, l Limits) error {
	for i := 1; i < len(points); i++ {
		if v := speedKmh(points[i-1], points[i]); v > l.SpeedLimitKmh {
			return fmt.Errorf("%w: segment %d at %.1f km/h exceeds %.0f km/h",
				ErrImplausibleMotion, i, v, l.SpeedLimitKmh)
		}
	}
	if len(points) < 2 {
		return nil
	}
	return CheckPace(PathDistance(points), float64(points[len(points)-1].TimestampMs-points[0].TimestampMs)/1000, l)
}

// CheckPace applies the sustained pace floor to a distance covered in durationSec.
func CheckPace(meters, durationSec float64, l Limits) error {
	if meters <= l.PaceCheckMinMeters {
		return nil
	}
	if durationSec <= 0 {
		return fmt.Errorf("%w: %.0f m covered in no time", ErrImplausibleMotion, meters)
	}
	pace := durationSec / (meters / 1000)
	if pace < l.MinPaceSecPerKm {
		return fmt.Errorf("%w: average pace %.0f s/km faster than %.0f s/km",
			ErrImplausibleMotion, pace, l.MinPaceSecPerKm)
	}
	return nil
}

// RingFromPoints turns a path into a closed ring.
func RingFromPoints(points []citylord.TrackPoint) citylord.Ring {
	if len(points) == 0 {
		return nil
	}
	ring := make(citylord.Ring, 0, len(points)+1)
	for _, p := range points {
		ring = append(ring, p.LatLng())
	}
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring
}

// Centroid is the vertex average of the ring, ignoring the closing point.
func Centroid(ring citylord.Ring) citylord.LatLng {
	pts := ring
	if ring.Closed() {
		pts = ring[:len(ring)-1]
	}
	if len(pts) == 0 {
		return citylord.LatLng{}
	}
	var c citylord.LatLng
	for _, p := range pts {
		c.Lat += p.Lat
		c.Lng += p.Lng
	}
	c.Lat /= float64(len(pts))
	c.Lng /= float64(len(pts))
	return c
}

type Bounds struct {
	Min, Max citylord.LatLng
}

func BoundingBox(ring citylord.Ring) Bounds {
	if len(ring) == 0 {
		return Bounds{}
	}
	b := Bounds{Min: ring[0], Max: ring[0]}
	for _, p := range ring[1:] {
		b.Min.Lat = math.Min(b.Min.Lat, p.Lat)
		b.Min.Lng = math.Min(b.Min.Lng, p.Lng)
		b.Max.Lat = math.Max(b.Max.Lat, p.Lat)
		b.Max.Lng = math.Max(b.Max.Lng, p.Lng)
	}
	return b
}

// Offset moves p by north and east meters on a local flat approximation.
func Offset(p citylord.LatLng, north, east float64) citylord.LatLng {
	dLat := north / EarthRadius
	dLng := east / (EarthRadius * math.Cos(rad(p.Lat)))
	return citylord.LatLng{
		Lat: p.Lat + dLat*180/math.Pi,
		Lng: p.Lng + dLng*180/math.Pi,
	}
}
