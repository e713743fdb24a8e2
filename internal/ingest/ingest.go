// Package ingest validates and cleans a submitted track and turns it into a
// settlement-ready polygon.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/geo"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/tile"
)

var (
	ErrInvalidSchema = errors.New("invalid track")
	ErrTooFewPoints  = errors.New("too few points after drift filtering")
)

const (
	WarnLoopNotClosed = "loop not closed"
	WarnAreaTooSmall  = "area too small"
)

// ValidationError lists every schema problem found in a submission.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid track: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSchema }

type Result struct {
	Polygon        citylord.Ring         `json:"polygon"`
	Tiles          []string              `json:"tiles"`
	Points         []citylord.TrackPoint `json:"-"`
	DistanceMeters float64               `json:"distanceMeters"`
	AreaM2         float64               `json:"areaM2"`
	DroppedPoints  int                   `json:"droppedPoints"`
	Warnings       []string              `json:"warnings"`
}

type Pipeline struct {
	rules citylord.Rules
	index *tile.Index
}

func New(rules citylord.Rules, index *tile.Index) *Pipeline {
	return &Pipeline{rules: rules, index: index}
}

// Ingest runs the gates in order. On ErrImplausibleMotion the returned Result
// still carries the cleaned points and distance so the run can be kept as a
// plain activity.
func (p *Pipeline) Ingest(sub citylord.RunSubmission) (Result, error) {
	if err := p.validate(sub.Points); err != nil {
		return Result{}, err
	}

	kept, dropped := geo.FilterDrift(sub.Points, p.rules.SpeedLimitKmh)
	res := Result{
		Points:         kept,
		DistanceMeters: geo.PathDistance(kept),
		DroppedPoints:  dropped,
	}
	if dropped > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("drift points removed: %d", dropped))
	}
	if len(kept) < p.rules.MinLoopPoints {
		// Most of the track outrunning the ceiling is sustained speed, not drift.
		if dropped*2 > len(sub.Points) {
			return res, fmt.Errorf("%w: %d of %d points above %.0f km/h",
				geo.ErrImplausibleMotion, dropped, len(sub.Points), p.rules.SpeedLimitKmh)
		}
		return res, fmt.Errorf("%w: %d left, need %d", ErrTooFewPoints, len(kept), p.rules.MinLoopPoints)
	}

	limits := geo.LimitsFromRules(p.rules)
	if err := geo.ValidateHumanLimits(kept, limits); err != nil {
		return res, err
	}
	if sub.DurationSeconds > 0 && sub.DistanceMeters > 0 {
		if err := geo.CheckPace(sub.DistanceMeters, float64(sub.DurationSeconds), limits); err != nil {
			return res, fmt.Errorf("declared summary: %w", err)
		}
		if diff := math.Abs(sub.DistanceMeters-res.DistanceMeters); diff > res.DistanceMeters/2 {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"declared distance %.0f m differs from measured %.0f m", sub.DistanceMeters, res.DistanceMeters))
		}
	}

	if !geo.IsLoopClosed(kept, p.rules.LoopCloseMeters, p.rules.MinLoopPoints) {
		res.Warnings = append(res.Warnings, WarnLoopNotClosed)
		return res, nil
	}

	ring := geo.RingFromPoints(kept)
	area := geo.PolygonArea(ring)
	if area < p.rules.MinTerritoryAreaM2 {
		res.Warnings = append(res.Warnings, WarnAreaTooSmall)
		return res, nil
	}

	tiles, err := p.index.PolygonToTiles(ring)
	if err != nil {
		return res, fmt.Errorf("mapping polygon to tiles: %w", err)
	}
	res.Polygon = ring
	res.AreaM2 = area
	res.Tiles = tiles
	return res, nil
}

func (p *Pipeline) validate(points []citylord.TrackPoint) error {
	var problems []string
	if len(points) < p.rules.MinLoopPoints {
		problems = append(problems, fmt.Sprintf("got %d points, need at least %d", len(points), p.rules.MinLoopPoints))
	}
	for i, pt := range points {
		switch {
		case math.IsNaN(pt.Lat) || pt.Lat < -90 || pt.Lat > 90:
			problems = append(problems, fmt.Sprintf("point %d: latitude %v out of range", i, pt.Lat))
		case math.IsNaN(pt.Lng) || pt.Lng < -180 || pt.Lng > 180:
			problems = append(problems, fmt.Sprintf("point %d: longitude %v out of range", i, pt.Lng))
		case pt.TimestampMs <= 0:
			problems = append(problems, fmt.Sprintf("point %d: timestamp %d must be positive", i, pt.TimestampMs))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
