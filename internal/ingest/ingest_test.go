package ingest_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/geo"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/geo/geotest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/ingest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/tile"
)

func newPipeline() *ingest.Pipeline {
	grid := tile.NewHexGrid(25)
	return ingest.New(citylord.DefaultRules(), tile.NewIndex(grid, grid.Edge()))
}

func submission(points []citylord.TrackPoint) citylord.RunSubmission {
	return citylord.RunSubmission{IdempotencyKey: "k", UserID: "u1", Points: points}
}

func TestIngestSquareLoop(t *testing.T) {
	p := newPipeline()
	res, err := p.Ingest(submission(geotest.SquarePath(geotest.Origin, 200, 12, 3, 15)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Polygon == nil || !res.Polygon.Closed() {
		t.Fatal("expected a closed polygon")
	}
	if res.AreaM2 < 35_000 || res.AreaM2 > 41_000 {
		t.Errorf("area = %.0f, want ~40000", res.AreaM2)
	}
	if len(res.Tiles) < 18 {
		t.Errorf("got %d tiles, want ~24", len(res.Tiles))
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
}

func TestIngestSchemaErrors(t *testing.T) {
	good := geotest.SquarePath(geotest.Origin, 200, 12, 3, 15)

	badLat := slices.Clone(good)
	badLat[3].Lat = 91
	badLng := slices.Clone(good)
	badLng[4].Lng = -181
	badTS := slices.Clone(good)
	badTS[0].TimestampMs = 0

	tests := []struct {
		name   string
		points []citylord.TrackPoint
	}{
		{"too few points", good[:5]},
		{"latitude out of range", badLat},
		{"longitude out of range", badLng},
		{"zero timestamp", badTS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newPipeline().Ingest(submission(tt.points))
			if !errors.Is(err, ingest.ErrInvalidSchema) {
				t.Fatalf("err = %v, want ErrInvalidSchema", err)
			}
			var ve *ingest.ValidationError
			if !errors.As(err, &ve) || len(ve.Problems) == 0 {
				t.Fatalf("expected a ValidationError with problems, got %v", err)
			}
		})
	}
}

func TestIngestFiltersSingleGlitch(t *testing.T) {
	points := geotest.SquarePath(geotest.Origin, 200, 30, 3, 10)
	glitch := geo.Offset(points[7].LatLng(), 0, 1500)
	points[7].Lat, points[7].Lng = glitch.Lat, glitch.Lng

	res, err := newPipeline().Ingest(submission(points))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.DroppedPoints != 1 {
		t.Errorf("dropped = %d, want 1", res.DroppedPoints)
	}
	if !slices.Contains(res.Warnings, "drift points removed: 1") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if res.Polygon == nil {
		t.Error("cleaned path should still produce territory")
	}
}

func TestIngestSustainedSpeedIsImplausible(t *testing.T) {
	// 139 m every 10 s for 5 km.
	points := geotest.StraightPath(geotest.Origin, 37, 138.9, 10)

	res, err := newPipeline().Ingest(submission(points))
	if !errors.Is(err, geo.ErrImplausibleMotion) {
		t.Fatalf("err = %v, want ErrImplausibleMotion", err)
	}
	if res.Polygon != nil {
		t.Error("implausible run must not produce territory")
	}
}

func TestIngestDeclaredPaceIsChecked(t *testing.T) {
	sub := submission(geotest.SquarePath(geotest.Origin, 200, 12, 3, 15))
	sub.DistanceMeters = 5000
	sub.DurationSeconds = 300

	if _, err := newPipeline().Ingest(sub); !errors.Is(err, geo.ErrImplausibleMotion) {
		t.Fatalf("err = %v, want ErrImplausibleMotion", err)
	}
}

func TestIngestNoTerritoryOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		points  []citylord.TrackPoint
		warning string
	}{
		{"open path", geotest.StraightPath(geotest.Origin, 20, 20, 8), ingest.WarnLoopNotClosed},
		{"tiny loop", geotest.SquarePath(geotest.Origin, 20, 12, 1, 0), ingest.WarnAreaTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newPipeline().Ingest(submission(tt.points))
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if res.Polygon != nil || res.Tiles != nil {
				t.Errorf("expected no territory, got %d tiles", len(res.Tiles))
			}
			if !slices.Contains(res.Warnings, tt.warning) {
				t.Errorf("warnings = %v, want %q", res.Warnings, tt.warning)
			}
			if res.DistanceMeters <= 0 {
				t.Error("distance should still be measured")
			}
		})
	}
}
