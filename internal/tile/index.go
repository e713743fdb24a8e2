// Package tile maps polygons and paths onto discrete hexagonal map tiles.
package tile

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/geo"
)

var ErrPolygonTooLarge = errors.New("polygon covers too many tiles")

// DefaultMaxVisited bounds a single flood fill.
const DefaultMaxVisited = 200_000

// Index resolves polygons and paths to tile ids. It holds no mutable state and
// is safe for concurrent use.
type Index struct {
	grid       GeoIndex
	edge       float64
	maxVisited int
}

// NewIndex wraps grid. edgeMeters is the grid's tile edge length and drives the
// bounding box padding and path sampling step.
func NewIndex(grid GeoIndex, edgeMeters float64) *Index {
	return &Index{grid: grid, edge: edgeMeters, maxVisited: DefaultMaxVisited}
}

func (ix *Index) Grid() GeoIndex { return ix.grid }

// PolygonToTiles returns the sorted ids of every tile whose centre lies inside
// ring. It flood-fills from the centroid's tile and never leaves the ring's
// bounding box padded by one tile edge.
func (ix *Index) PolygonToTiles(ring citylord.Ring) ([]string, error) {
	if !ring.Closed() {
		return nil, nil
	}
	b := geo.BoundingBox(ring)
	box := geo.Bounds{
		Min: geo.Offset(b.Min, -ix.edge, -ix.edge),
		Max: geo.Offset(b.Max, ix.edge, ix.edge),
	}

	start := ix.grid.PointToTile(geo.Centroid(ring))
	seen := map[string]bool{start: true}
	queue := []string{start}
	var tiles []string

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		c, err := ix.grid.TileCenter(id)
		if err != nil {
			return nil, err
		}
		if !inBounds(box, c) {
			continue
		}
		if ContainsPoint(ring, c) {
			tiles = append(tiles, id)
		}

		neighbors, err := ix.grid.TileNeighbors(id)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if seen[n] {
				continue
			}
			if len(seen) >= ix.maxVisited {
				return nil, fmt.Errorf("%w: more than %d tiles visited", ErrPolygonTooLarge, ix.maxVisited)
			}
			seen[n] = true
			queue = append(queue, n)
		}
	}

	sort.Strings(tiles)
	return tiles, nil
}

// TileToBoundary returns the closed boundary ring of a tile.
func (ix *Index) TileToBoundary(id string) (citylord.Ring, error) {
	return ix.grid.TileBoundary(id)
}

// PathTiles returns the tiles a path passes through, in first-visit order.
// Each segment is sampled every half tile edge.
func (ix *Index) PathTiles(points []citylord.TrackPoint) []string {
	if len(points) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var tiles []string
	visit := func(p citylord.LatLng) {
		id := ix.grid.PointToTile(p)
		if !seen[id] {
			seen[id] = true
			tiles = append(tiles, id)
		}
	}

	visit(points[0].LatLng())
	step := ix.edge / 2
	for i := 1; i < len(points); i++ {
		a, b := points[i-1].LatLng(), points[i].LatLng()
		n := int(math.Ceil(geo.Haversine(a, b) / step))
		for k := 1; k <= n; k++ {
			f := float64(k) / float64(n)
			visit(citylord.LatLng{
				Lat: a.Lat + (b.Lat-a.Lat)*f,
				Lng: a.Lng + (b.Lng-a.Lng)*f,
			})
		}
	}
	return tiles
}

// ContainsPoint is an even-odd ray cast in lat/lng space, adequate for the
// city-scale rings the engine handles.
func ContainsPoint(ring citylord.Ring, p citylord.LatLng) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) &&
			p.Lng < (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat)+a.Lng {
			inside = !inside
		}
	}
	return inside
}

func inBounds(b geo.Bounds, p citylord.LatLng) bool {
	return p.Lat >= b.Min.Lat && p.Lat <= b.Max.Lat && p.Lng >= b.Min.Lng && p.Lng <= b.Max.Lng
}
