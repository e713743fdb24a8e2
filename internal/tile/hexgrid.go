package tile

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/geo"
)

var ErrInvalidTileID = errors.New("invalid tile id")

// GeoIndex maps points to discrete grid cells and back.
type GeoIndex interface {
	PointToTile(p citylord.LatLng) string
	TileCenter(id string) (citylord.LatLng, error)
	TileBoundary(id string) (citylord.Ring, error)
	TileNeighbors(id string) ([]string, error)
	// TileArea is the ground area of one tile in m².
	TileArea() float64
}

// Hex is an axial (q, r) coordinate; the third cube coordinate is -q-r.
type Hex struct {
	Q int
	R int
}

// hexDirections are the six neighbor offsets in axial coordinates.
var hexDirections = [6]Hex{
	{Q: 1, R: 0},
	{Q: 1, R: -1},
	{Q: 0, R: -1},
	{Q: -1, R: 0},
	{Q: -1, R: 1},
	{Q: 0, R: 1},
}

func (h Hex) Neighbors() [6]Hex {
	var result [6]Hex
	for i, d := range hexDirections {
		result[i] = Hex{Q: h.Q + d.Q, R: h.R + d.R}
	}
	return result
}

// HexGrid is a pointy-top hex grid laid over the sinusoidal projection. The
// projection is equal-area, so every tile covers the same ground area.
type HexGrid struct {
	edge   float64
	prefix string
}

func NewHexGrid(edgeMeters float64) *HexGrid {
	return &HexGrid{
		edge:   edgeMeters,
		prefix: "h" + strconv.FormatFloat(edgeMeters, 'f', -1, 64),
	}
}

func (g *HexGrid) Edge() float64 { return g.edge }

func (g *HexGrid) TileArea() float64 {
	return 3 * math.Sqrt(3) / 2 * g.edge * g.edge
}

func (g *HexGrid) PointToTile(p citylord.LatLng) string {
	return g.ID(g.HexAt(p))
}

// HexAt returns the cell containing p.
func (g *HexGrid) HexAt(p citylord.LatLng) Hex {
	x, y := project(p)
	q := (math.Sqrt(3)/3*x - y/3) / g.edge
	r := (2.0 / 3 * y) / g.edge
	return roundHex(q, r)
}

func (g *HexGrid) ID(h Hex) string {
	return fmt.Sprintf("%s:%d:%d", g.prefix, h.Q, h.R)
}

// Parse is the inverse of ID.
func (g *HexGrid) Parse(id string) (Hex, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != g.prefix {
		return Hex{}, fmt.Errorf("%w: %q", ErrInvalidTileID, id)
	}
	q, err := strconv.Atoi(parts[1])
	if err != nil {
		return Hex{}, fmt.Errorf("%w: %q", ErrInvalidTileID, id)
	}
	r, err := strconv.Atoi(parts[2])
	if err != nil {
		return Hex{}, fmt.Errorf("%w: %q", ErrInvalidTileID, id)
	}
	return Hex{Q: q, R: r}, nil
}

func (g *HexGrid) TileCenter(id string) (citylord.LatLng, error) {
	h, err := g.Parse(id)
	if err != nil {
		return citylord.LatLng{}, err
	}
	x, y := g.center(h)
	return unproject(x, y), nil
}

func (g *HexGrid) TileBoundary(id string) (citylord.Ring, error) {
	h, err := g.Parse(id)
	if err != nil {
		return nil, err
	}
	cx, cy := g.center(h)
	ring := make(citylord.Ring, 0, 7)
	for i := 0; i < 6; i++ {
		angle := math.Pi / 180 * float64(60*i-30)
		ring = append(ring, unproject(cx+g.edge*math.Cos(angle), cy+g.edge*math.Sin(angle)))
	}
	return append(ring, ring[0]), nil
}

func (g *HexGrid) TileNeighbors(id string) ([]string, error) {
	h, err := g.Parse(id)
	if err != nil {
		return nil, err
	}
	ns := h.Neighbors()
	ids := make([]string, len(ns))
	for i, n := range ns {
		ids[i] = g.ID(n)
	}
	return ids, nil
}

func (g *HexGrid) center(h Hex) (x, y float64) {
	x = g.edge * (math.Sqrt(3)*float64(h.Q) + math.Sqrt(3)/2*float64(h.R))
	y = g.edge * 1.5 * float64(h.R)
	return x, y
}

func project(p citylord.LatLng) (x, y float64) {
	lat := p.Lat * math.Pi / 180
	lng := p.Lng * math.Pi / 180
	return geo.EarthRadius * lng * math.Cos(lat), geo.EarthRadius * lat
}

func unproject(x, y float64) citylord.LatLng {
	lat := y / geo.EarthRadius
	lng := x / (geo.EarthRadius * math.Cos(lat))
	return citylord.LatLng{Lat: lat * 180 / math.Pi, Lng: lng * 180 / math.Pi}
}

func roundHex(q, r float64) Hex {
	s := -q - r
	rq, rr, rs := math.Round(q), math.Round(r), math.Round(s)
	dq, dr, ds := math.Abs(rq-q), math.Abs(rr-r), math.Abs(rs-s)
	switch {
	case dq > dr && dq > ds:
		rq = -rr - rs
	case dr > ds:
		rr = -rq - rs
	}
	return Hex{Q: int(rq), R: int(rr)}
}
