// Package tilepack holds the tile grid math shared by the storage backends
// and the bulk tiler: spherical web-mercator projection, tile indexing and
// bounding-box enumeration.
package tilepack

import (
	"fmt"
	"math"
)

const threeSixty float64 = 360.0
const oneEighty float64 = 180.0

// EarthCircumference is the web-mercator world extent in meters.
const EarthCircumference float64 = 40075017.0

// EarthRadius derives from the circumference used by the projection.
const EarthRadius = EarthCircumference / 2.0 / math.Pi

const webMercatorLatLimit float64 = 85.05112877980659

// Tile addresses one XYZ tile.
type Tile struct {
	X int
	Y int
	Z int
}

// Bounds is a geographic bounding box, [west, south, east, north] order
// everywhere in this module.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / oneEighty)
}

func rad2deg(rad float64) float64 {
	return rad * (oneEighty / math.Pi)
}

// LonLatToMeters projects WGS84 degrees to spherical mercator meters.
func LonLatToMeters(lon, lat float64) (float64, float64) {
	x := lon / oneEighty * EarthCircumference / 2.0
	sin := math.Sin(deg2rad(lat))
	y := EarthRadius / 2.0 * math.Log((1.0+sin)/(1.0-sin))
	return x, y
}

// MetersToLonLat is the inverse of LonLatToMeters.
func MetersToLonLat(x, y float64) (float64, float64) {
	lon := x / (EarthCircumference / 2.0) * oneEighty
	lat := rad2deg(math.Atan(math.Sinh(y / EarthRadius)))
	return lon, lat
}

// TileIndex returns the column and row of the tile containing the point at
// the given zoom. Points on the antimeridian or at the mercator latitude
// limit clamp to the last valid index instead of overflowing the grid.
func TileIndex(lon, lat float64, zoom int) (int, int) {
	tileSize := EarthCircumference / float64(int64(1)<<uint(zoom))
	x, y := LonLatToMeters(lon, lat)
	last := float64(int64(1)<<uint(zoom)) - 1
	col := math.Min(math.Abs(x-EarthCircumference*-0.5)/tileSize, last)
	row := math.Min(math.Abs(EarthCircumference*0.5-y)/tileSize, last)
	return int(math.Floor(col)), int(math.Floor(row))
}

// TileBounds converts an XYZ index rectangle at one zoom back to the
// geographic box it covers.
func TileBounds(zoom, minX, minY, maxX, maxY int) Bounds {
	tileSize := EarthCircumference / float64(int64(1)<<uint(zoom))
	half := EarthCircumference / 2.0

	west, south := MetersToLonLat(float64(minX)*tileSize-half, half-float64(maxY+1)*tileSize)
	east, north := MetersToLonLat(float64(maxX+1)*tileSize-half, half-float64(minY)*tileSize)
	return Bounds{West: west, South: south, East: east, North: north}
}

// ClampToMercator trims a box to the latitude band the tile grid can
// represent.
func (b Bounds) ClampToMercator() Bounds {
	return Bounds{
		West:  math.Max(-oneEighty, b.West),
		South: math.Max(-webMercatorLatLimit, b.South),
		East:  math.Min(oneEighty, b.East),
		North: math.Min(webMercatorLatLimit, b.North),
	}
}

// Intersects returns true if this bounding box overlaps the other.
func (b Bounds) Intersects(o Bounds) bool {
	latOverlaps := (o.North > b.South) && (o.South < b.North)
	lonOverlaps := (o.East > b.West) && (o.West < b.East)
	return latOverlaps && lonOverlaps
}

// TilesFromBounds enumerates every tile covering the box for each zoom in
// [minZoom, maxZoom]. The sequence is deterministic: zoom ascending, then
// column ascending, then row ascending. The north-west corner fixes the low
// indices and the south-east corner the high ones, matching XYZ row order.
func TilesFromBounds(b Bounds, minZoom, maxZoom int) []Tile {
	b = b.ClampToMercator()
	var tiles []Tile
	for zoom := minZoom; zoom <= maxZoom; zoom++ {
		minX, minY := TileIndex(b.West, b.North, zoom)
		maxX, maxY := TileIndex(b.East, b.South, zoom)
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				tiles = append(tiles, Tile{X: x, Y: y, Z: zoom})
			}
		}
	}
	return tiles
}

// CountTiles reports how many tiles TilesFromBounds would yield at a single
// zoom without materializing them.
func CountTiles(b Bounds, zoom int) int {
	b = b.ClampToMercator()
	minX, minY := TileIndex(b.West, b.North, zoom)
	maxX, maxY := TileIndex(b.East, b.South, zoom)
	return (maxX - minX + 1) * (maxY - minY + 1)
}

// Parent returns the containing tile one zoom up. The root tile is its own
// parent.
func (t Tile) Parent() Tile {
	if t.Z == 0 {
		return t
	}
	return Tile{X: t.X / 2, Y: t.Y / 2, Z: t.Z - 1}
}

// Children returns the four tiles one zoom down.
func (t Tile) Children() []Tile {
	return []Tile{
		{X: t.X * 2, Y: t.Y * 2, Z: t.Z + 1},
		{X: t.X*2 + 1, Y: t.Y * 2, Z: t.Z + 1},
		{X: t.X*2 + 1, Y: t.Y*2 + 1, Z: t.Z + 1},
		{X: t.X * 2, Y: t.Y*2 + 1, Z: t.Z + 1},
	}
}

func (t Tile) String() string {
	return fmt.Sprintf("{%d/%d/%d}", t.Z, t.X, t.Y)
}
