/*
Package pyramid builds and describes legacy directory-of-files tile pyramids,
laid out as {root}/{level}/{col}_{row}.{ext}.  Directory level 0 is a single
tile holding the whole image; each following level doubles the resolution
and the last level is full resolution.
*/
package pyramid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/janelia-flyem/mosaic/mosaic"
)

// ManifestFile is written at the root of a completed pyramid.
const ManifestFile = "pyramid.json"

// Geometry describes the tile grid of a pyramid.
type Geometry struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	TileSize int `json:"tileSize"`
	Overlap  int `json:"overlap"`
}

// LevelCount returns ceil(log2(max(W,H)/TileSize)) + 1.
func (g Geometry) LevelCount() int {
	return mosaic.PyramidLevels(mosaic.Extents2d{Width: g.Width, Height: g.Height}, g.TileSize)
}

// DirLevelExtents returns the pixel size of a directory level.
func (g Geometry) DirLevelExtents(dirLevel int) mosaic.Extents2d {
	reduction := g.LevelCount() - 1 - dirLevel
	return mosaic.LevelExtents(mosaic.Extents2d{Width: g.Width, Height: g.Height}, reduction)
}

// DirGrid returns the number of tile columns and rows of a directory level.
func (g Geometry) DirGrid(dirLevel int) (cols, rows int) {
	if dirLevel < 0 || dirLevel >= g.LevelCount() {
		return 0, 0
	}
	return mosaic.GridSize(g.DirLevelExtents(dirLevel), g.TileSize)
}

// TileRect returns the pixel rectangle of a tile within its level, including
// overlap on every side that has a neighbor.
func (g Geometry) TileRect(dirLevel, col, row int) mosaic.Rect {
	dims := g.DirLevelExtents(dirLevel)
	x0, y0 := col*g.TileSize-g.Overlap, row*g.TileSize-g.Overlap
	r := mosaic.Rect{X: x0, Y: y0, Width: g.TileSize + 2*g.Overlap, Height: g.TileSize + 2*g.Overlap}
	return r.Clip(dims)
}

// TileCount returns the number of tiles across all levels.
func (g Geometry) TileCount() int {
	var n int
	for d := 0; d < g.LevelCount(); d++ {
		cols, rows := g.DirGrid(d)
		n += cols * rows
	}
	return n
}

// TilePath returns the path of a tile file.
func TilePath(root string, dirLevel, col, row int, ext string) string {
	return filepath.Join(root, strconv.Itoa(dirLevel), fmt.Sprintf("%d_%d.%s", col, row, ext))
}

// LevelGrid is the size of one directory level.
type LevelGrid struct {
	Level   int `json:"level"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// Summary describes a built pyramid.  It depends only on the source geometry
// and options, so rebuilding an existing pyramid returns an identical Summary.
type Summary struct {
	Geometry
	Format string      `json:"format"`
	Levels int         `json:"levels"`
	Tiles  int         `json:"tiles"`
	Grids  []LevelGrid `json:"grids"`
}

// NewSummary computes the summary of a pyramid with the given geometry.
func NewSummary(g Geometry, format string) Summary {
	s := Summary{Geometry: g, Format: format, Levels: g.LevelCount(), Tiles: g.TileCount()}
	for d := 0; d < s.Levels; d++ {
		dims := g.DirLevelExtents(d)
		cols, rows := g.DirGrid(d)
		s.Grids = append(s.Grids, LevelGrid{Level: d, Width: dims.Width, Height: dims.Height, Columns: cols, Rows: rows})
	}
	return s
}

// ReadManifest loads the manifest of a completed pyramid.
func ReadManifest(root string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "decoding %s manifest", root)
	}
	return &s, nil
}

func writeManifest(root string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return mosaic.WrapError(mosaic.WriteError, err, "encoding manifest")
	}
	return mosaic.WriteFileAtomic(filepath.Join(root, ManifestFile), data, 0644)
}
