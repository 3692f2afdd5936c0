package mosaic

import "fmt"

// Extents2d is the pixel width and height of an image or level.
type Extents2d struct {
	Width  int
	Height int
}

func (e Extents2d) String() string {
	return fmt.Sprintf("%d x %d", e.Width, e.Height)
}

// Max returns the larger of width and height.
func (e Extents2d) Max() int {
	if e.Width > e.Height {
		return e.Width
	}
	return e.Height
}

// Empty is true if either dimension is not positive.
func (e Extents2d) Empty() bool {
	return e.Width <= 0 || e.Height <= 0
}

// Rect is a pixel rectangle with origin at (X, Y).
type Rect struct {
	X, Y          int
	Width, Height int
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d)+(%d x %d)", r.X, r.Y, r.Width, r.Height)
}

// Clip returns the part of r inside an image of the given extents.
func (r Rect) Clip(e Extents2d) Rect {
	x0, y0 := maxInt(r.X, 0), maxInt(r.Y, 0)
	x1, y1 := minInt(r.X+r.Width, e.Width), minInt(r.Y+r.Height, e.Height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{X: x0, Y: y0}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Empty is true if r covers no pixels.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// LevelExtents returns the dimensions of a level reduced by 2^level, rounding up.
func LevelExtents(full Extents2d, level int) Extents2d {
	return Extents2d{ceilShift(full.Width, level), ceilShift(full.Height, level)}
}

// GridSize returns the number of tiles across and down needed to cover an
// image of the given extents.
func GridSize(e Extents2d, tileSize int) (cols, rows int) {
	if tileSize <= 0 {
		return 0, 0
	}
	return (e.Width + tileSize - 1) / tileSize, (e.Height + tileSize - 1) / tileSize
}

// OverviewCount returns ceil(log2(max(W,H)/blockSize)) clamped at zero, i.e.
// the number of halvings after which the largest dimension fits in one block.
func OverviewCount(full Extents2d, blockSize int) int {
	if blockSize <= 0 {
		return 0
	}
	maxDim := full.Max()
	n := 0
	for blockSize<<uint(n) < maxDim {
		n++
	}
	return n
}

// PyramidLevels returns the number of legacy pyramid levels for a tile size,
// ceil(log2(max(W,H)/tileSize)) + 1.
func PyramidLevels(full Extents2d, tileSize int) int {
	return OverviewCount(full, tileSize) + 1
}

// BlockCount returns the total number of blocks across all levels.
func BlockCount(full Extents2d, blockSize, levels int) int {
	var total int
	for k := 0; k < levels; k++ {
		cols, rows := GridSize(LevelExtents(full, k), blockSize)
		total += cols * rows
	}
	return total
}

// IsPowerOfTwo returns true for 1, 2, 4, 8, ...
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func ceilShift(v, k int) int {
	if k <= 0 {
		return v
	}
	return (v + (1 << uint(k)) - 1) >> uint(k)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
