package pyramid

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/janelia-flyem/mosaic/mosaic"
	"github.com/janelia-flyem/mosaic/raster"

	"golang.org/x/sync/errgroup"
)

// Defaults for Options.
const (
	DefaultTileSize = 256
	DefaultOverlap  = 1
	DefaultFormat   = "jpg"
	DefaultQuality  = 90
)

// Options control a pyramid build.  TileSize, Format and Quality default when
// zero; Overlap is used as given, so callers wanting the default overlap should
// start from DefaultOptions.
type Options struct {
	TileSize int
	Overlap  int
	Format   string // jpg, png or webp
	Quality  int
	Workers  int // concurrent tile encoders, defaults to the number of CPUs

	// Progress, if set, is called after each tile is written or skipped.
	// Calls are serialized.
	Progress func(Progress)
}

// DefaultOptions returns 256 pixel JPEG tiles at quality 90 with one pixel of overlap.
func DefaultOptions() Options {
	return Options{TileSize: DefaultTileSize, Overlap: DefaultOverlap, Format: DefaultFormat, Quality: DefaultQuality}
}

// Progress reports build status.
type Progress struct {
	Level   int // directory level of the last tile
	Done    int // tiles written or skipped so far
	Total   int
	Written int
	Skipped int
	Message string
}

type builder struct {
	geom    Geometry
	root    string
	ext     string
	format  mosaic.ImageFormat
	quality int
	workers int

	mu       sync.Mutex
	progress Progress
	report   func(Progress)
}

// Build writes the pyramid of h under root.  Existing non-empty tiles are kept,
// so an interrupted build can be resumed by calling Build again; if every tile
// already exists the source is not read at all.
func Build(ctx context.Context, h raster.Handle, root string, opts Options) (Summary, error) {
	if opts.TileSize == 0 {
		opts.TileSize = DefaultTileSize
	}
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	if opts.Quality == 0 {
		opts.Quality = DefaultQuality
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.TileSize < 16 {
		return Summary{}, mosaic.NewError(mosaic.InvalidArgument, "tile size %d too small", opts.TileSize)
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.TileSize {
		return Summary{}, mosaic.NewError(mosaic.InvalidArgument, "overlap %d not in [0,%d)", opts.Overlap, opts.TileSize)
	}
	format, err := mosaic.ParseImageFormat(opts.Format)
	if err != nil {
		return Summary{}, err
	}
	md := h.Metadata()
	if err := mosaic.CheckLayout(md.Bands, md.BitDepth); err != nil {
		return Summary{}, err
	}
	dims := h.Dimensions()
	if dims.Empty() {
		return Summary{}, mosaic.NewError(mosaic.InvalidArgument, "source has no pixels (%s)", dims)
	}

	b := &builder{
		geom:    Geometry{Width: dims.Width, Height: dims.Height, TileSize: opts.TileSize, Overlap: opts.Overlap},
		root:    root,
		ext:     opts.Format,
		format:  format,
		quality: opts.Quality,
		workers: opts.Workers,
		report:  opts.Progress,
	}
	summary := NewSummary(b.geom, b.ext)
	b.progress.Total = summary.Tiles
	levels := summary.Levels
	timedLog := mosaic.NewTimeLog()

	missing, err := b.scan()
	if err != nil {
		return summary, err
	}
	// missingAtOrAbove[d] is true if any directory level <= d lacks a tile.
	missingAtOrAbove := make([]bool, levels)
	for d := 0; d < levels; d++ {
		missingAtOrAbove[d] = missing[d] || (d > 0 && missingAtOrAbove[d-1])
	}
	if !missingAtOrAbove[levels-1] {
		b.skipAll()
		if err := writeDescriptors(root, summary, false); err != nil {
			return summary, err
		}
		mosaic.Infof("Pyramid at %s already complete (%d tiles)\n", root, summary.Tiles)
		return summary, nil
	}

	top := levels - 1
	wantHalf := top > 0 && missingAtOrAbove[top-1]
	composed, err := b.tileSource(ctx, h, top, wantHalf)
	if err != nil {
		return summary, err
	}
	for d := top - 1; d >= 0; d-- {
		if !missingAtOrAbove[d] {
			b.skipLevels(d)
			break
		}
		if err := b.tileLevel(ctx, composed, d); err != nil {
			return summary, err
		}
		if d > 0 && missingAtOrAbove[d-1] {
			composed = composed.Downsample2x2()
		}
	}
	if err := writeDescriptors(root, summary, true); err != nil {
		return summary, err
	}
	timedLog.Infof("Built %d-level pyramid at %s (%d written, %d skipped)", levels, root,
		b.progress.Written, b.progress.Skipped)
	return summary, nil
}

// writeDescriptors writes the manifest and the Deep Zoom descriptor, or only
// those that are absent unless overwrite is set.
func writeDescriptors(root string, s Summary, overwrite bool) error {
	if _, err := os.Stat(filepath.Join(root, ManifestFile)); overwrite || err != nil {
		if err := writeManifest(root, s); err != nil {
			return err
		}
	}
	if _, err := os.Stat(filepath.Join(root, DeepZoomFile)); overwrite || err != nil {
		if err := writeDeepZoom(root, NewDeepZoom(s.Geometry, s.Format)); err != nil {
			return err
		}
	}
	return nil
}

// scan creates level directories, removes temporary files left by an
// interrupted build and reports which levels have missing tiles.
func (b *builder) scan() ([]bool, error) {
	levels := b.geom.LevelCount()
	missing := make([]bool, levels)
	for d := 0; d < levels; d++ {
		dir := filepath.Join(b.root, strconv.Itoa(d))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, mosaic.WrapError(mosaic.WriteError, err, "creating %s", dir)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, mosaic.WrapError(mosaic.WriteError, err, "listing %s", dir)
		}
		for _, e := range entries {
			if mosaic.IsTempPath(e.Name()) {
				os.Remove(filepath.Join(dir, e.Name()))
			}
		}
		cols, rows := b.geom.DirGrid(d)
	scan:
		for row := 0; row < rows; row++ {
			for col := 0; col < cols; col++ {
				if !mosaic.FileExists(TilePath(b.root, d, col, row, b.ext)) {
					missing[d] = true
					break scan
				}
			}
		}
	}
	return missing, nil
}

func (b *builder) tick(level int, written bool, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress.Level = level
	b.progress.Done++
	if written {
		b.progress.Written++
	} else {
		b.progress.Skipped++
	}
	b.progress.Message = message
	if b.report != nil {
		b.report(b.progress)
	}
}

func (b *builder) skipAll() {
	b.skipLevels(b.geom.LevelCount() - 1)
}

// skipLevels reports every tile of directory levels 0 through d as skipped.
func (b *builder) skipLevels(d int) {
	for level := d; level >= 0; level-- {
		cols, rows := b.geom.DirGrid(level)
		for i := 0; i < cols*rows; i++ {
			b.tick(level, false, fmt.Sprintf("level %d complete", level))
		}
	}
}

// tileSource tiles the full-resolution level from horizontal strips of the
// source.  If wantHalf is set it also accumulates and returns the next level,
// downsampled from the same strips.
func (b *builder) tileSource(ctx context.Context, h raster.Handle, top int, wantHalf bool) (*mosaic.PixelBuffer, error) {
	md := h.Metadata()
	width, height := b.geom.Width, b.geom.Height
	tile, overlap := b.geom.TileSize, b.geom.Overlap
	_, rows := b.geom.DirGrid(top)

	var half, pending *mosaic.PixelBuffer
	halfY := 0
	if wantHalf {
		half = mosaic.NewPixelBuffer((width+1)/2, (height+1)/2, md.Bands, md.BitDepth)
	}
	for row := 0; row < rows; row++ {
		if err := ctx.Err(); err != nil {
			return nil, mosaic.WrapError(mosaic.WriteError, err, "pyramid build cancelled")
		}
		if !wantHalf && !b.rowMissing(top, row) {
			if err := b.tileRow(ctx, nil, 0, top, row); err != nil {
				return nil, err
			}
			continue
		}
		y0 := maxInt(0, row*tile-overlap)
		y1 := minInt(height, (row+1)*tile+overlap)
		strip, err := h.ReadBlock(0, y0, width, y1-y0)
		if err != nil {
			return nil, err
		}
		if strip.Width != width || strip.Height != y1-y0 || strip.Bands != md.Bands || strip.BitDepth != md.BitDepth {
			return nil, mosaic.NewError(mosaic.CorruptSource, "source returned %s for rows %d-%d", strip, y0, y1)
		}
		if err := b.tileRow(ctx, strip, y0, top, row); err != nil {
			return nil, err
		}
		if !wantHalf {
			continue
		}
		coreY := row * tile
		core := strip.Sub(mosaic.Rect{X: 0, Y: coreY - y0, Width: width, Height: minInt(tile, height-coreY)})
		pending = appendRows(pending, core)
		if even := pending.Height &^ 1; even > 0 {
			half.Paste(pending.Sub(mosaic.Rect{Width: width, Height: even}).Downsample2x2(), 0, halfY)
			halfY += even / 2
			pending = pending.Sub(mosaic.Rect{Y: even, Width: width, Height: pending.Height - even})
		}
	}
	if pending != nil && pending.Height > 0 {
		half.Paste(pending.Downsample2x2(), 0, halfY)
	}
	return half, nil
}

func (b *builder) tileLevel(ctx context.Context, composed *mosaic.PixelBuffer, d int) error {
	_, rows := b.geom.DirGrid(d)
	for row := 0; row < rows; row++ {
		if err := b.tileRow(ctx, composed, 0, d, row); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) rowMissing(d, row int) bool {
	cols, _ := b.geom.DirGrid(d)
	for col := 0; col < cols; col++ {
		if !mosaic.FileExists(TilePath(b.root, d, col, row, b.ext)) {
			return true
		}
	}
	return false
}

// tileRow writes the missing tiles of one row.  buf holds level pixels starting
// at row bufY of the level and may be nil when every tile of the row exists.
func (b *builder) tileRow(ctx context.Context, buf *mosaic.PixelBuffer, bufY, d, row int) error {
	cols, _ := b.geom.DirGrid(d)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for col := 0; col < cols; col++ {
		if err := ctx.Err(); err != nil {
			g.Wait()
			return mosaic.WrapError(mosaic.WriteError, err, "pyramid build cancelled")
		}
		path := TilePath(b.root, d, col, row, b.ext)
		if mosaic.FileExists(path) {
			b.tick(d, false, path)
			continue
		}
		if buf == nil {
			g.Wait()
			return mosaic.NewError(mosaic.WriteError, "tile %s appeared missing during build", path)
		}
		rect := b.geom.TileRect(d, col, row)
		rect.Y -= bufY
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := mosaic.EncodeBuffer(buf.Sub(rect), b.format, b.quality)
			if err != nil {
				return mosaic.WrapError(mosaic.WriteError, err, "encoding %s", path)
			}
			if err := mosaic.WriteFileAtomic(path, data, 0644); err != nil {
				return err
			}
			b.tick(d, true, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return mosaic.WrapError(mosaic.WriteError, ctx.Err(), "pyramid build cancelled")
		}
		return err
	}
	return nil
}

// appendRows stacks b under a; both must have the same width and layout.
func appendRows(a, b *mosaic.PixelBuffer) *mosaic.PixelBuffer {
	if a == nil || a.Height == 0 {
		return b
	}
	out := &mosaic.PixelBuffer{Width: a.Width, Height: a.Height + b.Height, Bands: a.Bands, BitDepth: a.BitDepth}
	out.Pix = make([]byte, 0, len(a.Pix)+len(b.Pix))
	out.Pix = append(append(out.Pix, a.Pix...), b.Pix...)
	return out
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
