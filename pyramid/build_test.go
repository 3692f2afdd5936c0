package pyramid

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/janelia-flyem/mosaic/mosaic"
	"github.com/janelia-flyem/mosaic/raster"
)

func gradient(w, h, bands int) *mosaic.PixelBuffer {
	b := mosaic.NewPixelBuffer(w, h, bands, 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < bands; c++ {
				b.Pix[(y*w+x)*bands+c] = uint8((x*5 + y*11 + c*37) % 253)
			}
		}
	}
	return b
}

// countingHandle records how many blocks were read from the source.
type countingHandle struct {
	raster.Handle
	reads int32
}

func (c *countingHandle) ReadBlock(x, y, w, h int) (*mosaic.PixelBuffer, error) {
	atomic.AddInt32(&c.reads, 1)
	return c.Handle.ReadBlock(x, y, w, h)
}

func readTile(t *testing.T, path string, bands int) *mosaic.PixelBuffer {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("can't read tile: %v", err)
	}
	img, err := mosaic.DecodeImage(data, mosaic.FormatPNG)
	if err != nil {
		t.Fatalf("can't decode tile %s: %v", path, err)
	}
	buf, err := mosaic.BufferFromImage(img, bands, 8)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestGeometry(t *testing.T) {
	g := Geometry{Width: 65536, Height: 65536, TileSize: 256, Overlap: 1}
	if n := g.LevelCount(); n != 9 {
		t.Fatalf("expected 9 levels, got %d", n)
	}
	if cols, rows := g.DirGrid(8); cols != 256 || rows != 256 {
		t.Errorf("expected 256 x 256 tiles at full resolution, got %d x %d", cols, rows)
	}
	if cols, rows := g.DirGrid(5); cols != 32 || rows != 32 {
		t.Errorf("expected 32 x 32 tiles at level 5, got %d x %d", cols, rows)
	}
	if cols, rows := g.DirGrid(9); cols != 0 || rows != 0 {
		t.Errorf("expected empty grid past last level, got %d x %d", cols, rows)
	}
	if r := g.TileRect(8, 0, 0); r.X != 0 || r.Y != 0 || r.Width != 257 || r.Height != 257 {
		t.Errorf("bad corner tile rect %s", r)
	}
	if r := g.TileRect(8, 3, 4); r.X != 767 || r.Y != 1023 || r.Width != 258 || r.Height != 258 {
		t.Errorf("bad interior tile rect %s", r)
	}
	if got := TilePath("/data/p", 3, 2, 7, "jpg"); got != "/data/p/3/2_7.jpg" {
		t.Errorf("bad tile path %s", got)
	}
}

func TestBuildLayout(t *testing.T) {
	root := t.TempDir()
	src := gradient(600, 400, 3)
	summary, err := Build(context.Background(), raster.NewMemory(src, raster.Metadata{}), root, DefaultOptions())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if summary.Levels != 3 || summary.Tiles != 9 {
		t.Fatalf("expected 3 levels and 9 tiles, got %d and %d", summary.Levels, summary.Tiles)
	}
	for _, grid := range summary.Grids {
		for row := 0; row < grid.Rows; row++ {
			for col := 0; col < grid.Columns; col++ {
				if !mosaic.FileExists(TilePath(root, grid.Level, col, row, "jpg")) {
					t.Errorf("missing tile %d/%d_%d", grid.Level, col, row)
				}
			}
		}
	}
	if mosaic.FileExists(TilePath(root, 2, 3, 0, "jpg")) {
		t.Errorf("tile outside grid was written")
	}
	manifest, err := ReadManifest(root)
	if err != nil {
		t.Fatalf("can't read manifest: %v", err)
	}
	if !reflect.DeepEqual(*manifest, summary) {
		t.Errorf("manifest %+v does not match summary %+v", *manifest, summary)
	}
	if summary.Grids[0].Width != 150 || summary.Grids[0].Height != 100 {
		t.Errorf("bad level 0 size %d x %d", summary.Grids[0].Width, summary.Grids[0].Height)
	}
}

func TestBuildMatchesDownsample(t *testing.T) {
	root := t.TempDir()
	src := gradient(203, 131, 3)
	opts := Options{TileSize: 64, Overlap: 2, Format: "png"}
	summary, err := Build(context.Background(), raster.NewMemory(src, raster.Metadata{}), root, opts)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if summary.Levels != 3 {
		t.Fatalf("expected 3 levels, got %d", summary.Levels)
	}
	levels := []*mosaic.PixelBuffer{nil, nil, src}
	levels[1] = src.Downsample2x2()
	levels[0] = levels[1].Downsample2x2()
	for d, composed := range levels {
		cols, rows := summary.DirGrid(d)
		for row := 0; row < rows; row++ {
			for col := 0; col < cols; col++ {
				got := readTile(t, TilePath(root, d, col, row, "png"), 3)
				expected := composed.Sub(summary.TileRect(d, col, row))
				if got.Width != expected.Width || got.Height != expected.Height {
					t.Fatalf("tile %d/%d_%d is %d x %d, expected %d x %d", d, col, row,
						got.Width, got.Height, expected.Width, expected.Height)
				}
				if !reflect.DeepEqual(got.Pix, expected.Pix) {
					t.Errorf("tile %d/%d_%d pixels differ from downsampled source", d, col, row)
				}
			}
		}
	}
}

func TestBuildResume(t *testing.T) {
	root := t.TempDir()
	h := &countingHandle{Handle: raster.NewMemory(gradient(600, 400, 1), raster.Metadata{})}
	first, err := Build(context.Background(), h, root, DefaultOptions())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	var last Progress
	opts := DefaultOptions()
	opts.Progress = func(p Progress) { last = p }
	h.reads = 0
	second, err := Build(context.Background(), h, root, opts)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("rebuild returned different summary: %+v vs %+v", first, second)
	}
	if last.Written != 0 || last.Skipped != 9 || last.Done != last.Total {
		t.Errorf("expected all 9 tiles skipped, got %+v", last)
	}
	if h.reads != 0 {
		t.Errorf("complete pyramid read the source %d times", h.reads)
	}

	if err := os.Remove(TilePath(root, 1, 1, 0, "jpg")); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(root, "1", ".1_0.jpg.deadbeef.tmp")
	if err := os.WriteFile(stale, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}
	third, err := Build(context.Background(), h, root, opts)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if last.Written != 1 || last.Skipped != 8 {
		t.Errorf("expected exactly one tile written on resume, got %+v", last)
	}
	if !reflect.DeepEqual(first, third) {
		t.Errorf("resume returned different summary")
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale temporary file not removed")
	}
}

func TestBuildCancelled(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, raster.NewMemory(gradient(300, 300, 3), raster.Metadata{}), root, DefaultOptions())
	if mosaic.KindOf(err) != mosaic.WriteError {
		t.Fatalf("expected write error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation cause, got %v", err)
	}
	if _, err := ReadManifest(root); err == nil {
		t.Errorf("cancelled build wrote a manifest")
	}
}

func TestBuildBadOptions(t *testing.T) {
	h := raster.NewMemory(gradient(64, 64, 1), raster.Metadata{})
	tests := []Options{
		{TileSize: 256, Overlap: 256},
		{TileSize: 8},
		{TileSize: 256, Format: "tif"},
	}
	for _, opts := range tests {
		if _, err := Build(context.Background(), h, t.TempDir(), opts); !errors.Is(err, mosaic.ErrInvalidArgument) {
			t.Errorf("options %+v: expected invalid argument, got %v", opts, err)
		}
	}
}
