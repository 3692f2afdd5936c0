package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janelia-flyem/mosaic/mosaic"
	"github.com/janelia-flyem/mosaic/raster"
)

func writePNG(t *testing.T, path string, b *mosaic.PixelBuffer) {
	t.Helper()
	data, err := mosaic.EncodeBuffer(b, mosaic.FormatPNG, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestConvertDir(t *testing.T) {
	src, dest := t.TempDir(), filepath.Join(t.TempDir(), "archives")
	writePNG(t, filepath.Join(src, "a.png"), gradient(300, 200, 3, 8))
	writePNG(t, filepath.Join(src, "b.png"), gradient(100, 100, 1, 8))
	writePNG(t, filepath.Join(src, "broken.png"), gradient(10, 10, 1, 8))
	if err := os.WriteFile(filepath.Join(src, "notes.txt"), []byte("not a raster"), 0644); err != nil {
		t.Fatal(err)
	}
	open := func(path string) (raster.Handle, error) {
		if filepath.Base(path) == "broken.png" {
			return nil, mosaic.NewError(mosaic.CorruptSource, "truncated %s", path)
		}
		return raster.Open(path)
	}
	ctx := context.Background()
	opts := Options{BlockSize: 256}

	summary, err := ConvertDir(ctx, src, dest, opts, open)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("bad summary %+v", summary)
	}
	for _, name := range []string{"a.mpr", "b.mpr"} {
		idx, err := LoadIndex(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("%s not written: %v", name, err)
		}
		if name == "a.mpr" && (idx.Header.Width != 300 || idx.Header.Bands != 3) {
			t.Errorf("bad archive header %s", idx.Header)
		}
	}

	summary, err = ConvertDir(ctx, src, dest, opts, open)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range summary.Results {
		if r.Error == "" && !r.Skipped {
			t.Errorf("%s converted again on rerun", r.Path)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := ConvertDir(cancelled, src, t.TempDir(), opts, open); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestValidateDir(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	for name, opts := range map[string]Options{
		"good.mpr": {BlockSize: 256},
		"raw.mpr":  {BlockSize: 256, Compression: "none"},
	} {
		if _, err := Convert(ctx, raster.NewMemory(gradient(300, 300, 1, 8), raster.Metadata{}),
			filepath.Join(dir, name), opts); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	summary, err := ValidateDir(ctx, dir, ValidateOptions{BaseThreshold: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 2 || summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("bad summary %+v", summary)
	}
	for _, r := range summary.Results {
		compliant := filepath.Base(r.Path) == "good.mpr"
		if r.Report == nil || r.Report.Compliant != compliant {
			t.Errorf("%s: expected compliant=%t, got %+v", r.Path, compliant, r.Report)
		}
	}
	if _, err := ValidateDir(ctx, filepath.Join(dir, "missing"), ValidateOptions{}); mosaic.KindOf(err) != mosaic.InvalidArgument {
		t.Errorf("expected invalid argument for missing directory, got %v", err)
	}
}
