package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/janelia-flyem/mosaic/archive"
	"github.com/janelia-flyem/mosaic/datastore"
	"github.com/janelia-flyem/mosaic/mosaic"
	"github.com/janelia-flyem/mosaic/pyramid"
	"github.com/janelia-flyem/mosaic/raster"
)

func gradient(w, h, bands int) *mosaic.PixelBuffer {
	b := mosaic.NewPixelBuffer(w, h, bands, 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < bands; c++ {
				b.Pix[(y*w+x)*bands+c] = uint8((x*3 + y*7 + c*50) % 256)
			}
		}
	}
	return b
}

type fixture struct {
	dir      string
	src      *mosaic.PixelBuffer
	registry *datastore.MemRegistry
}

// newFixture registers a packed dataset "packed" (lossless), a packed dataset
// "photo" stored as JPEG blocks, a legacy pyramid "legacy" built from the same
// source, a legacy dataset "huge" whose tiles do not exist, and a dataset
// "pending" without a backing store.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), src: gradient(600, 400, 3)}
	ctx := context.Background()

	packed, err := archive.Convert(ctx, raster.NewMemory(f.src, raster.Metadata{}),
		filepath.Join(f.dir, "packed.mpr"), archive.Options{BlockSize: 256})
	if err != nil {
		t.Fatalf("can't write archive: %v", err)
	}
	photo, err := archive.Convert(ctx, raster.NewMemory(f.src, raster.Metadata{Format: "jpeg"}),
		filepath.Join(f.dir, "photo.mpr"), archive.Options{BlockSize: 256})
	if err != nil {
		t.Fatalf("can't write jpeg archive: %v", err)
	}
	tiles := filepath.Join(f.dir, "legacy")
	if _, err := pyramid.Build(ctx, raster.NewMemory(f.src, raster.Metadata{}), tiles, pyramid.DefaultOptions()); err != nil {
		t.Fatalf("can't build pyramid: %v", err)
	}
	huge := filepath.Join(f.dir, "huge")
	if err := os.MkdirAll(filepath.Join(huge, "0"), 0755); err != nil {
		t.Fatal(err)
	}

	f.registry, err = datastore.NewMemRegistry(
		&datastore.Dataset{ID: "packed", Width: 600, Height: 400, Store: datastore.StorePacked, ArchivePath: packed},
		&datastore.Dataset{ID: "photo", Width: 600, Height: 400, Store: datastore.StorePacked, ArchivePath: photo, SourceFormat: "jpeg"},
		&datastore.Dataset{ID: "legacy", Width: 600, Height: 400, Store: datastore.StoreLegacy, TileRoot: tiles, Overlap: 1},
		&datastore.Dataset{ID: "huge", Width: 65536, Height: 65536, Store: datastore.StoreLegacy, TileRoot: huge, Overlap: 1},
		&datastore.Dataset{ID: "pending", Width: 10, Height: 10, Store: datastore.StoreNone},
	)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func decodeTile(t *testing.T, resp *TileResponse, bands int) *mosaic.PixelBuffer {
	t.Helper()
	img, err := mosaic.DecodeImage(resp.Data, resp.Format)
	if err != nil {
		t.Fatalf("can't decode %s tile: %v", resp.Format, err)
	}
	buf, err := mosaic.BufferFromImage(img, bands, 8)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestResolveErrors(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.registry, ResolverOptions{})
	ctx := context.Background()

	tests := []struct {
		req  TileRequest
		kind mosaic.ErrorKind
	}{
		{TileRequest{DatasetID: "ghost", Format: "png"}, mosaic.DatasetNotFound},
		{TileRequest{DatasetID: "huge", Level: 5, Column: 999, Row: 999, Format: "jpg"}, mosaic.TileOutOfRange},
		{TileRequest{DatasetID: "huge", Level: 9, Format: "jpg"}, mosaic.TileOutOfRange},
		{TileRequest{DatasetID: "huge", Level: 8, Column: 3, Row: 7, Format: "jpg"}, mosaic.BackingStoreUnavailable},
		{TileRequest{DatasetID: "huge", Level: 0, Column: 1, Format: "jpg"}, mosaic.TileOutOfRange},
		{TileRequest{DatasetID: "legacy", Level: 2, Column: 3, Format: "jpg"}, mosaic.TileOutOfRange},
		{TileRequest{DatasetID: "packed", Level: 3, Format: "png"}, mosaic.TileOutOfRange},
		{TileRequest{DatasetID: "packed", Level: 0, Column: 3, Format: "png"}, mosaic.TileOutOfRange},
		{TileRequest{DatasetID: "packed", Level: -1, Format: "png"}, mosaic.TileOutOfRange},
		{TileRequest{DatasetID: "pending", Format: "png"}, mosaic.BackingStoreUnavailable},
		{TileRequest{DatasetID: "packed", Format: "tif"}, mosaic.InvalidArgument},
	}
	for _, tc := range tests {
		_, err := r.Resolve(ctx, tc.req)
		if kind := mosaic.KindOf(err); kind != tc.kind {
			t.Errorf("%s: expected %s, got %v", tc.req, tc.kind, err)
		}
	}

	_, err := r.Resolve(ctx, TileRequest{DatasetID: "huge", Format: "jpg"})
	if !mosaic.KindOf(err).Retryable() {
		t.Errorf("missing legacy tile should be retryable, got %v", err)
	}
}

func TestResolvePacked(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.registry, ResolverOptions{})
	ctx := context.Background()

	resp, err := r.Resolve(ctx, TileRequest{DatasetID: "packed", Level: 0, Column: 2, Row: 1, Format: "png"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ContentType != "image/png" || resp.CacheControl != CacheControlImmutable || resp.Source != datastore.StorePacked {
		t.Errorf("bad response %+v", resp)
	}
	got := decodeTile(t, resp, 3)
	expected := f.src.Sub(mosaic.Rect{X: 512, Y: 256, Width: 256, Height: 256})
	if got.Width != 88 || got.Height != 144 || !reflect.DeepEqual(got.Pix, expected.Pix) {
		t.Errorf("edge block is %d x %d and differs from source", got.Width, got.Height)
	}

	resp, err = r.Resolve(ctx, TileRequest{DatasetID: "packed", Level: 1, Format: "png"})
	if err != nil {
		t.Fatal(err)
	}
	got = decodeTile(t, resp, 3)
	half := f.src.Downsample2x2().Sub(mosaic.Rect{Width: 256, Height: 256})
	if !reflect.DeepEqual(got.Pix, half.Pix) {
		t.Errorf("overview block differs from downsampled source")
	}

	resp, err = r.Resolve(ctx, TileRequest{DatasetID: "packed", Format: "webp", Accept: "image/png,image/*;q=0.8,image/webp;q=0"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Format != mosaic.FormatPNG {
		t.Errorf("expected PNG fallback for client refusing webp, got %s", resp.Format)
	}
	resp, err = r.Resolve(ctx, TileRequest{DatasetID: "packed", Format: "webp", Accept: "image/webp,*/*"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Format != mosaic.FormatWebP {
		t.Errorf("expected webp, got %s", resp.Format)
	}
	if r.indexes.len() != 1 {
		t.Errorf("expected one cached index, got %d", r.indexes.len())
	}
}

func TestResolvePassThrough(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.registry, ResolverOptions{})
	ctx := context.Background()

	rd, err := archive.Open(filepath.Join(f.dir, "photo.mpr"))
	if err != nil {
		t.Fatal(err)
	}
	stored, _, err := rd.ReadRaw(0, 1, 0)
	rd.Close()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := r.Resolve(ctx, TileRequest{DatasetID: "photo", Column: 1, Format: "jpeg"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resp.Data, stored) {
		t.Errorf("stored JPEG block was not passed through")
	}

	tile, err := os.ReadFile(pyramid.TilePath(filepath.Join(f.dir, "legacy"), 2, 1, 1, "jpg"))
	if err != nil {
		t.Fatal(err)
	}
	for _, format := range []string{"jpg", "png"} {
		resp, err := r.Resolve(ctx, TileRequest{DatasetID: "legacy", Level: 2, Column: 1, Row: 1, Format: format})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Format != mosaic.FormatJPEG || !reflect.DeepEqual(resp.Data, tile) {
			t.Errorf("%s request: legacy tile was not passed through unmodified", format)
		}
		if resp.Source != datastore.StoreLegacy {
			t.Errorf("expected legacy source, got %s", resp.Source)
		}
	}

	resp, err = r.Resolve(ctx, TileRequest{DatasetID: "legacy", Level: 2, Column: 1, Row: 1, Format: "webp", Accept: "image/webp"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Format != mosaic.FormatWebP || resp.ContentType != "image/webp" {
		t.Errorf("expected legacy tile transcoded to webp, got %s", resp.Format)
	}
	if buf := decodeTile(t, resp, 3); buf.Width != 258 || buf.Height != 145 {
		t.Errorf("transcoded tile is %d x %d", buf.Width, buf.Height)
	}
	resp, err = r.Resolve(ctx, TileRequest{DatasetID: "legacy", Level: 2, Column: 1, Row: 1, Format: "webp", Accept: "image/jpeg"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Format != mosaic.FormatJPEG {
		t.Errorf("expected stored JPEG for client refusing webp, got %s", resp.Format)
	}

	// The coarsest legacy level is the single tile of directory level 0.
	resp, err = r.Thumbnail(ctx, "legacy", "jpg", "")
	if err != nil {
		t.Fatal(err)
	}
	if buf := decodeTile(t, resp, 3); buf.Width != 150 || buf.Height != 100 {
		t.Errorf("thumbnail is %d x %d", buf.Width, buf.Height)
	}
}

func TestTileCache(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.registry, ResolverOptions{TileCacheBytes: 64 * mosaic.Mega})
	ctx := context.Background()
	req := TileRequest{DatasetID: "packed", Level: 2, Format: "png"}

	first, err := r.Resolve(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	d, _ := f.registry.GetDataset("packed")
	idx, err := r.indexes.get(d.ArchivePath)
	if err != nil {
		t.Fatal(err)
	}
	key := r.tileKey(d, fingerprint(idx.Path, idx.ModTime, idx.Size), req, mosaic.FormatPNG)
	format, data, found := r.tiles.get(key)
	if !found || format != mosaic.FormatPNG || !reflect.DeepEqual(data, first.Data) {
		t.Fatalf("tile not cached under %s", key)
	}
	second, err := r.Resolve(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached response differs")
	}

	r.Invalidate("packed")
	if newKey := r.tileKey(d, fingerprint(idx.Path, idx.ModTime, idx.Size), req, mosaic.FormatPNG); newKey == key {
		t.Errorf("invalidation did not change the cache key")
	} else if _, _, found := r.tiles.get(newKey); found {
		t.Errorf("tile cached under new generation before any request")
	}
}

func TestIndexReload(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.registry, ResolverOptions{})
	ctx := context.Background()
	if _, err := r.Resolve(ctx, TileRequest{DatasetID: "packed", Level: 1, Format: "png"}); err != nil {
		t.Fatal(err)
	}

	// Rewrite the archive without overviews; the new index must be picked up.
	path := filepath.Join(f.dir, "packed.mpr")
	if _, err := archive.Convert(ctx, raster.NewMemory(f.src, raster.Metadata{}), path,
		archive.Options{BlockSize: 256, NoOverviews: true}); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(ctx, TileRequest{DatasetID: "packed", Level: 1, Format: "png"}); !errors.Is(err, mosaic.ErrTileOutOfRange) {
		t.Errorf("expected out of range after rewrite without overviews, got %v", err)
	}
}

type slowRegistry struct {
	datastore.Registry
	delay time.Duration
}

func (s slowRegistry) GetDataset(id string) (*datastore.Dataset, error) {
	time.Sleep(s.delay)
	return s.Registry.GetDataset(id)
}

func TestResolveTimeout(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(slowRegistry{f.registry, 500 * time.Millisecond}, ResolverOptions{ReadTimeout: 20 * time.Millisecond})
	_, err := r.Resolve(context.Background(), TileRequest{DatasetID: "packed", Format: "png"})
	if !errors.Is(err, mosaic.ErrBackingStoreUnavailable) {
		t.Fatalf("expected backing store unavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded cause, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.registry, ResolverOptions{})

	info, err := r.Describe("packed")
	if err != nil {
		t.Fatal(err)
	}
	if info.TileSize != 256 || info.LevelCount != 3 || info.Codec != "lossless-lzw" || info.LevelOrder != FinestFirst {
		t.Errorf("bad packed description %+v", info)
	}
	if l := info.Levels[1]; l.Width != 300 || l.Height != 200 || l.Columns != 2 || l.Rows != 1 {
		t.Errorf("bad packed level 1 %+v", l)
	}

	info, err = r.Describe("huge")
	if err != nil {
		t.Fatal(err)
	}
	if info.LevelCount != 9 || info.Overlap != 1 || info.LevelOrder != CoarsestFirst {
		t.Errorf("bad legacy description %+v", info)
	}
	if l := info.Levels[0]; l.Columns != 1 || l.Rows != 1 || l.Width != 256 {
		t.Errorf("legacy level 0 should be one tile, got %+v", l)
	}
	if l := info.Levels[5]; l.Columns != 32 || l.Rows != 32 {
		t.Errorf("bad legacy level 5 %+v", l)
	}
	if l := info.Levels[8]; l.Columns != 256 || l.Rows != 256 || l.Width != 65536 {
		t.Errorf("last legacy level should be full resolution, got %+v", l)
	}
	if info.Coarsest() != 0 || info.Finest() != 8 {
		t.Errorf("bad legacy level order: coarsest %d, finest %d", info.Coarsest(), info.Finest())
	}
}

func TestLegacyDirectoryLevels(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.registry, ResolverOptions{})
	ctx := context.Background()
	root := filepath.Join(f.dir, "legacy")

	for _, tc := range []struct{ level, col, row int }{{0, 0, 0}, {1, 1, 0}, {2, 2, 1}} {
		stored, err := os.ReadFile(pyramid.TilePath(root, tc.level, tc.col, tc.row, "jpg"))
		if err != nil {
			t.Fatal(err)
		}
		resp, err := r.Resolve(ctx, TileRequest{DatasetID: "legacy", Level: tc.level, Column: tc.col, Row: tc.row, Format: "jpg"})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(resp.Data, stored) {
			t.Errorf("level %d (%d,%d) not served from %s/%d", tc.level, tc.col, tc.row, root, tc.level)
		}
	}
	resp, err := r.Resolve(ctx, TileRequest{DatasetID: "legacy", Format: "jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if buf := decodeTile(t, resp, 3); buf.Width != 150 || buf.Height != 100 {
		t.Errorf("legacy level 0 tile is %d x %d", buf.Width, buf.Height)
	}
}

func TestCorruptBlockNotRetryable(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "packed.mpr")
	idx, err := archive.LoadIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	e, err := idx.Entry(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	if _, err := file.ReadAt(buf, int64(e.Offset)+4); err != nil {
		t.Fatal(err)
	}
	buf[0], buf[1] = ^buf[0], ^buf[1]
	if _, err := file.WriteAt(buf, int64(e.Offset)+4); err != nil {
		t.Fatal(err)
	}
	file.Close()

	r := NewResolver(f.registry, ResolverOptions{})
	_, err = r.Resolve(context.Background(), TileRequest{DatasetID: "packed", Format: "png"})
	if mosaic.KindOf(err) != mosaic.CorruptSource {
		t.Fatalf("expected corrupt source, got %v", err)
	}
	if mosaic.KindOf(err).Retryable() {
		t.Errorf("corrupt block reported as retryable: %v", err)
	}
	if _, err := r.Resolve(context.Background(), TileRequest{DatasetID: "packed", Column: 1, Format: "png"}); err != nil {
		t.Errorf("intact block failed: %v", err)
	}

	resp := testHTTPResponse(t, NewServer(nil, f.registry), "GET", "/api/tiles/packed/0/0_0.png", nil)
	if resp.Code != http.StatusInternalServerError || resp.Header().Get("Retry-After") != "" {
		t.Errorf("corrupt block served as %d, Retry-After %q", resp.Code, resp.Header().Get("Retry-After"))
	}
}

func TestDerivedTilesServed(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.registry, ResolverOptions{})
	ctx := context.Background()
	root := filepath.Join(f.dir, "legacy")
	if _, err := pyramid.Derive(ctx, root, pyramid.DeriveOptions{}); err != nil {
		t.Fatal(err)
	}
	derived, err := os.ReadFile(pyramid.TilePath(root, 2, 1, 1, "webp"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := r.Resolve(ctx, TileRequest{DatasetID: "legacy", Level: 2, Column: 1, Row: 1, Format: "webp", Accept: "image/webp"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Format != mosaic.FormatWebP || !bytes.Equal(resp.Data, derived) {
		t.Errorf("pre-generated webp tile was not passed through")
	}
	resp, err = r.Resolve(ctx, TileRequest{DatasetID: "legacy", Level: 2, Column: 1, Row: 1, Format: "webp", Accept: "image/jpeg"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Format != mosaic.FormatJPEG {
		t.Errorf("expected stored JPEG for client refusing webp, got %s", resp.Format)
	}
}

func TestDeepZoom(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.registry, ResolverOptions{})
	ctx := context.Background()

	for _, tc := range []struct {
		id                string
		format            string
		tileSize, overlap int
	}{
		{"legacy", "jpg", 256, 1},
		{"packed", "png", 256, 0},
		{"photo", "jpg", 256, 0},
	} {
		dz, err := r.DeepZoom(tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if dz.Format != tc.format || dz.TileSize != tc.tileSize || dz.Overlap != tc.overlap ||
			dz.Size.Width != 600 || dz.Size.Height != 400 {
			t.Errorf("%s: bad descriptor %+v", tc.id, dz)
		}
	}
	if _, err := r.DeepZoom("pending"); mosaic.KindOf(err) != mosaic.BackingStoreUnavailable {
		t.Errorf("expected unavailable descriptor for dataset without store, got %v", err)
	}

	// 600 pixels wide: Deep Zoom level 10 is full resolution.
	same := []struct {
		dz, direct TileRequest
	}{
		{TileRequest{DatasetID: "legacy", Level: 10, Column: 2, Row: 1}, TileRequest{DatasetID: "legacy", Level: 2, Column: 2, Row: 1}},
		{TileRequest{DatasetID: "legacy", Level: 8}, TileRequest{DatasetID: "legacy", Level: 0}},
		{TileRequest{DatasetID: "legacy", Level: 3}, TileRequest{DatasetID: "legacy", Level: 0}},
		{TileRequest{DatasetID: "packed", Level: 10, Column: 2, Row: 1}, TileRequest{DatasetID: "packed", Level: 0, Column: 2, Row: 1}},
		{TileRequest{DatasetID: "packed", Level: 9, Column: 1}, TileRequest{DatasetID: "packed", Level: 1, Column: 1}},
		{TileRequest{DatasetID: "packed", Level: 0}, TileRequest{DatasetID: "packed", Level: 2}},
	}
	for _, tc := range same {
		tc.dz.Format, tc.direct.Format = "png", "png"
		a, err := r.ResolveDeepZoom(ctx, tc.dz)
		if err != nil {
			t.Fatalf("%s: %v", tc.dz, err)
		}
		b, err := r.Resolve(ctx, tc.direct)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a.Data, b.Data) {
			t.Errorf("Deep Zoom tile %s differs from %s", tc.dz, tc.direct)
		}
	}

	for _, tc := range []struct {
		req  TileRequest
		kind mosaic.ErrorKind
	}{
		{TileRequest{DatasetID: "legacy", Level: 11, Format: "jpg"}, mosaic.TileOutOfRange},
		{TileRequest{DatasetID: "packed", Level: 10, Column: 9, Format: "png"}, mosaic.TileOutOfRange},
		{TileRequest{DatasetID: "ghost", Level: 1, Format: "png"}, mosaic.DatasetNotFound},
		{TileRequest{DatasetID: "pending", Level: 1, Format: "png"}, mosaic.BackingStoreUnavailable},
	} {
		if _, err := r.ResolveDeepZoom(ctx, tc.req); mosaic.KindOf(err) != tc.kind {
			t.Errorf("%s: expected %s, got %v", tc.req, tc.kind, err)
		}
	}
}

func TestConcurrentResolve(t *testing.T) {
	f := newFixture(t)
	reqs := []TileRequest{
		{DatasetID: "packed", Level: 0, Column: 0, Row: 0, Format: "png"},
		{DatasetID: "packed", Level: 0, Column: 2, Row: 1, Format: "png"},
		{DatasetID: "packed", Level: 1, Column: 1, Format: "webp", Accept: "image/webp"},
		{DatasetID: "packed", Level: 2, Format: "jpg"},
		{DatasetID: "photo", Level: 0, Column: 1, Format: "jpg"},
		{DatasetID: "photo", Level: 1, Format: "png"},
		{DatasetID: "legacy", Level: 2, Column: 2, Row: 1, Format: "jpg"},
		{DatasetID: "legacy", Level: 1, Column: 1, Format: "webp", Accept: "image/webp"},
		{DatasetID: "legacy", Level: 0, Format: "png"},
	}
	serial := NewResolver(f.registry, ResolverOptions{})
	expected := make([][]byte, len(reqs))
	for i, req := range reqs {
		resp, err := serial.Resolve(context.Background(), req)
		if err != nil {
			t.Fatalf("%s: %v", req, err)
		}
		expected[i] = resp.Data
	}

	r := NewResolver(f.registry, ResolverOptions{TileCacheBytes: 64 * mosaic.Mega, MaxTranscodes: 2})
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < 3*len(reqs); n++ {
				i := (n + g) % len(reqs)
				resp, err := r.Resolve(context.Background(), reqs[i])
				if err != nil {
					t.Errorf("worker %d, %s: %v", g, reqs[i], err)
					return
				}
				if !bytes.Equal(resp.Data, expected[i]) {
					t.Errorf("worker %d, %s: differs from serial resolution", g, reqs[i])
				}
				if g%8 == 0 && n%len(reqs) == 0 {
					r.Invalidate(reqs[i].DatasetID)
				}
			}
		}(g)
	}
	wg.Wait()
}
