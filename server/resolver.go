package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/janelia-flyem/mosaic/archive"
	"github.com/janelia-flyem/mosaic/datastore"
	"github.com/janelia-flyem/mosaic/mosaic"
	"github.com/janelia-flyem/mosaic/pyramid"

	"github.com/golang/groupcache/singleflight"
	"golang.org/x/sync/semaphore"
)

// CacheControlImmutable is sent with every tile.  A tile's bytes never change
// for a given dataset, level, column and row.
const CacheControlImmutable = "public, max-age=31536000, immutable"

// TileRequest addresses one tile.  Format is the requested extension and
// Accept the caller's Accept header.
type TileRequest struct {
	DatasetID string
	Level     int
	Column    int
	Row       int
	Format    string
	Accept    string
}

func (req TileRequest) String() string {
	return fmt.Sprintf("%s/%d/%d_%d.%s", req.DatasetID, req.Level, req.Column, req.Row, req.Format)
}

// TileResponse is an encoded tile.
type TileResponse struct {
	Data         []byte
	ContentType  string
	Format       mosaic.ImageFormat
	CacheControl string
	Source       datastore.StoreKind
}

// ResolverOptions configure a Resolver.  Zero values select defaults except
// TileCacheBytes, where zero disables the tile cache.
type ResolverOptions struct {
	ReadTimeout    time.Duration
	TileCacheBytes int
	IndexEntries   int
	MaxTranscodes  int
	Quality        int
}

// Resolver answers tile requests from a dataset registry.  It is safe for
// concurrent use.
type Resolver struct {
	registry   datastore.Registry
	opts       ResolverOptions
	indexes    *indexCache
	tiles      *tileCache
	transcodes *semaphore.Weighted
	flight     singleflight.Group
}

// NewResolver returns a Resolver over the registry.
func NewResolver(registry datastore.Registry, opts ResolverOptions) *Resolver {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.IndexEntries <= 0 {
		opts.IndexEntries = DefaultIndexEntries
	}
	if opts.MaxTranscodes <= 0 {
		opts.MaxTranscodes = runtime.NumCPU()
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = mosaic.DefaultJPEGQuality
	}
	return &Resolver{
		registry:   registry,
		opts:       opts,
		indexes:    newIndexCache(opts.IndexEntries),
		tiles:      newTileCache(opts.TileCacheBytes),
		transcodes: semaphore.NewWeighted(int64(opts.MaxTranscodes)),
	}
}

// Registry returns the registry the resolver serves.
func (r *Resolver) Registry() datastore.Registry {
	return r.registry
}

// Invalidate drops cached tiles of a dataset.  Use it when a dataset's backing
// store is rewritten in place without changing its modification time.
func (r *Resolver) Invalidate(datasetID string) {
	r.tiles.invalidate(datasetID)
	mosaic.Infof("Invalidated cached tiles of dataset %q\n", datasetID)
}

// Resolve returns the requested tile.  Errors are DatasetNotFound,
// TileOutOfRange, BackingStoreUnavailable, CorruptSource for a stored block
// failing its checksum, or InvalidArgument for an unsupported format.  Resolution that exceeds the read timeout fails with
// BackingStoreUnavailable wrapping context.DeadlineExceeded.
func (r *Resolver) Resolve(ctx context.Context, req TileRequest) (*TileResponse, error) {
	requested, err := mosaic.ParseImageFormat(req.Format)
	if err != nil {
		return nil, err
	}
	if req.Level < 0 || req.Column < 0 || req.Row < 0 {
		return nil, mosaic.NewError(mosaic.TileOutOfRange, "negative tile address %s", req)
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ReadTimeout)
	defer cancel()

	type result struct {
		resp *TileResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := r.resolve(ctx, req, requested)
		ch <- result{resp, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, classify(req, res.err)
		}
		return res.resp, nil
	case <-ctx.Done():
		return nil, mosaic.WrapError(mosaic.BackingStoreUnavailable, ctx.Err(), "tile %s", req)
	}
}

// classify folds transient failures of the backing store into
// BackingStoreUnavailable.  Corrupt stored data is permanent and keeps its kind.
func classify(req TileRequest, err error) error {
	switch mosaic.KindOf(err) {
	case mosaic.DatasetNotFound, mosaic.TileOutOfRange, mosaic.BackingStoreUnavailable, mosaic.InvalidArgument:
		return err
	case mosaic.CorruptSource:
		mosaic.Errorf("Tile %s: %v\n", req, err)
		return err
	}
	mosaic.Errorf("Tile %s: %v\n", req, err)
	return mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "tile %s", req)
}

func (r *Resolver) resolve(ctx context.Context, req TileRequest, requested mosaic.ImageFormat) (*TileResponse, error) {
	d, err := r.registry.GetDataset(req.DatasetID)
	if err != nil {
		return nil, err
	}
	switch d.Store {
	case datastore.StorePacked:
		return r.resolvePacked(ctx, d, req, requested)
	case datastore.StoreLegacy:
		return r.resolveLegacy(ctx, d, req, requested)
	}
	return nil, mosaic.NewError(mosaic.BackingStoreUnavailable, "%s has no backing store", d)
}

func (r *Resolver) resolvePacked(ctx context.Context, d *datastore.Dataset, req TileRequest, requested mosaic.ImageFormat) (*TileResponse, error) {
	idx, err := r.indexes.get(d.ArchivePath)
	if err != nil {
		return nil, err
	}
	if _, err := idx.Entry(req.Level, req.Column, req.Row); err != nil {
		return nil, err
	}
	codec := idx.Codec()
	stored := codec.ImageFormat()
	target := negotiate(requested, req.Accept, stored)
	key := r.tileKey(d, fingerprint(idx.Path, idx.ModTime, idx.Size), req, target)
	return r.cached(key, d.Store, func() (mosaic.ImageFormat, []byte, error) {
		rd, err := idx.Open()
		if err != nil {
			return 0, nil, err
		}
		defer rd.Close()
		data, entry, err := rd.ReadRaw(req.Level, req.Column, req.Row)
		if err != nil {
			return 0, nil, err
		}
		if err := archive.Verify(data, entry); err != nil {
			return 0, nil, err
		}
		if stored == target {
			return target, data, nil
		}
		rect := idx.BlockRect(req.Level, req.Column, req.Row)
		buf, err := codec.Decode(data, rect.Width, rect.Height, int(idx.Header.Bands), int(idx.Header.BitDepth))
		if err != nil {
			return 0, nil, err
		}
		if err := r.transcodes.Acquire(ctx, 1); err != nil {
			return 0, nil, err
		}
		defer r.transcodes.Release(1)
		out, err := mosaic.EncodeBuffer(buf, target, r.opts.Quality)
		return target, out, err
	})
}

func (r *Resolver) resolveLegacy(ctx context.Context, d *datastore.Dataset, req TileRequest, requested mosaic.ImageFormat) (*TileResponse, error) {
	geom := d.LegacyGeometry()
	levels := geom.LevelCount()
	if req.Level >= levels {
		return nil, mosaic.NewError(mosaic.TileOutOfRange, "level %d not in [0,%d) for %s", req.Level, levels, d)
	}
	cols, rows := geom.DirGrid(req.Level)
	if req.Column >= cols || req.Row >= rows {
		return nil, mosaic.NewError(mosaic.TileOutOfRange, "tile (%d,%d) outside %d x %d grid at level %d of %s",
			req.Column, req.Row, cols, rows, req.Level, d)
	}
	stored, err := mosaic.ParseImageFormat(d.TileFormat)
	if err != nil {
		return nil, err
	}
	path := pyramid.TilePath(d.TileRoot, req.Level, req.Column, req.Row, d.TileFormat)
	fi, err := os.Stat(path)
	if err == nil && fi.Size() == 0 {
		err = fmt.Errorf("tile %s is empty", path)
	}
	if err != nil {
		return nil, mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "legacy %s", d)
	}
	target := negotiate(requested, req.Accept, stored)
	if target != stored && !target.Modern() {
		target = stored
	}
	if target != stored {
		// Tiles pre-generated next to the stored ones are served as is.
		alt := pyramid.TilePath(d.TileRoot, req.Level, req.Column, req.Row, target.String())
		if afi, err := os.Stat(alt); err == nil && afi.Size() > 0 {
			path, fi, stored = alt, afi, target
		}
	}
	key := r.tileKey(d, fingerprint(path, fi.ModTime(), fi.Size()), req, target)
	return r.cached(key, d.Store, func() (mosaic.ImageFormat, []byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, nil, mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "reading tile")
		}
		if target == stored {
			return stored, data, nil
		}
		if err := r.transcodes.Acquire(ctx, 1); err != nil {
			return 0, nil, err
		}
		defer r.transcodes.Release(1)
		out, err := mosaic.Transcode(data, stored, target, r.opts.Quality)
		return target, out, err
	})
}

func (r *Resolver) tileKey(d *datastore.Dataset, print string, req TileRequest, target mosaic.ImageFormat) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%d|%s", d.ID, print, r.tiles.generation(d.ID),
		req.Level, req.Column, req.Row, target)
}

// cached returns the tile under key from the tile cache or computes it with
// fetch.  Concurrent requests for the same key share one fetch.
func (r *Resolver) cached(key string, source datastore.StoreKind, fetch func() (mosaic.ImageFormat, []byte, error)) (*TileResponse, error) {
	if format, data, found := r.tiles.get(key); found {
		return newTileResponse(format, data, source), nil
	}
	v, err := r.flight.Do(key, func() (interface{}, error) {
		format, data, err := fetch()
		if err != nil {
			return nil, err
		}
		r.tiles.set(key, format, data)
		return newTileResponse(format, data, source), nil
	})
	if err != nil {
		return nil, err
	}
	resp := *v.(*TileResponse)
	return &resp, nil
}

func newTileResponse(format mosaic.ImageFormat, data []byte, source datastore.StoreKind) *TileResponse {
	return &TileResponse{
		Data:         data,
		ContentType:  format.MediaType(),
		Format:       format,
		CacheControl: CacheControlImmutable,
		Source:       source,
	}
}

// Level orders reported by Describe.  Packed archives number levels from full
// resolution, legacy pyramids from the single-tile level as on disk.
const (
	FinestFirst   = "finest-first"
	CoarsestFirst = "coarsest-first"
)

// LevelInfo is the grid of one level.
type LevelInfo struct {
	Level   int `json:"level"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// DatasetInfo describes the tile geometry of a dataset as served.
type DatasetInfo struct {
	*datastore.Dataset
	TileSize   int             `json:"tileSize"`
	Overlap    int             `json:"overlap"`
	LevelCount int             `json:"levelCount"`
	LevelOrder string          `json:"levelOrder"`
	Levels     []LevelInfo     `json:"levels"`
	Codec      string          `json:"codec,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Coarsest returns the level of lowest resolution, or -1 without levels.
func (info *DatasetInfo) Coarsest() int {
	if info.LevelCount == 0 {
		return -1
	}
	if info.LevelOrder == CoarsestFirst {
		return 0
	}
	return info.LevelCount - 1
}

// Finest returns the full-resolution level, or -1 without levels.
func (info *DatasetInfo) Finest() int {
	if info.LevelCount == 0 {
		return -1
	}
	if info.LevelOrder == CoarsestFirst {
		return info.LevelCount - 1
	}
	return 0
}

// geometry returns the full-resolution tile geometry.
func (info *DatasetInfo) geometry() pyramid.Geometry {
	full := info.Levels[info.Finest()]
	return pyramid.Geometry{Width: full.Width, Height: full.Height, TileSize: info.TileSize, Overlap: info.Overlap}
}

// FromDeepZoom maps a Deep Zoom level, where level 0 is a single pixel and
// the last level full resolution, to a level of the dataset.  Deep Zoom levels
// below the coarsest stored level map to it if it is a single tile.
func (info *DatasetInfo) FromDeepZoom(dzLevel int) (int, error) {
	if info.LevelCount == 0 {
		return 0, mosaic.NewError(mosaic.BackingStoreUnavailable, "%s has no backing store", info.Dataset)
	}
	reduction := info.geometry().DeepZoomMaxLevel() - dzLevel
	if reduction < 0 {
		return 0, mosaic.NewError(mosaic.TileOutOfRange, "Deep Zoom level %d above full resolution of %s", dzLevel, info.Dataset)
	}
	if reduction >= info.LevelCount {
		coarsest := info.Levels[info.Coarsest()]
		if coarsest.Columns != 1 || coarsest.Rows != 1 {
			return 0, mosaic.NewError(mosaic.TileOutOfRange, "Deep Zoom level %d below the stored levels of %s", dzLevel, info.Dataset)
		}
		reduction = info.LevelCount - 1
	}
	if info.LevelOrder == CoarsestFirst {
		return info.LevelCount - 1 - reduction, nil
	}
	return reduction, nil
}

// Describe returns the served geometry of a dataset: the archive's when packed,
// the declared legacy geometry otherwise.  Levels are listed in the numbering
// tile requests use for the dataset's store.
func (r *Resolver) Describe(datasetID string) (*DatasetInfo, error) {
	d, err := r.registry.GetDataset(datasetID)
	if err != nil {
		return nil, err
	}
	info := &DatasetInfo{Dataset: d}
	switch d.Store {
	case datastore.StorePacked:
		idx, err := r.indexes.get(d.ArchivePath)
		if err != nil {
			return nil, err
		}
		info.TileSize = idx.BlockSize()
		info.LevelCount = idx.LevelCount()
		info.LevelOrder = FinestFirst
		info.Codec = idx.Codec().String()
		info.Metadata = idx.Metadata
		for level := 0; level < info.LevelCount; level++ {
			dims := idx.LevelExtents(level)
			cols, rows := idx.Grid(level)
			info.Levels = append(info.Levels, LevelInfo{level, dims.Width, dims.Height, cols, rows})
		}
	case datastore.StoreLegacy:
		geom := d.LegacyGeometry()
		info.TileSize, info.Overlap = geom.TileSize, geom.Overlap
		info.LevelCount = geom.LevelCount()
		info.LevelOrder = CoarsestFirst
		for level := 0; level < info.LevelCount; level++ {
			dims := geom.DirLevelExtents(level)
			cols, rows := geom.DirGrid(level)
			info.Levels = append(info.Levels, LevelInfo{level, dims.Width, dims.Height, cols, rows})
		}
	}
	return info, nil
}

// Thumbnail returns the single tile of the coarsest level.
func (r *Resolver) Thumbnail(ctx context.Context, datasetID, format, accept string) (*TileResponse, error) {
	info, err := r.Describe(datasetID)
	if err != nil {
		return nil, err
	}
	level := info.Coarsest()
	if level < 0 {
		return nil, mosaic.NewError(mosaic.BackingStoreUnavailable, "%s has no backing store", info.Dataset)
	}
	return r.Resolve(ctx, TileRequest{DatasetID: datasetID, Level: level, Format: format, Accept: accept})
}

// DeepZoom returns a Deep Zoom descriptor of a dataset.  Its tiles are served
// by ResolveDeepZoom.
func (r *Resolver) DeepZoom(datasetID string) (*pyramid.DeepZoom, error) {
	info, err := r.Describe(datasetID)
	if err != nil {
		return nil, err
	}
	if info.LevelCount == 0 {
		return nil, mosaic.NewError(mosaic.BackingStoreUnavailable, "%s has no backing store", info.Dataset)
	}
	format := info.TileFormat
	if info.Store == datastore.StorePacked {
		format = mosaic.FormatPNG.String()
		if codec, err := mosaic.ParseCodec(info.Codec); err == nil && codec.ImageFormat() != mosaic.UnknownImageFormat {
			format = codec.ImageFormat().String()
		}
	}
	dz := pyramid.NewDeepZoom(info.geometry(), format)
	return &dz, nil
}

// ResolveDeepZoom returns a tile addressed by Deep Zoom level.
func (r *Resolver) ResolveDeepZoom(ctx context.Context, req TileRequest) (*TileResponse, error) {
	if req.Level < 0 {
		return nil, mosaic.NewError(mosaic.TileOutOfRange, "negative tile address %s", req)
	}
	info, err := r.Describe(req.DatasetID)
	if err != nil {
		return nil, classify(req, err)
	}
	if req.Level, err = info.FromDeepZoom(req.Level); err != nil {
		return nil, err
	}
	return r.Resolve(ctx, req)
}
