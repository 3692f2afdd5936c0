package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/janelia-flyem/mosaic/archive"
	"github.com/janelia-flyem/mosaic/mosaic"
	"github.com/janelia-flyem/mosaic/pyramid"
)

// StoreKind identifies the backing store of a dataset.
type StoreKind string

const (
	StorePacked StoreKind = "packed"
	StoreLegacy StoreKind = "legacy"
	StoreNone   StoreKind = "none"
)

// Dataset is one servable image.
type Dataset struct {
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Store  StoreKind `json:"store"`

	// ArchivePath is set for packed datasets.
	ArchivePath string `json:"archivePath,omitempty"`

	// Legacy pyramid geometry.
	TileRoot   string `json:"tileRoot,omitempty"`
	TileSize   int    `json:"tileSize,omitempty"`
	Overlap    int    `json:"overlap"`
	TileFormat string `json:"tileFormat,omitempty"`

	// SourceFormat is the format of the original raster, e.g. "pds" or "jpeg".
	SourceFormat string `json:"sourceFormat,omitempty"`
}

func (d *Dataset) String() string {
	return fmt.Sprintf("dataset %q (%d x %d, %s)", d.ID, d.Width, d.Height, d.Store)
}

// Dimensions returns the full-resolution size of the dataset.
func (d *Dataset) Dimensions() mosaic.Extents2d {
	return mosaic.Extents2d{Width: d.Width, Height: d.Height}
}

// LegacyGeometry returns the tile geometry of a legacy pyramid.
func (d *Dataset) LegacyGeometry() pyramid.Geometry {
	return pyramid.Geometry{Width: d.Width, Height: d.Height, TileSize: d.TileSize, Overlap: d.Overlap}
}

// setDefaults fills in legacy tile size and format and resolves relative paths
// against dir.
func (d *Dataset) setDefaults(dir string) {
	if d.Store == "" {
		d.Store = StoreNone
	}
	if d.TileSize == 0 {
		d.TileSize = pyramid.DefaultTileSize
	}
	if d.TileFormat == "" {
		d.TileFormat = pyramid.DefaultFormat
	}
	if dir != "" {
		if d.ArchivePath != "" && !filepath.IsAbs(d.ArchivePath) {
			d.ArchivePath = filepath.Join(dir, d.ArchivePath)
		}
		if d.TileRoot != "" && !filepath.IsAbs(d.TileRoot) {
			d.TileRoot = filepath.Join(dir, d.TileRoot)
		}
	}
}

// check returns an InvalidArgument error if the declared fields are inconsistent.
// It does not touch the filesystem.
func (d *Dataset) check() error {
	if d.ID == "" {
		return mosaic.NewError(mosaic.InvalidArgument, "dataset has no id")
	}
	if d.Width <= 0 || d.Height <= 0 {
		return mosaic.NewError(mosaic.InvalidArgument, "%s has no extent", d)
	}
	switch d.Store {
	case StorePacked:
		if d.ArchivePath == "" {
			return mosaic.NewError(mosaic.InvalidArgument, "packed %s has no archive path", d)
		}
	case StoreLegacy:
		if d.TileRoot == "" {
			return mosaic.NewError(mosaic.InvalidArgument, "legacy %s has no tile root", d)
		}
		if d.Overlap < 0 || d.Overlap >= d.TileSize {
			return mosaic.NewError(mosaic.InvalidArgument, "legacy %s has overlap %d with tile size %d", d, d.Overlap, d.TileSize)
		}
		if _, err := mosaic.ParseImageFormat(d.TileFormat); err != nil {
			return err
		}
	case StoreNone:
	default:
		return mosaic.NewError(mosaic.InvalidArgument, "%s has unknown store", d)
	}
	return nil
}

// Verify checks that the dataset's backing store is usable: a packed archive
// must open as a structurally valid archive matching the declared size, and a
// legacy pyramid must have its level 0 directory.
func (d *Dataset) Verify() error {
	if err := d.check(); err != nil {
		return err
	}
	switch d.Store {
	case StorePacked:
		idx, err := archive.LoadIndex(d.ArchivePath)
		if err != nil {
			return err
		}
		if dims := idx.Dimensions(); dims != d.Dimensions() {
			return mosaic.NewError(mosaic.CorruptSource, "archive %s is %s but %s", d.ArchivePath, dims, d)
		}
	case StoreLegacy:
		fi, err := os.Stat(filepath.Join(d.TileRoot, "0"))
		if err != nil {
			return mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "legacy %s", d)
		}
		if !fi.IsDir() {
			return mosaic.NewError(mosaic.BackingStoreUnavailable, "legacy %s: level 0 is not a directory", d)
		}
	}
	return nil
}
