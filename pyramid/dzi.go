package pyramid

import (
	"encoding/xml"
	"os"
	"path/filepath"

	"github.com/janelia-flyem/mosaic/mosaic"
)

// DeepZoomFile is the Deep Zoom descriptor written next to the level
// directories.  Viewers resolve tiles of it under "info_files/".
const DeepZoomFile = "info.dzi"

// DeepZoomNamespace is the XML namespace of Deep Zoom descriptors.
const DeepZoomNamespace = "http://schemas.microsoft.com/deepzoom/2008"

// DeepZoom is a Deep Zoom Image descriptor.
type DeepZoom struct {
	XMLName  xml.Name     `xml:"http://schemas.microsoft.com/deepzoom/2008 Image"`
	Format   string       `xml:"Format,attr"`
	Overlap  int          `xml:"Overlap,attr"`
	TileSize int          `xml:"TileSize,attr"`
	Size     DeepZoomSize `xml:"Size"`
}

// DeepZoomSize is the full-resolution size of a Deep Zoom image.
type DeepZoomSize struct {
	Width  int `xml:"Width,attr"`
	Height int `xml:"Height,attr"`
}

// NewDeepZoom returns the descriptor of a pyramid stored as format tiles.
func NewDeepZoom(g Geometry, format string) DeepZoom {
	return DeepZoom{
		Format:   format,
		Overlap:  g.Overlap,
		TileSize: g.TileSize,
		Size:     DeepZoomSize{Width: g.Width, Height: g.Height},
	}
}

// Geometry returns the tile geometry the descriptor declares.
func (dz DeepZoom) Geometry() Geometry {
	return Geometry{Width: dz.Size.Width, Height: dz.Size.Height, TileSize: dz.TileSize, Overlap: dz.Overlap}
}

// Marshal returns the indented XML document.
func (dz DeepZoom) Marshal() ([]byte, error) {
	data, err := xml.MarshalIndent(dz, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}

// DeepZoomMaxLevel returns the Deep Zoom level of full resolution,
// ceil(log2(max(W,H))).  Deep Zoom level 0 is a single pixel.
func (g Geometry) DeepZoomMaxLevel() int {
	max := g.Width
	if g.Height > max {
		max = g.Height
	}
	var n int
	for 1<<uint(n) < max {
		n++
	}
	return n
}

// DeepZoomOffset returns how many Deep Zoom levels lie below directory
// level 0.  Deep Zoom level n is directory level n - DeepZoomOffset().
func (g Geometry) DeepZoomOffset() int {
	return g.DeepZoomMaxLevel() - (g.LevelCount() - 1)
}

// ReadDeepZoom loads the descriptor of a pyramid.
func ReadDeepZoom(root string) (*DeepZoom, error) {
	data, err := os.ReadFile(filepath.Join(root, DeepZoomFile))
	if err != nil {
		return nil, err
	}
	var dz DeepZoom
	if err := xml.Unmarshal(data, &dz); err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "decoding %s descriptor", root)
	}
	return &dz, nil
}

func writeDeepZoom(root string, dz DeepZoom) error {
	data, err := dz.Marshal()
	if err != nil {
		return mosaic.WrapError(mosaic.WriteError, err, "encoding Deep Zoom descriptor")
	}
	return mosaic.WriteFileAtomic(filepath.Join(root, DeepZoomFile), data, 0644)
}
