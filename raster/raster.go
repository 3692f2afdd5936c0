/*
Package raster opens source images for conversion.  The format is detected
from file content, never from the extension, and one reader implementation is
chosen at open time.  Readers for PDS3, TIFF and uncompressed BMP stream
pixels from disk so arbitrarily large sources can be read block by block;
other formats are decoded in full.
*/
package raster

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/janelia-flyem/mosaic/mosaic"
)

// Format is a detected source format.
type Format uint8

const (
	UnknownFormat Format = iota
	PDS
	TIFF
	BMP
	JPEG
	PNG
	GIF
	WebP
)

func (f Format) String() string {
	switch f {
	case PDS:
		return "pds"
	case TIFF:
		return "tiff"
	case BMP:
		return "bmp"
	case JPEG:
		return "jpeg"
	case PNG:
		return "png"
	case GIF:
		return "gif"
	case WebP:
		return "webp"
	default:
		return "unknown"
	}
}

// Scientific is true for formats whose samples are measurements rather than
// display values.
func (f Format) Scientific() bool {
	return f == PDS || f == TIFF
}

// Bounds is the map-projected extent of an image.
type Bounds struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Metadata describes a source raster.  It is embedded verbatim in packed archives.
type Metadata struct {
	Format       string            `json:"format"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Bands        int               `json:"bands"`
	BitDepth     int               `json:"bitDepth"`
	Bounds       *Bounds           `json:"bounds,omitempty"`
	Resolution   float64           `json:"resolution,omitempty"` // map units per pixel
	Units        string            `json:"units,omitempty"`
	SampleOffset int               `json:"sampleOffset,omitempty"` // added to signed samples
	Keywords     map[string]string `json:"keywords,omitempty"`
}

// Handle is an open raster.  ReadBlock may be called concurrently.
type Handle interface {
	// Dimensions returns the full-resolution size in pixels.
	Dimensions() mosaic.Extents2d

	// Metadata returns the source description.
	Metadata() Metadata

	// ReadBlock returns the pixels of the given rectangle, clipped at the image
	// edges.  A rectangle entirely outside the image returns an empty buffer.
	ReadBlock(x, y, w, h int) (*mosaic.PixelBuffer, error)

	Close() error
}

// DefaultStreamThreshold is the file size above which fully decoding a source
// is logged as a warning.
const DefaultStreamThreshold = 64 * mosaic.Mega

// Options modify how a raster is opened.
type Options struct {
	StreamThreshold int64
}

// Sniff detects a format from the first bytes of a file.
func Sniff(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, []byte("PDS_VERSION_ID")), bytes.HasPrefix(header, []byte("NJPL1I00PDS")):
		return PDS
	case bytes.HasPrefix(header, []byte("II*\x00")), bytes.HasPrefix(header, []byte("MM\x00*")):
		return TIFF
	case bytes.HasPrefix(header, []byte("II+\x00")), bytes.HasPrefix(header, []byte("MM\x00+")):
		return TIFF // BigTIFF, rejected by the TIFF reader
	case bytes.HasPrefix(header, []byte("\xff\xd8\xff")):
		return JPEG
	case bytes.HasPrefix(header, []byte("\x89PNG\r\n\x1a\n")):
		return PNG
	case bytes.HasPrefix(header, []byte("GIF87a")), bytes.HasPrefix(header, []byte("GIF89a")):
		return GIF
	case bytes.HasPrefix(header, []byte("BM")):
		return BMP
	case len(header) >= 12 && string(header[0:4]) == "RIFF" && string(header[8:12]) == "WEBP":
		return WebP
	}
	return UnknownFormat
}

// Open opens a raster with default options.
func Open(path string) (Handle, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions detects the format of path and opens it with the matching reader.
func OpenWithOptions(path string, opts Options) (Handle, error) {
	if opts.StreamThreshold <= 0 {
		opts.StreamThreshold = DefaultStreamThreshold
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "opening %s", path)
	}
	header := make([]byte, 32)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		f.Close()
		if err == io.EOF {
			return nil, mosaic.NewError(mosaic.UnsupportedFormat, "%s is empty", path)
		}
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "reading %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mosaic.WrapError(mosaic.CorruptSource, err, "stat %s", path)
	}
	format := Sniff(header[:n])
	mosaic.Debugf("Opening %s as %s (%d bytes)\n", path, format, fi.Size())

	var h Handle
	switch format {
	case PDS:
		f.Close()
		h, err = openPDS(path)
	case TIFF:
		h, err = openTIFF(f, fi.Size(), opts)
	case BMP:
		h, err = openBMP(f, fi.Size(), opts)
	case JPEG, PNG, GIF, WebP:
		h, err = openDecoded(f, format, fi.Size(), opts)
	default:
		f.Close()
		return nil, mosaic.NewError(mosaic.UnsupportedFormat, "unrecognized content in %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return h, nil
}

// clip returns the part of the requested rectangle inside the image and a
// buffer sized for it.
func clip(dims mosaic.Extents2d, x, y, w, h, bands, bitDepth int) (mosaic.Rect, *mosaic.PixelBuffer) {
	r := mosaic.Rect{X: x, Y: y, Width: w, Height: h}.Clip(dims)
	return r, mosaic.NewPixelBuffer(r.Width, r.Height, bands, bitDepth)
}
